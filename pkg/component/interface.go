// Package component holds the external clients the service depends on.
package component

import "context"

// Client is the common surface of a connected backend client.
// Health checks iterate over Clients to report dependency status.
type Client interface {
	// Name returns the backend identifier, e.g. "redis".
	Name() string

	// Ping verifies connectivity within ctx.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
