// Package etcd provides the etcd v3 client used for service registration.
package etcd

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kart-io/sentinel-kb/pkg/component"
	options "github.com/kart-io/sentinel-kb/pkg/options/etcd"
)

var _ component.Client = (*Client)(nil)

// Client wraps an etcd v3 client.
type Client struct {
	client *clientv3.Client
	opts   *options.Options
}

// NewWithContext creates the client and checks that the cluster answers.
func NewWithContext(ctx context.Context, opts *options.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("etcd options cannot be nil")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	c := &Client{client: cli, opts: opts}
	if err := c.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return c, nil
}

// Name implements component.Client.
func (c *Client) Name() string {
	return "etcd"
}

// Ping lists the cluster members and fails on an empty cluster.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	resp, err := c.client.MemberList(ctx)
	if err != nil {
		return fmt.Errorf("failed to list etcd members: %w", err)
	}
	if len(resp.Members) == 0 {
		return fmt.Errorf("etcd cluster has no members")
	}
	return nil
}

// Close implements component.Client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Client returns the underlying etcd client.
func (c *Client) Client() *clientv3.Client {
	return c.client
}
