package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	mwopts "github.com/kart-io/sentinel-kb/pkg/options/middleware"
	"github.com/kart-io/sentinel-kb/pkg/utils/response"
)

type requestIDKey struct{}

// maxRequestIDLen bounds ids accepted from clients.
const maxRequestIDLen = 128

// RequestID returns a middleware that assigns every request an id. An incoming
// header is reused when present, otherwise a ULID is generated. The id is echoed
// in the response header and stored in both the gin context and the request context.
func RequestID(opts mwopts.RequestIDOptions) gin.HandlerFunc {
	header := opts.Header
	if header == "" {
		header = "X-Request-ID"
	}
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(header))
		if id == "" || len(id) > maxRequestIDLen {
			id = ulid.Make().String()
		}
		c.Header(header, id)
		c.Set(response.RequestIDKey, id)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request id from ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
