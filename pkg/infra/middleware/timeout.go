package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	mwopts "github.com/kart-io/sentinel-kb/pkg/options/middleware"
	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
	"github.com/kart-io/sentinel-kb/pkg/utils/response"
)

// Timeout bounds request processing by attaching a deadline to the request
// context. Handlers observe the deadline through ctx; when one returns without
// writing after the deadline passed, ErrRequestTimeout is sent.
func Timeout(opts mwopts.TimeoutOptions) gin.HandlerFunc {
	skip := pathMatcher(opts.SkipPaths)

	return func(c *gin.Context) {
		if opts.Timeout <= 0 || skip(c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			response.Fail(c, errors.ErrRequestTimeout)
		}
	}
}
