package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"

	mwopts "github.com/kart-io/sentinel-kb/pkg/options/middleware"
)

// SecurityHeaders adds common security response headers. HSTS is only sent on
// HTTPS connections, including TLS terminated at a proxy.
func SecurityHeaders(opts mwopts.SecurityHeadersOptions) gin.HandlerFunc {
	hsts := ""
	if opts.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d; includeSubDomains", opts.HSTSMaxAge)
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		if opts.FrameOptionsValue != "" {
			h.Set("X-Frame-Options", opts.FrameOptionsValue)
		}
		if opts.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", opts.ReferrerPolicy)
		}
		if hsts != "" && (c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https") {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}
