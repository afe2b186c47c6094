package middleware

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	o := NewOptions()
	assert.Empty(t, o.Validate())
	assert.Equal(t, "X-Request-ID", o.RequestID.Header)
	assert.False(t, o.RateLimit.Enabled)
	assert.Contains(t, o.Timeout.SkipPaths, "/v1/query/stream")
}

func TestOptions_Flags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs, "http")

	require.NoError(t, fs.Parse([]string{
		"--http.middleware.rate-limit.enabled",
		"--http.middleware.rate-limit.limit=5",
		"--http.middleware.timeout.timeout=3s",
	}))
	assert.True(t, o.RateLimit.Enabled)
	assert.Equal(t, 5, o.RateLimit.Limit)
	assert.Equal(t, 3*time.Second, o.Timeout.Timeout)
}

func TestOptions_Validate(t *testing.T) {
	o := NewOptions()
	o.RateLimit.Enabled = true
	o.RateLimit.Limit = 0
	o.BodyLimit.MaxSize = 0
	o.CORS.AllowCredentials = true
	assert.Len(t, o.Validate(), 3)
}
