package http

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Flags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--http.addr=:9000",
		"--http.write-timeout=5m",
		"--http.middleware.rate-limit.enabled",
	}))
	assert.Equal(t, ":9000", o.Addr)
	assert.Equal(t, 5*time.Minute, o.WriteTimeout)
	assert.True(t, o.Middleware.RateLimit.Enabled)
	assert.Empty(t, o.Validate())
}

func TestOptions_Validate(t *testing.T) {
	o := NewOptions()
	o.Addr = ""
	o.Mode = "production"
	o.ShutdownTimeout = 0
	assert.Len(t, o.Validate(), 3)
}
