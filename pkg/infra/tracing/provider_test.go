package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestOptionsValidate(t *testing.T) {
	assert.Empty(t, NewOptions().Validate())
	assert.Empty(t, (&Options{}).Validate())

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"missing service name", func(o *Options) { o.ServiceName = "" }},
		{"missing endpoint", func(o *Options) { o.Endpoint = "" }},
		{"bad exporter", func(o *Options) { o.ExporterType = "jaeger" }},
		{"bad sampler", func(o *Options) { o.SamplerType = "sometimes" }},
		{"ratio out of range", func(o *Options) { o.SamplerRatio = 1.5 }},
		{"zero queue", func(o *Options) { o.MaxQueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			o.Enabled = true
			tt.mutate(o)
			assert.NotEmpty(t, o.Validate())
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer("test"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Noop(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	o := NewOptions()
	o.Enabled = true
	o.ExporterType = ExporterNoop
	o.SamplerType = SamplerAlwaysOn

	p, err := NewProvider(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.IsRecording())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_InvalidOptions(t *testing.T) {
	o := NewOptions()
	o.Enabled = true
	o.ExporterType = "zipkin"
	_, err := NewProvider(context.Background(), o)
	assert.Error(t, err)
}
