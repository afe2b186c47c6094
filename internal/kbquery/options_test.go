package kbquery

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_DefaultsValid(t *testing.T) {
	o := NewOptions()
	require.NoError(t, o.Complete())
	assert.NoError(t, o.Validate())
}

func TestOptions_FlagsGrouped(t *testing.T) {
	o := NewOptions()
	fss := o.Flags()
	assert.Equal(t, []string{"http", "log", "graph", "milvus", "redis", "llm", "etcd", "tracing", "cache", "pipeline"}, fss.Order)

	all := pflag.NewFlagSet("all", pflag.ContinueOnError)
	for _, name := range fss.Order {
		all.AddFlagSet(fss.FlagSets[name])
	}
	require.NoError(t, all.Parse([]string{
		"--http.addr=:9100",
		"--milvus.enabled=false",
		"--pipeline.gardener.schedule=@every 1h",
		"--pools.batch.capacity=5",
	}))
	assert.Equal(t, ":9100", o.HTTP.Addr)
	assert.False(t, o.Milvus.Enabled)
	assert.Equal(t, "@every 1h", o.Pipeline.Gardener.Schedule)
	assert.Equal(t, 5, o.Pools.Batch.Capacity)
}

func TestOptions_ValidateCollectsErrors(t *testing.T) {
	o := NewOptions()
	o.HTTP.Addr = ""
	o.Cache.Size = 0
	o.Pipeline.Synthesis.MaxFollowUps = 9
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.addr")
	assert.Contains(t, err.Error(), "cache size")
	assert.Contains(t, err.Error(), "pipeline")
}

func TestOptions_CompleteAdvertiseAddr(t *testing.T) {
	o := NewOptions()
	o.Etcd.Enabled = true
	require.NoError(t, o.Complete())
	assert.Equal(t, o.HTTP.Addr, o.Etcd.AdvertiseAddr)
}
