package etcd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceKey(t *testing.T) {
	a := InstanceKey("/services", Instance{Name: "sentinel-kb", Addr: "10.0.0.1:8100"})
	b := InstanceKey("/services", Instance{Name: "sentinel-kb", Addr: "10.0.0.2:8100"})

	assert.True(t, strings.HasPrefix(a, "/services/sentinel-kb/"))
	assert.Len(t, strings.TrimPrefix(a, "/services/sentinel-kb/"), 16)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, InstanceKey("/services/", Instance{Name: "sentinel-kb", Addr: "10.0.0.1:8100"}))
}

func TestRegistrar_CloseWithoutRegister(t *testing.T) {
	r := NewRegistrar(nil, "/services", 10, Instance{Name: "kb", Addr: ":8100"})
	r.Close()
	r.Close()
}
