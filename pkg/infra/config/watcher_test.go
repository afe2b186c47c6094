package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type section struct {
	Threshold float64 `mapstructure:"threshold"`
	Turns     int     `mapstructure:"turns"`
}

type recordingComponent struct {
	got    []*section
	reject bool
}

func (c *recordingComponent) OnConfigChange(newConfig any) error {
	if c.reject {
		return errors.New("invalid")
	}
	c.got = append(c.got, newConfig.(*section))
	return nil
}

func readYAML(t *testing.T, v *viper.Viper, doc string) {
	t.Helper()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
}

func TestReloadableSubscriber_KeepsDefaults(t *testing.T) {
	v := viper.New()
	readYAML(t, v, "pipeline:\n  threshold: 0.9\n")

	comp := &recordingComponent{}
	sub := NewReloadableSubscriber(comp, "pipeline", func() any { return &section{Threshold: 0.7, Turns: 5} })
	require.NoError(t, sub.Handler()(v))

	require.Len(t, comp.got, 1)
	assert.Equal(t, 0.9, comp.got[0].Threshold)
	assert.Equal(t, 5, comp.got[0].Turns)

	comp.reject = true
	assert.Error(t, sub.Handler()(v))
}

func TestWatcher_DispatchSkipsUnchangedSettings(t *testing.T) {
	v := viper.New()
	readYAML(t, v, "pipeline:\n  threshold: 0.7\n")
	w := NewWatcher(v)

	calls := map[string]int{}
	w.Subscribe("a", func(*viper.Viper) error { calls["a"]++; return nil })
	w.Subscribe("b", func(*viper.Viper) error { calls["b"]++; return errors.New("nope") })
	assert.Equal(t, 2, w.HandlerCount())

	// 内容未变化
	assert.Equal(t, 0, w.dispatch("config.yaml"))
	assert.Empty(t, calls)

	readYAML(t, v, "pipeline:\n  threshold: 0.8\n")
	assert.Equal(t, 1, w.dispatch("config.yaml"))
	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 1, calls["b"])

	// 同一次保存的重复事件
	assert.Equal(t, 0, w.dispatch("config.yaml"))
	assert.Equal(t, 1, calls["a"])

	w.Unsubscribe("b")
	assert.Equal(t, 1, w.HandlerCount())
}

func TestWatcher_StartWithoutFile(t *testing.T) {
	w := NewWatcher(viper.New())
	w.Start()
	assert.False(t, w.watching)
}
