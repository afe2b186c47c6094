// Package config provides configuration file watching and hot reload.
package config

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/kart-io/logger"
	"github.com/spf13/viper"
)

// ChangeHandler is invoked with the re-read viper instance after the config
// file changed. Returning an error keeps the component on its old settings.
type ChangeHandler func(v *viper.Viper) error

// Watcher watches the config file through viper (fsnotify) and notifies
// subscribers. Editors often emit several write events per save, so a change
// whose settings are identical to the last dispatched one is ignored.
type Watcher struct {
	viper    *viper.Viper
	mu       sync.RWMutex
	handlers map[string]ChangeHandler
	watching bool
	lastSum  [sha256.Size]byte
}

// NewWatcher creates a watcher for a viper instance that has already read its config file.
func NewWatcher(v *viper.Viper) *Watcher {
	w := &Watcher{viper: v, handlers: make(map[string]ChangeHandler)}
	w.lastSum = settingsSum(v)
	return w
}

// Subscribe registers handler under id, replacing any previous one.
func (w *Watcher) Subscribe(id string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[id] = handler
	logger.Infow("Config watcher subscribed", "handler", id)
}

// Unsubscribe removes the handler registered under id.
func (w *Watcher) Unsubscribe(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, id)
}

// Start begins watching. It is a no-op when no config file is in use or when
// already watching.
func (w *Watcher) Start() {
	if w.viper.ConfigFileUsed() == "" {
		logger.Info("Config watcher: no config file in use, hot reload disabled")
		return
	}
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return
	}
	w.watching = true
	w.mu.Unlock()

	w.viper.OnConfigChange(func(e fsnotify.Event) {
		w.dispatch(e.Name)
	})
	w.viper.WatchConfig()
	logger.Infow("Config watcher started", "file", w.viper.ConfigFileUsed())
}

// dispatch notifies every subscriber in id order. A failing handler does not
// stop the others. It returns the number of handlers that failed.
func (w *Watcher) dispatch(name string) int {
	sum := settingsSum(w.viper)

	w.mu.Lock()
	if sum == w.lastSum {
		w.mu.Unlock()
		return 0
	}
	w.lastSum = sum
	ids := make([]string, 0, len(w.handlers))
	for id := range w.handlers {
		ids = append(ids, id)
	}
	handlers := make(map[string]ChangeHandler, len(w.handlers))
	for id, h := range w.handlers {
		handlers[id] = h
	}
	w.mu.Unlock()
	sort.Strings(ids)

	logger.Infow("Config file changed", "file", name, "handlers", len(ids))
	failed := 0
	for _, id := range ids {
		if err := handlers[id](w.viper); err != nil {
			failed++
			logger.Errorw("Config change rejected", "handler", id, "error", err.Error())
		}
	}
	return failed
}

// HandlerCount returns the number of registered handlers.
func (w *Watcher) HandlerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

func settingsSum(v *viper.Viper) [sha256.Size]byte {
	// fmt prints map keys in sorted order, which keeps the digest stable.
	return sha256.Sum256([]byte(fmt.Sprint(v.AllSettings())))
}

// ReloadableSubscriber decodes one config section into a fresh target and
// hands it to a Reloadable component.
type ReloadableSubscriber struct {
	component Reloadable
	configKey string
	newTarget func() any
}

// NewReloadableSubscriber creates a subscriber. newTarget returns a pointer
// pre-filled with defaults, so keys missing from the file keep their default.
func NewReloadableSubscriber(component Reloadable, configKey string, newTarget func() any) *ReloadableSubscriber {
	return &ReloadableSubscriber{component: component, configKey: configKey, newTarget: newTarget}
}

// Handler returns the ChangeHandler to register with a Watcher.
func (rs *ReloadableSubscriber) Handler() ChangeHandler {
	return func(v *viper.Viper) error {
		target := rs.newTarget()
		if err := v.UnmarshalKey(rs.configKey, target); err != nil {
			return fmt.Errorf("failed to unmarshal config key '%s': %w", rs.configKey, err)
		}
		if err := rs.component.OnConfigChange(target); err != nil {
			return fmt.Errorf("component rejected config change: %w", err)
		}
		return nil
	}
}
