// Package logger provides logger configuration options.
package logger

import (
	"github.com/kart-io/logger"
	"github.com/kart-io/logger/core"
	"github.com/kart-io/logger/option"
	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-kb/pkg/options"
)

// Options wraps option.LogOption with the fields attached to every log line.
type Options struct {
	*option.LogOption

	initialFields map[string]any
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		LogOption:     option.DefaultLogOption(),
		initialFields: map[string]any{},
	}
}

// AddInitialField attaches a field to every log line emitted by the global logger.
func (o *Options) AddInitialField(key string, value any) {
	if o.initialFields == nil {
		o.initialFields = map[string]any{}
	}
	o.initialFields[key] = value
}

// AddFlags adds flags for logger options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "log."
	fs.StringVar(&o.Engine, p+"engine", o.Engine, "Logging engine (zap|slog).")
	fs.StringVar(&o.Level, p+"level", o.Level, "Log level (DEBUG|INFO|WARN|ERROR|FATAL).")
	fs.StringVar(&o.Format, p+"format", o.Format, "Log format (json|console).")
	fs.StringSliceVar(&o.OutputPaths, p+"output-paths", o.OutputPaths, "Output paths for logs.")
	fs.BoolVar(&o.Development, p+"development", o.Development, "Enable development mode.")
	fs.BoolVar(&o.DisableCaller, p+"disable-caller", o.DisableCaller, "Disable caller detection.")
	fs.BoolVar(&o.DisableStacktrace, p+"disable-stacktrace", o.DisableStacktrace, "Disable stacktrace capture.")
}

// Validate validates the logger options.
func (o *Options) Validate() []error {
	if err := o.LogOption.Validate(); err != nil {
		return []error{err}
	}
	return nil
}

// CreateLogger creates a logger carrying the initial fields.
func (o *Options) CreateLogger() (core.Logger, error) {
	log, err := logger.New(o.LogOption)
	if err != nil {
		return nil, err
	}
	if len(o.initialFields) == 0 {
		return log, nil
	}
	kv := make([]any, 0, len(o.initialFields)*2)
	for k, v := range o.initialFields {
		kv = append(kv, k, v)
	}
	return log.With(kv...), nil
}

// Init initializes the global logger with the options.
func (o *Options) Init() error {
	log, err := o.CreateLogger()
	if err != nil {
		return err
	}
	logger.SetGlobal(log)
	return nil
}
