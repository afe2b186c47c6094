// Package graph provides options for the relational graph store.
package graph

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-kb/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options configures the gorm-backed graph store.
type Options struct {
	// Driver selects the SQL dialect: sqlite, postgres or mysql.
	Driver string `json:"driver" mapstructure:"driver"`
	// DSN is the driver specific data source name.
	DSN string `json:"-" mapstructure:"dsn"`

	MaxOpenConnections    int           `json:"max-open-connections" mapstructure:"max-open-connections"`
	MaxIdleConnections    int           `json:"max-idle-connections" mapstructure:"max-idle-connections"`
	MaxConnectionLifeTime time.Duration `json:"max-connection-life-time" mapstructure:"max-connection-life-time"`

	// AutoMigrate creates or updates the kb_nodes / kb_edges tables on startup.
	AutoMigrate bool `json:"auto-migrate" mapstructure:"auto-migrate"`
	// SlowThreshold marks queries slower than this as warnings.
	SlowThreshold time.Duration `json:"slow-threshold" mapstructure:"slow-threshold"`
	// MaxDepth caps neighbourhood traversal depth regardless of caller input.
	MaxDepth int `json:"max-depth" mapstructure:"max-depth"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		Driver:                DriverSQLite,
		DSN:                   "file:sentinel-kb.db?_pragma=busy_timeout(5000)",
		MaxOpenConnections:    10,
		MaxIdleConnections:    5,
		MaxConnectionLifeTime: time.Hour,
		AutoMigrate:           true,
		SlowThreshold:         200 * time.Millisecond,
		MaxDepth:              3,
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "graph."
	fs.StringVar(&o.Driver, p+"driver", o.Driver, "Graph store SQL driver (sqlite|postgres|mysql).")
	fs.StringVar(&o.DSN, p+"dsn", o.DSN, "Graph store data source name.")
	fs.IntVar(&o.MaxOpenConnections, p+"max-open-connections", o.MaxOpenConnections, "Maximum open connections.")
	fs.IntVar(&o.MaxIdleConnections, p+"max-idle-connections", o.MaxIdleConnections, "Maximum idle connections.")
	fs.DurationVar(&o.MaxConnectionLifeTime, p+"max-connection-life-time", o.MaxConnectionLifeTime, "Maximum connection lifetime.")
	fs.BoolVar(&o.AutoMigrate, p+"auto-migrate", o.AutoMigrate, "Create graph tables on startup.")
	fs.DurationVar(&o.SlowThreshold, p+"slow-threshold", o.SlowThreshold, "Slow query threshold.")
	fs.IntVar(&o.MaxDepth, p+"max-depth", o.MaxDepth, "Maximum neighbourhood traversal depth.")
}

// Validate validates the options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		errs = append(errs, fmt.Errorf("graph driver %q is not supported", o.Driver))
	}
	if o.DSN == "" {
		errs = append(errs, fmt.Errorf("graph dsn is required"))
	}
	if o.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("graph max-depth must be at least 1"))
	}
	return errs
}
