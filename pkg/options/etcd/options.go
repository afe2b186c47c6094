// Package etcd provides etcd connection and registration options.
package etcd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-kb/pkg/options"
)

const redactedPassword = "[REDACTED]"

// PasswordEnv is read when no password was configured.
const PasswordEnv = "ETCD_PASSWORD"

var _ options.IOptions = (*Options)(nil)

// Options defines configuration options for etcd.
type Options struct {
	// Enabled turns on service registration.
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	Endpoints      []string      `json:"endpoints" mapstructure:"endpoints"`
	Username       string        `json:"username" mapstructure:"username"`
	Password       string        `json:"-" mapstructure:"password"`
	DialTimeout    time.Duration `json:"dial-timeout" mapstructure:"dial-timeout"`
	RequestTimeout time.Duration `json:"request-timeout" mapstructure:"request-timeout"`
	// LeaseTTL is the registration lease in seconds.
	LeaseTTL int64 `json:"lease-ttl" mapstructure:"lease-ttl"`
	// KeyPrefix is the root under which instances are registered.
	KeyPrefix string `json:"key-prefix" mapstructure:"key-prefix"`
	// AdvertiseAddr is the address other services use to reach this instance.
	AdvertiseAddr string `json:"advertise-addr" mapstructure:"advertise-addr"`
}

// NewOptions creates a new Options object with default values.
func NewOptions() *Options {
	return &Options{
		Endpoints:      []string{"127.0.0.1:2379"},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 2 * time.Second,
		LeaseTTL:       10,
		KeyPrefix:      "/services",
	}
}

// MarshalJSON implements json.Marshaler with password redaction.
func (o *Options) MarshalJSON() ([]byte, error) {
	type alias Options
	password := ""
	if o.Password != "" {
		password = redactedPassword
	}
	return json.Marshal(struct {
		*alias
		Password string `json:"password"`
	}{alias: (*alias)(o), Password: password})
}

// String returns a string representation with password redacted.
func (o *Options) String() string {
	password := ""
	if o.Password != "" {
		password = redactedPassword
	}
	return fmt.Sprintf("Etcd{endpoints=%v, user=%s, password=%s}", o.Endpoints, o.Username, password)
}

// AddFlags adds flags for etcd options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "etcd."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Register this instance in etcd.")
	fs.StringSliceVar(&o.Endpoints, p+"endpoints", o.Endpoints, "Etcd endpoints.")
	fs.StringVar(&o.Username, p+"username", o.Username, "Etcd username.")
	fs.DurationVar(&o.DialTimeout, p+"dial-timeout", o.DialTimeout, "Etcd dial timeout.")
	fs.DurationVar(&o.RequestTimeout, p+"request-timeout", o.RequestTimeout, "Etcd request timeout.")
	fs.Int64Var(&o.LeaseTTL, p+"lease-ttl", o.LeaseTTL, "Registration lease TTL in seconds.")
	fs.StringVar(&o.KeyPrefix, p+"key-prefix", o.KeyPrefix, "Registry key prefix.")
	fs.StringVar(&o.AdvertiseAddr, p+"advertise-addr", o.AdvertiseAddr, "Address advertised in the registry. Defaults to the HTTP bind address.")
}

// Complete reads the password from the environment when it was not configured.
func (o *Options) Complete() error {
	if o.Password == "" {
		o.Password = os.Getenv(PasswordEnv)
	}
	return nil
}

// Validate checks if the options are valid.
func (o *Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}
	var errs []error
	if len(o.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("etcd endpoints are required when registration is enabled"))
	}
	if o.LeaseTTL < 5 {
		errs = append(errs, fmt.Errorf("etcd lease ttl must be at least 5 seconds, got %d", o.LeaseTTL))
	}
	if o.KeyPrefix == "" {
		errs = append(errs, fmt.Errorf("etcd key prefix is required"))
	}
	return errs
}
