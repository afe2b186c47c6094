package config

// Reloadable is implemented by components that apply configuration changes at
// runtime. OnConfigChange must validate newConfig and either apply it
// atomically or return an error and keep the previous configuration.
type Reloadable interface {
	OnConfigChange(newConfig any) error
}
