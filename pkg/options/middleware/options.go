// Package middleware provides HTTP middleware configuration options.
package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-kb/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options 中间件配置。均为纯配置，可序列化，运行时依赖由调用方注入。
type Options struct {
	RequestID       *RequestIDOptions       `json:"request-id" mapstructure:"request-id"`
	Logger          *LoggerOptions          `json:"logger" mapstructure:"logger"`
	Timeout         *TimeoutOptions         `json:"timeout" mapstructure:"timeout"`
	BodyLimit       *BodyLimitOptions       `json:"body-limit" mapstructure:"body-limit"`
	RateLimit       *RateLimitOptions       `json:"rate-limit" mapstructure:"rate-limit"`
	CORS            *CORSOptions            `json:"cors" mapstructure:"cors"`
	SecurityHeaders *SecurityHeadersOptions `json:"security-headers" mapstructure:"security-headers"`
}

// NewOptions 创建默认中间件选项。
func NewOptions() *Options {
	return &Options{
		RequestID:       NewRequestIDOptions(),
		Logger:          NewLoggerOptions(),
		Timeout:         NewTimeoutOptions(),
		BodyLimit:       NewBodyLimitOptions(),
		RateLimit:       NewRateLimitOptions(),
		CORS:            NewCORSOptions(),
		SecurityHeaders: NewSecurityHeadersOptions(),
	}
}

// AddFlags adds flags for all middleware options.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	o.RequestID.AddFlags(fs, prefixes...)
	o.Logger.AddFlags(fs, prefixes...)
	o.Timeout.AddFlags(fs, prefixes...)
	o.BodyLimit.AddFlags(fs, prefixes...)
	o.RateLimit.AddFlags(fs, prefixes...)
	o.CORS.AddFlags(fs, prefixes...)
	o.SecurityHeaders.AddFlags(fs, prefixes...)
}

// Validate validates all middleware options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	errs = append(errs, o.RequestID.Validate()...)
	errs = append(errs, o.Timeout.Validate()...)
	errs = append(errs, o.BodyLimit.Validate()...)
	errs = append(errs, o.RateLimit.Validate()...)
	errs = append(errs, o.CORS.Validate()...)
	return errs
}

// RequestIDOptions defines request ID middleware options.
type RequestIDOptions struct {
	Header string `json:"header" mapstructure:"header"`
}

// NewRequestIDOptions creates default request ID options.
func NewRequestIDOptions() *RequestIDOptions {
	return &RequestIDOptions{Header: "X-Request-ID"}
}

// AddFlags adds flags for request ID options.
func (o *RequestIDOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Header, options.Join(prefixes...)+"middleware.request-id.header", o.Header, "Request ID header name.")
}

// Validate validates the request ID options.
func (o *RequestIDOptions) Validate() []error {
	if o.Header == "" {
		return []error{errors.New("request ID header name is required")}
	}
	return nil
}

// LoggerOptions defines access log middleware options.
type LoggerOptions struct {
	SkipPaths []string `json:"skip-paths" mapstructure:"skip-paths"`
}

// NewLoggerOptions creates default logger middleware options.
func NewLoggerOptions() *LoggerOptions {
	return &LoggerOptions{SkipPaths: []string{"/healthz", "/metrics"}}
}

// AddFlags adds flags for logger options.
func (o *LoggerOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.SkipPaths, options.Join(prefixes...)+"middleware.logger.skip-paths", o.SkipPaths, "Paths to skip access logging.")
}

// TimeoutOptions defines request timeout options.
type TimeoutOptions struct {
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	SkipPaths []string      `json:"skip-paths" mapstructure:"skip-paths"`
}

// NewTimeoutOptions creates default timeout options. The default leaves room for
// the synthesis stage, which is the slowest step of a query.
func NewTimeoutOptions() *TimeoutOptions {
	return &TimeoutOptions{Timeout: 90 * time.Second, SkipPaths: []string{"/v1/query/stream"}}
}

// AddFlags adds flags for timeout options.
func (o *TimeoutOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.timeout."
	fs.DurationVar(&o.Timeout, p+"timeout", o.Timeout, "Request timeout, 0 disables it.")
	fs.StringSliceVar(&o.SkipPaths, p+"skip-paths", o.SkipPaths, "Paths without a request timeout.")
}

// Validate validates the timeout options.
func (o *TimeoutOptions) Validate() []error {
	if o.Timeout < 0 {
		return []error{errors.New("request timeout must not be negative")}
	}
	return nil
}

// BodyLimitOptions 请求体大小限制。
type BodyLimitOptions struct {
	// MaxSize 最大请求体大小（字节）。
	MaxSize   int64    `json:"max-size" mapstructure:"max-size"`
	SkipPaths []string `json:"skip-paths" mapstructure:"skip-paths"`
}

// NewBodyLimitOptions 默认 4MB。
func NewBodyLimitOptions() *BodyLimitOptions {
	return &BodyLimitOptions{MaxSize: 4 * 1024 * 1024}
}

// AddFlags adds flags for body limit options.
func (o *BodyLimitOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.body-limit."
	fs.Int64Var(&o.MaxSize, p+"max-size", o.MaxSize, "Maximum request body size in bytes.")
	fs.StringSliceVar(&o.SkipPaths, p+"skip-paths", o.SkipPaths, "Paths without a body size limit.")
}

// Validate validates the body limit options.
func (o *BodyLimitOptions) Validate() []error {
	if o.MaxSize <= 0 {
		return []error{fmt.Errorf("body limit must be positive, got %d", o.MaxSize)}
	}
	return nil
}

// RateLimitOptions 限流配置：时间窗口内每个客户端允许的请求数。
type RateLimitOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Limit 时间窗口内允许的最大请求数。
	Limit int `json:"limit" mapstructure:"limit"`
	// Window 限流时间窗口。
	Window time.Duration `json:"window" mapstructure:"window"`
	// UseRedis 使用 Redis 滑动窗口限流，多实例共享配额；否则为进程内令牌桶。
	UseRedis  bool     `json:"use-redis" mapstructure:"use-redis"`
	SkipPaths []string `json:"skip-paths" mapstructure:"skip-paths"`
	// MaxClients 内存限流器最多跟踪的客户端数。
	MaxClients int `json:"max-clients" mapstructure:"max-clients"`
}

// NewRateLimitOptions 创建默认的限流选项。
func NewRateLimitOptions() *RateLimitOptions {
	return &RateLimitOptions{
		Enabled:    false,
		Limit:      60,
		Window:     time.Minute,
		SkipPaths:  []string{"/healthz", "/metrics"},
		MaxClients: 10000,
	}
}

// AddFlags adds flags for rate limit options.
func (o *RateLimitOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.rate-limit."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Enable per-client rate limiting.")
	fs.IntVar(&o.Limit, p+"limit", o.Limit, "Maximum number of requests allowed within the window.")
	fs.DurationVar(&o.Window, p+"window", o.Window, "Rate limiting window.")
	fs.BoolVar(&o.UseRedis, p+"use-redis", o.UseRedis, "Share rate limits across instances through Redis.")
	fs.StringSliceVar(&o.SkipPaths, p+"skip-paths", o.SkipPaths, "Paths to skip rate limiting.")
	fs.IntVar(&o.MaxClients, p+"max-clients", o.MaxClients, "Maximum number of clients tracked by the in-memory limiter.")
}

// Validate 验证限流选项。
func (o *RateLimitOptions) Validate() []error {
	if !o.Enabled {
		return nil
	}
	var errs []error
	if o.Limit <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if o.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	return errs
}

// CORSOptions defines CORS middleware options.
type CORSOptions struct {
	Enabled          bool     `json:"enabled" mapstructure:"enabled"`
	AllowOrigins     []string `json:"allow-origins" mapstructure:"allow-origins"`
	AllowMethods     []string `json:"allow-methods" mapstructure:"allow-methods"`
	AllowHeaders     []string `json:"allow-headers" mapstructure:"allow-headers"`
	AllowCredentials bool     `json:"allow-credentials" mapstructure:"allow-credentials"`
	MaxAge           int      `json:"max-age" mapstructure:"max-age"`
}

// NewCORSOptions creates default CORS options.
func NewCORSOptions() *CORSOptions {
	return &CORSOptions{
		Enabled:      true,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Accept-Language", "X-Request-ID"},
		MaxAge:       86400,
	}
}

// AddFlags adds flags for CORS options.
func (o *CORSOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.cors."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Enable CORS headers.")
	fs.StringSliceVar(&o.AllowOrigins, p+"allow-origins", o.AllowOrigins, "CORS allowed origins.")
	fs.StringSliceVar(&o.AllowMethods, p+"allow-methods", o.AllowMethods, "CORS allowed methods.")
	fs.StringSliceVar(&o.AllowHeaders, p+"allow-headers", o.AllowHeaders, "CORS allowed headers.")
	fs.BoolVar(&o.AllowCredentials, p+"allow-credentials", o.AllowCredentials, "CORS allow credentials.")
	fs.IntVar(&o.MaxAge, p+"max-age", o.MaxAge, "CORS preflight max age in seconds.")
}

// Validate validates the CORS options.
func (o *CORSOptions) Validate() []error {
	if !o.Enabled {
		return nil
	}
	var errs []error
	if len(o.AllowOrigins) == 0 {
		errs = append(errs, errors.New("CORS: AllowOrigins must be explicitly configured, empty list not allowed"))
	}
	if o.AllowCredentials {
		for _, origin := range o.AllowOrigins {
			if origin == "*" {
				errs = append(errs, errors.New("CORS: wildcard origin cannot be combined with credentials"))
				break
			}
		}
	}
	return errs
}

// SecurityHeadersOptions 安全响应头。
type SecurityHeadersOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// HSTSMaxAge 为 0 时不发送 Strict-Transport-Security。仅在 HTTPS 连接上生效。
	HSTSMaxAge        int    `json:"hsts-max-age" mapstructure:"hsts-max-age"`
	FrameOptionsValue string `json:"frame-options-value" mapstructure:"frame-options-value"`
	ReferrerPolicy    string `json:"referrer-policy" mapstructure:"referrer-policy"`
}

// NewSecurityHeadersOptions 创建默认的安全头选项。
func NewSecurityHeadersOptions() *SecurityHeadersOptions {
	return &SecurityHeadersOptions{
		Enabled:           true,
		HSTSMaxAge:        31536000,
		FrameOptionsValue: "DENY",
		ReferrerPolicy:    "no-referrer",
	}
}

// AddFlags adds flags for security header options.
func (o *SecurityHeadersOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.security-headers."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Add security response headers.")
	fs.IntVar(&o.HSTSMaxAge, p+"hsts-max-age", o.HSTSMaxAge, "HSTS max-age in seconds, 0 disables HSTS.")
	fs.StringVar(&o.FrameOptionsValue, p+"frame-options", o.FrameOptionsValue, "X-Frame-Options value.")
	fs.StringVar(&o.ReferrerPolicy, p+"referrer-policy", o.ReferrerPolicy, "Referrer-Policy value.")
}
