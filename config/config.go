// Package config defines pool configuration, preserving HikariCP's option
// names in Go-idiomatic form so operators familiar with the original tuning
// knobs feel at home.
package config

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds every tunable of the pool. Construct with New, which
// applies defaults and validates; the zero value is not safe to use
// directly.
type Config struct {
	// PoolName identifies this pool in logs and metrics.
	PoolName string

	// DSN is passed to the configured Factory; its scheme/driver name also
	// selects the network-timeout executor (see factory.SelectExecutor).
	DSN string

	// MaximumPoolSize is the upper bound on total connections. Required, > 0.
	MaximumPoolSize int

	// MinimumIdle is the target idle floor the housekeeper tops up to.
	// Defaults to MaximumPoolSize. May be 0.
	MinimumIdle int

	// ConnectionTimeout bounds GetConnection. Default 30s, minimum 250ms.
	ConnectionTimeout time.Duration

	// IdleTimeout is the release-to-eviction threshold. Default 10m; 0 disables it.
	IdleTimeout time.Duration

	// MaxLifetime is the create-to-eviction threshold. Default 30m; 0 disables it.
	MaxLifetime time.Duration

	// ValidationTimeout bounds the aliveness probe. Default 5s, must be <= ConnectionTimeout.
	ValidationTimeout time.Duration

	// LeakDetectionThreshold, if > 0, must be >= 2s. Default 0 (disabled).
	LeakDetectionThreshold time.Duration

	// ConnectionTestQuery runs when the driver doesn't support Ping.
	ConnectionTestQuery string

	// ConnectionInitSQL runs once when a new connection is created.
	ConnectionInitSQL string

	// AllowPoolSuspension permits SuspendPool/ResumePool when true.
	AllowPoolSuspension bool

	// RegisterMetrics enables a PrometheusSink when true (see hikari.New).
	RegisterMetrics bool

	// AliveBypassWindow suppresses probing for recently-released entries.
	// Default 500ms.
	AliveBypassWindow time.Duration

	// HousekeepingPeriod is the housekeeper tick interval. Default 30s.
	HousekeepingPeriod time.Duration

	// AllowedClockBackwards is the tolerance before a backward clock jump is
	// treated as a regression. Default 200ms.
	AllowedClockBackwards time.Duration
}

// Default returns a Config with every HikariCP-equivalent default applied,
// with MaximumPoolSize left at 0 (callers must set it, directly or via
// WithMaximumPoolSize, before New succeeds).
func Default() *Config {
	return &Config{
		PoolName:              "hikaripool",
		MinimumIdle:           -1, // sentinel: "use MaximumPoolSize"
		ConnectionTimeout:     30 * time.Second,
		IdleTimeout:           10 * time.Minute,
		MaxLifetime:           30 * time.Minute,
		ValidationTimeout:     5 * time.Second,
		LeakDetectionThreshold: 0,
		AliveBypassWindow:     500 * time.Millisecond,
		HousekeepingPeriod:    30 * time.Second,
		AllowedClockBackwards: 200 * time.Millisecond,
	}
}

// Option mutates a Config during construction via New.
type Option func(*Config)

func WithPoolName(name string) Option { return func(c *Config) { c.PoolName = name } }
func WithDSN(dsn string) Option       { return func(c *Config) { c.DSN = dsn } }

func WithMaximumPoolSize(n int) Option { return func(c *Config) { c.MaximumPoolSize = n } }
func WithMinimumIdle(n int) Option     { return func(c *Config) { c.MinimumIdle = n } }

func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = d }
}
func WithIdleTimeout(d time.Duration) Option  { return func(c *Config) { c.IdleTimeout = d } }
func WithMaxLifetime(d time.Duration) Option  { return func(c *Config) { c.MaxLifetime = d } }
func WithValidationTimeout(d time.Duration) Option {
	return func(c *Config) { c.ValidationTimeout = d }
}
func WithLeakDetectionThreshold(d time.Duration) Option {
	return func(c *Config) { c.LeakDetectionThreshold = d }
}
func WithConnectionTestQuery(q string) Option {
	return func(c *Config) { c.ConnectionTestQuery = q }
}
func WithConnectionInitSQL(sql string) Option {
	return func(c *Config) { c.ConnectionInitSQL = sql }
}
func WithAllowPoolSuspension(allow bool) Option {
	return func(c *Config) { c.AllowPoolSuspension = allow }
}
func WithRegisterMetrics(register bool) Option {
	return func(c *Config) { c.RegisterMetrics = register }
}
func WithAliveBypassWindow(d time.Duration) Option {
	return func(c *Config) { c.AliveBypassWindow = d }
}
func WithHousekeepingPeriod(d time.Duration) Option {
	return func(c *Config) { c.HousekeepingPeriod = d }
}
func WithAllowedClockBackwards(d time.Duration) Option {
	return func(c *Config) { c.AllowedClockBackwards = d }
}

// New builds a Config from Default() plus opts, and validates it.
func New(opts ...Option) (*Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	if c.MinimumIdle < 0 {
		c.MinimumIdle = c.MaximumPoolSize
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the invariants documented on each field above.
func (c *Config) Validate() error {
	if c.MaximumPoolSize <= 0 {
		return errors.New("config: MaximumPoolSize must be > 0")
	}
	if c.MinimumIdle > c.MaximumPoolSize {
		return errors.New("config: MinimumIdle must be <= MaximumPoolSize")
	}
	if c.MinimumIdle < 0 {
		return errors.New("config: MinimumIdle must be >= 0")
	}
	if c.ConnectionTimeout < 250*time.Millisecond {
		return errors.New("config: ConnectionTimeout must be >= 250ms")
	}
	if c.ValidationTimeout > c.ConnectionTimeout {
		return errors.New("config: ValidationTimeout must be <= ConnectionTimeout")
	}
	if c.LeakDetectionThreshold != 0 && c.LeakDetectionThreshold < 2*time.Second {
		return errors.New("config: LeakDetectionThreshold must be 0 or >= 2s")
	}
	if c.HousekeepingPeriod <= 0 {
		return errors.New("config: HousekeepingPeriod must be > 0")
	}
	return nil
}
