package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"chathub/internal/logging"
	"chathub/internal/memory"
	"chathub/internal/server"
	"chathub/internal/workerpool"
)

// EnvPrefix prefixes environment overrides, e.g. CHATHUB_SERVER_PORT.
const EnvPrefix = "CHATHUB"

// Config represents the main configuration structure
type Config struct {
	Server  ServerConfig      `mapstructure:"server" yaml:"server"`
	Pool    PoolConfig        `mapstructure:"pool" yaml:"pool"`
	Memory  MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	Logging logging.LogConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig contains the chat listener and admin endpoint settings
type ServerConfig struct {
	NodeID        string `mapstructure:"node_id" yaml:"node_id"`
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	AdminAddr     string `mapstructure:"admin_addr" yaml:"admin_addr"` // empty disables the admin endpoint
	MaxClients    int    `mapstructure:"max_clients" yaml:"max_clients"`
	HistoryOnJoin int    `mapstructure:"history_on_join" yaml:"history_on_join"`
}

// Addr is the chat listener address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// PoolConfig contains worker pool sizing. Zero worker bounds are derived
// from server.max_clients.
type PoolConfig struct {
	MinWorkers         int           `mapstructure:"min_workers" yaml:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers" yaml:"max_workers"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold"`
	ScaleUpStep        int           `mapstructure:"scale_up_step" yaml:"scale_up_step"`
	ScaleDownStep      int           `mapstructure:"scale_down_step" yaml:"scale_down_step"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	EnableMonitoring   bool          `mapstructure:"enable_monitoring" yaml:"enable_monitoring"`
	DurationSamples    int           `mapstructure:"duration_samples" yaml:"duration_samples"`
}

// MemoryConfig contains history bounds, pressure thresholds and cleanup tiers
type MemoryConfig struct {
	MaxMessageHistory        int           `mapstructure:"max_message_history" yaml:"max_message_history"`
	MaxClientHistory         int           `mapstructure:"max_client_history" yaml:"max_client_history"`
	CleanupThresholdPercent  float64       `mapstructure:"cleanup_threshold_percent" yaml:"cleanup_threshold_percent"`
	MaxUsagePercent          float64       `mapstructure:"max_usage_percent" yaml:"max_usage_percent"`
	CriticalThresholdPercent float64       `mapstructure:"critical_threshold_percent" yaml:"critical_threshold_percent"`
	MonitorInterval          time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	EnableAutoCleanup        bool          `mapstructure:"enable_auto_cleanup" yaml:"enable_auto_cleanup"`
	CacheTTL                 time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheSweepEvery          int           `mapstructure:"cache_sweep_every" yaml:"cache_sweep_every"`
	TimeBucket               time.Duration `mapstructure:"time_bucket" yaml:"time_bucket"`
	CriticalMaxAge           time.Duration `mapstructure:"critical_max_age" yaml:"critical_max_age"`
	HighMaxAge               time.Duration `mapstructure:"high_max_age" yaml:"high_max_age"`
	DefaultMaxAge            time.Duration `mapstructure:"default_max_age" yaml:"default_max_age"`
}

// Load reads the configuration from path on the OS file system.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS layers defaults, the optional YAML file at path and CHATHUB_*
// environment overrides, then validates the result. A missing file is not
// an error.
func LoadFS(fs afero.Fs, path string) (*Config, error) {
	v, err := NewViper(fs, path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// NewViper returns a viper instance holding defaults, the file at path if it
// exists and environment bindings. Callers may bind flags before passing it
// to FromViper.
func NewViper(fs afero.Fs, path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if path == "" {
		return v, nil
	}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if exists {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// FromViper unmarshals an already populated viper instance, derives the
// worker bounds left at zero and validates.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.deriveWorkerBounds()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.node_id", "chathub-1")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 12345)
	v.SetDefault("server.admin_addr", "127.0.0.1:9090")
	v.SetDefault("server.max_clients", 100)
	v.SetDefault("server.history_on_join", 20)

	// Pool; min_workers and max_workers follow max_clients unless set
	pool := workerpool.DefaultConfig()
	v.SetDefault("pool.scale_up_threshold", pool.ScaleUpThreshold)
	v.SetDefault("pool.scale_down_threshold", pool.ScaleDownThreshold)
	v.SetDefault("pool.scale_up_step", pool.ScaleUpStep)
	v.SetDefault("pool.scale_down_step", pool.ScaleDownStep)
	v.SetDefault("pool.monitor_interval", pool.MonitorInterval)
	v.SetDefault("pool.task_timeout", pool.TaskTimeout)
	v.SetDefault("pool.enable_monitoring", pool.EnableMonitoring)
	v.SetDefault("pool.duration_samples", pool.DurationSamples)

	// Memory
	mem := memory.DefaultConfig()
	v.SetDefault("memory.max_message_history", mem.MaxMessageHistory)
	v.SetDefault("memory.max_client_history", mem.MaxClientHistory)
	v.SetDefault("memory.cleanup_threshold_percent", mem.CleanupThresholdPercent)
	v.SetDefault("memory.max_usage_percent", mem.MaxUsagePercent)
	v.SetDefault("memory.critical_threshold_percent", mem.CriticalThresholdPercent)
	v.SetDefault("memory.monitor_interval", mem.MonitorInterval)
	v.SetDefault("memory.enable_auto_cleanup", mem.EnableAutoCleanup)
	v.SetDefault("memory.cache_ttl", mem.CacheTTL)
	v.SetDefault("memory.cache_sweep_every", mem.CacheSweepEvery)
	v.SetDefault("memory.time_bucket", mem.TimeBucket)
	v.SetDefault("memory.critical_max_age", mem.CriticalMaxAge)
	v.SetDefault("memory.high_max_age", mem.HighMaxAge)
	v.SetDefault("memory.default_max_age", mem.DefaultMaxAge)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enable_console", true)
	v.SetDefault("logging.enable_file", false)
	v.SetDefault("logging.log_file", "")
	v.SetDefault("logging.buffer_size", 1000)
	v.SetDefault("logging.log_dir", "logs")
}

// bindEnvVars covers keys without a default, which AutomaticEnv alone does
// not see during Unmarshal.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("pool.min_workers")
	_ = v.BindEnv("pool.max_workers")
}

// deriveWorkerBounds fills unset worker bounds from max_clients. A derived
// bound gives way to an explicit one; only explicit min > max is left for
// Validate to reject.
func (c *Config) deriveWorkerBounds() {
	minDerived := c.Pool.MinWorkers == 0
	maxDerived := c.Pool.MaxWorkers == 0
	if minDerived {
		c.Pool.MinWorkers = max(2, c.Server.MaxClients/10)
	}
	if maxDerived {
		c.Pool.MaxWorkers = min(50, c.Server.MaxClients)
	}

	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		switch {
		case minDerived:
			c.Pool.MinWorkers = max(1, c.Pool.MaxWorkers)
		case maxDerived:
			c.Pool.MaxWorkers = c.Pool.MinWorkers
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id cannot be empty")
	}
	if !isValidPort(c.Server.Port) {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Server.AdminAddr != "" {
		if _, port, err := net.SplitHostPort(c.Server.AdminAddr); err != nil || port == "" {
			return fmt.Errorf("server.admin_addr must be host:port: %q", c.Server.AdminAddr)
		}
	}
	if c.Server.MaxClients <= 0 {
		return fmt.Errorf("server.max_clients must be positive")
	}
	if c.Server.HistoryOnJoin < 0 {
		return fmt.Errorf("server.history_on_join must not be negative")
	}

	if err := c.WorkerPool().Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.MemoryManager().Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.BufferSize < 0 {
		return fmt.Errorf("logging.buffer_size must not be negative")
	}
	return nil
}

// isValidPort allows 0, which binds an ephemeral port.
func isValidPort(port int) bool {
	return port >= 0 && port <= 65535
}

// WorkerPool converts the pool section to the worker pool's own config.
func (c *Config) WorkerPool() workerpool.Config {
	return workerpool.Config{
		Name:               c.Server.NodeID + "-handlers",
		MinWorkers:         c.Pool.MinWorkers,
		MaxWorkers:         c.Pool.MaxWorkers,
		ScaleUpThreshold:   c.Pool.ScaleUpThreshold,
		ScaleDownThreshold: c.Pool.ScaleDownThreshold,
		ScaleUpStep:        c.Pool.ScaleUpStep,
		ScaleDownStep:      c.Pool.ScaleDownStep,
		MonitorInterval:    c.Pool.MonitorInterval,
		TaskTimeout:        c.Pool.TaskTimeout,
		EnableMonitoring:   c.Pool.EnableMonitoring,
		DurationSamples:    c.Pool.DurationSamples,
	}
}

// MemoryManager converts the memory section to the memory manager's config.
func (c *Config) MemoryManager() memory.Config {
	return memory.Config{
		MaxMessageHistory:        c.Memory.MaxMessageHistory,
		MaxClientHistory:         c.Memory.MaxClientHistory,
		CleanupThresholdPercent:  c.Memory.CleanupThresholdPercent,
		MaxUsagePercent:          c.Memory.MaxUsagePercent,
		CriticalThresholdPercent: c.Memory.CriticalThresholdPercent,
		MonitorInterval:          c.Memory.MonitorInterval,
		EnableAutoCleanup:        c.Memory.EnableAutoCleanup,
		CacheTTL:                 c.Memory.CacheTTL,
		CacheSweepEvery:          c.Memory.CacheSweepEvery,
		TimeBucket:               c.Memory.TimeBucket,
		CriticalMaxAge:           c.Memory.CriticalMaxAge,
		HighMaxAge:               c.Memory.HighMaxAge,
		DefaultMaxAge:            c.Memory.DefaultMaxAge,
	}
}

// ChatServer converts the server section to the chat server's config.
func (c *Config) ChatServer() server.Config {
	return server.Config{
		NodeID:        c.Server.NodeID,
		Addr:          c.Server.Addr(),
		AdminAddr:     c.Server.AdminAddr,
		MaxClients:    c.Server.MaxClients,
		HistoryOnJoin: c.Server.HistoryOnJoin,
	}
}
