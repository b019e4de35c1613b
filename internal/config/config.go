// Package config holds the runtime-tunable knobs every core component
// reads at startup: worker lifecycle timeouts, state push/staleness
// intervals, remote lock retry policy, and the daemon's own address and
// log level.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig mirrors workerpool.Config's fields (except ModuleThreads,
// which lives in DaemonConfig) so they can be set from a config file or
// environment without workerpool needing to know about file formats.
type PoolConfig struct {
	ThreadsPerWorker     int           `yaml:"threads_per_worker"`
	BoundTimeout         time.Duration `yaml:"bound_timeout"`
	UnboundTimeout       time.Duration `yaml:"unbound_timeout"`
	GlobalMessageTimeout time.Duration `yaml:"global_message_timeout"`
	ChainedCallTimeout   time.Duration `yaml:"chained_call_timeout"`
	PrewarmTarget        int32         `yaml:"prewarm_target"`
	ThreadStackSize      int           `yaml:"thread_stack_size"`
	MaxActiveLevels      int           `yaml:"max_active_levels"`
}

// StateConfig mirrors state.Config.
type StateConfig struct {
	PushInterval         time.Duration `yaml:"push_interval"`
	StateStaleThreshold  time.Duration `yaml:"state_stale_threshold"`
	StateClearThreshold  time.Duration `yaml:"state_clear_threshold"`
	RemoteLockTimeout    time.Duration `yaml:"remote_lock_timeout"`
	RemoteLockWaitTime   time.Duration `yaml:"remote_lock_wait_time"`
	RemoteLockMaxRetries int           `yaml:"remote_lock_max_retries"`
}

// SchedulerConfig mirrors scheduler.Config.
type SchedulerConfig struct {
	LocalQueueThreshold    int           `yaml:"local_queue_threshold"`
	BoundPoolCapacity      int           `yaml:"bound_pool_capacity"`
	ScheduleRecursionLimit int           `yaml:"schedule_recursion_limit"`
	ScheduleWaitMillis     time.Duration `yaml:"schedule_wait_millis"`
}

// RedisConfig points at the shared remote store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LedgerConfig points at the Postgres-backed invocation audit trail.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// DaemonConfig holds the daemon's own identity and log settings.
type DaemonConfig struct {
	Host          string `yaml:"host"`
	MetricsAddr   string `yaml:"metrics_addr"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ModuleThreads int    `yaml:"module_thread_pool_size"`
}

// Config is the central configuration struct embedding every component's
// tunables.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Redis     RedisConfig     `yaml:"redis"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Pool      PoolConfig      `yaml:"pool"`
	State     StateConfig     `yaml:"state"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// DefaultConfig returns a Config with sensible single-host defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:          hostnameOrDefault(),
			MetricsAddr:   ":9090",
			LogLevel:      "info",
			LogFormat:     "text",
			ModuleThreads: 4,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Ledger: LedgerConfig{
			Enabled: false,
			DSN:     "postgres://localhost:5432/fnmesh?sslmode=disable",
		},
		Pool: PoolConfig{
			ThreadsPerWorker:     32,
			BoundTimeout:         30 * time.Second,
			UnboundTimeout:       5 * time.Second,
			GlobalMessageTimeout: 10 * time.Second,
			ChainedCallTimeout:   30 * time.Second,
			PrewarmTarget:        4,
			ThreadStackSize:      131072,
			MaxActiveLevels:      2,
		},
		State: StateConfig{
			PushInterval:         2 * time.Second,
			StateStaleThreshold:  5 * time.Second,
			StateClearThreshold:  60 * time.Second,
			RemoteLockTimeout:    2 * time.Second,
			RemoteLockWaitTime:   50 * time.Millisecond,
			RemoteLockMaxRetries: 5,
		},
		Scheduler: SchedulerConfig{
			LocalQueueThreshold:    64,
			BoundPoolCapacity:      4,
			ScheduleRecursionLimit: 10,
			ScheduleWaitMillis:     100 * time.Millisecond,
		},
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so an incomplete file only overrides what it sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FNMESH_HOST"); v != "" {
		cfg.Daemon.Host = v
	}
	if v := os.Getenv("FNMESH_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("FNMESH_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("FNMESH_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
	if v := os.Getenv("FNMESH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FNMESH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FNMESH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("FNMESH_LEDGER_ENABLED"); v != "" {
		cfg.Ledger.Enabled = parseBool(v)
	}
	if v := os.Getenv("FNMESH_LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := os.Getenv("FNMESH_THREADS_PER_WORKER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.ThreadsPerWorker = n
		}
	}
	if v := os.Getenv("FNMESH_PREWARM_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.PrewarmTarget = int32(n)
		}
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
