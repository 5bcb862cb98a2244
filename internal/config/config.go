package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role decides which halves of the system a process runs.
type Role string

const (
	// RoleAll accepts HTTP requests and owns sessions.
	RoleAll Role = "all"
	// RoleAPI accepts HTTP requests only and observes sessions via the bridge.
	RoleAPI Role = "api"
	// RoleWorker owns sessions and consumes command queues.
	RoleWorker Role = "worker"
)

func (r Role) OwnsSessions() bool {
	return r == RoleAll || r == RoleWorker
}

func (r Role) ServesHTTP() bool {
	return r == RoleAll || r == RoleAPI
}

// Config represents the complete wamesh configuration
type Config struct {
	Role             Role             `mapstructure:"role"`
	RestoreOnStartup bool             `mapstructure:"restore_on_startup"`
	HTTP             HTTPConfig       `mapstructure:"http"`
	Redis            RedisConfig      `mapstructure:"redis"`
	Store            StoreConfig      `mapstructure:"store"`
	Registry         RegistryConfig   `mapstructure:"registry"`
	Capability       CapabilityConfig `mapstructure:"capability"`
	Queue            QueueConfig      `mapstructure:"queue"`
	Tenant           TenantConfig     `mapstructure:"tenant"`
	Log              LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig controls the Session Store key layout and expiry.
type StoreConfig struct {
	Prefix    string        `mapstructure:"prefix"`
	QRTTL     time.Duration `mapstructure:"qr_ttl"`
	MetaTTL   time.Duration `mapstructure:"meta_ttl"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// RegistryConfig controls launch concurrency and reconnection.
type RegistryConfig struct {
	// MaxConcurrentInits bounds simultaneous capability launches per process.
	MaxConcurrentInits int `mapstructure:"max_concurrent_inits"`
	// SlotHold is how long a launch keeps its slot after initialize starts.
	SlotHold time.Duration `mapstructure:"slot_hold"`
	// SettleDelay separates teardown and relaunch on restart.
	SettleDelay       time.Duration   `mapstructure:"settle_delay"`
	ReconnectLadder   []time.Duration `mapstructure:"reconnect_ladder"`
	ReconnectDebounce time.Duration   `mapstructure:"reconnect_debounce"`
}

// CapabilityConfig describes how the chat capability helper is launched.
type CapabilityConfig struct {
	Command            string        `mapstructure:"command"`
	Args               []string      `mapstructure:"args"`
	DataDir            string        `mapstructure:"data_dir"`
	Headless           bool          `mapstructure:"headless"`
	BrowserArgs        []string      `mapstructure:"browser_args"`
	RemoteDebuggingURL string        `mapstructure:"remote_debugging_url"`
	InitTimeout        time.Duration `mapstructure:"init_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
}

type QueueConfig struct {
	SessionConcurrency int `mapstructure:"session_concurrency"`
	CleanupConcurrency int `mapstructure:"cleanup_concurrency"`
	SyncConcurrency    int `mapstructure:"sync_concurrency"`
	MaxAttempts        int `mapstructure:"max_attempts"`
}

type TenantConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers defaults on v. Call before reading files or env.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("role", string(RoleAll))
	v.SetDefault("restore_on_startup", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.prefix", "wa:session:")
	v.SetDefault("store.qr_ttl", "60s")
	v.SetDefault("store.meta_ttl", "24h")
	v.SetDefault("store.status_ttl", "24h")
	v.SetDefault("registry.max_concurrent_inits", 1)
	v.SetDefault("registry.slot_hold", "8s")
	v.SetDefault("registry.settle_delay", "3s")
	v.SetDefault("registry.reconnect_ladder", []string{"2s", "5s", "10s", "30s"})
	v.SetDefault("registry.reconnect_debounce", "1500ms")
	v.SetDefault("capability.command", "wa-bridge")
	v.SetDefault("capability.args", []string{})
	v.SetDefault("capability.data_dir", "./data/sessions")
	v.SetDefault("capability.headless", true)
	v.SetDefault("capability.browser_args", []string{"--no-sandbox", "--disable-dev-shm-usage"})
	v.SetDefault("capability.remote_debugging_url", "")
	v.SetDefault("capability.init_timeout", "120s")
	v.SetDefault("capability.stop_timeout", "10s")
	v.SetDefault("queue.session_concurrency", 1)
	v.SetDefault("queue.cleanup_concurrency", 5)
	v.SetDefault("queue.sync_concurrency", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("tenant.path", "./data/tenants.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from defaults, an optional file and WAMESH_*
// environment variables.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("wamesh")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/wamesh")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WAMESH")
	// e.g. WAMESH_REDIS_ADDR for redis.addr
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return fmt.Errorf("invalid role %q: must be one of all, api, worker", c.Role)
	}
	if c.Registry.MaxConcurrentInits < 1 {
		return fmt.Errorf("registry.max_concurrent_inits must be at least 1")
	}
	if len(c.Registry.ReconnectLadder) == 0 {
		return fmt.Errorf("registry.reconnect_ladder must not be empty")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Store.Prefix == "" {
		return fmt.Errorf("store.prefix must not be empty")
	}
	return nil
}
