package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig               `mapstructure:"server"`
	Store        StoreConfig                `mapstructure:"store"`
	Redis        RedisConfig                `mapstructure:"redis"`
	Logger       LoggerConfig               `mapstructure:"logger"`
	Agents       AgentsConfig               `mapstructure:"agents"`
	Duplicates   DuplicatesConfig           `mapstructure:"duplicates"`
	Validation   ValidationConfig           `mapstructure:"validation"`
	Whitelist    WhitelistConfig            `mapstructure:"whitelist"`
	Slots        SlotsConfig                `mapstructure:"slots"`
	Admission    AdmissionConfig            `mapstructure:"admission"`
	Sweeper      SweeperConfig              `mapstructure:"sweeper"`
	Callbacks    CallbacksConfig            `mapstructure:"callbacks"`
	Alerts       AlertsConfig               `mapstructure:"alerts"`
	Auth         AuthConfig                 `mapstructure:"auth"`
	Flags        map[string]bool            `mapstructure:"flags"`
	AccountFlags map[string]map[string]bool `mapstructure:"account_flags"`

	// Secrets maps account id to secret name to value for "secret:<name>" parameter references.
	Secrets map[string]map[string]string `mapstructure:"secrets"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	SyncWaitMax  time.Duration `mapstructure:"sync_wait_max"`
	PollBuffer   int           `mapstructure:"poll_buffer"`
	EnableMCP    bool          `mapstructure:"enable_mcp"`
	EnableStream bool          `mapstructure:"enable_stream"`
}

// StoreConfig selects the backend: "postgres" (shared, multi-replica) or
// "sqlite" (embedded, single node).
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// RedisConfig enables the Redis broadcaster and shared whitelist when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

type AgentsConfig struct {
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`

	// RequireApproval registers new agents as pending_approval.
	RequireApproval bool `mapstructure:"require_approval"`
}

// DuplicatesConfig controls same-location restart suppression for polling agents.
// SameLocationWindow of 0 suppresses eviction unconditionally.
type DuplicatesConfig struct {
	SameLocationWindow time.Duration `mapstructure:"same_location_window"`
}

type ValidationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type WhitelistConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type SlotsConfig struct {
	Staleness time.Duration `mapstructure:"staleness"`
	Attempts  uint          `mapstructure:"attempts"`
}

// AdmissionConfig holds per-rank in-flight ceilings. With Enforce off the check
// is recorded in metrics and logs only.
type AdmissionConfig struct {
	Enforce  bool           `mapstructure:"enforce"`
	Ceilings map[string]int `mapstructure:"ceilings"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// IdempotencyRetention is how long replayable submission keys are kept.
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
}

type CallbacksConfig struct {
	Endpoints      map[string]string `mapstructure:"endpoints"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	Attempts       uint              `mapstructure:"attempts"`
	RatePerSecond  float64           `mapstructure:"rate_per_second"`
	Burst          int               `mapstructure:"burst"`
	BreakerTimeout time.Duration     `mapstructure:"breaker_timeout"`
}

// AuthConfig enables bearer token authentication when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type AlertsConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// Load merges a config file, environment variables and defaults. With an empty
// path the file is broker.yaml in . or ./configs and may be absent; an explicit
// path must exist. STORE_DRIVER=postgres overrides store.driver.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("broker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.sync_wait_max", 10*time.Minute)
	v.SetDefault("server.poll_buffer", 256)
	v.SetDefault("server.enable_mcp", true)
	v.SetDefault("server.enable_stream", true)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "data/broker.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("logger.level", "info")
	v.SetDefault("agents.heartbeat_ttl", 3*time.Minute)
	v.SetDefault("agents.require_approval", false)
	v.SetDefault("duplicates.same_location_window", 0)
	v.SetDefault("validation.timeout", 12*time.Second)
	v.SetDefault("whitelist.ttl", 30*time.Minute)
	v.SetDefault("whitelist.max_entries", 100_000)
	v.SetDefault("slots.staleness", 5*time.Minute)
	v.SetDefault("slots.attempts", 3)
	v.SetDefault("admission.enforce", false)
	v.SetDefault("admission.ceilings", map[string]int{"critical": 10_000, "important": 5_000, "optional": 1_000})
	v.SetDefault("sweeper.interval", 5*time.Second)
	v.SetDefault("sweeper.idempotency_retention", 24*time.Hour)
	v.SetDefault("callbacks.timeout", 10*time.Second)
	v.SetDefault("callbacks.attempts", 3)
	v.SetDefault("callbacks.rate_per_second", 50)
	v.SetDefault("callbacks.burst", 10)
	v.SetDefault("callbacks.breaker_timeout", 30*time.Second)
	v.SetDefault("alerts.min_interval", time.Minute)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "delegate-broker")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Validation.Timeout <= 0 {
		return errors.New("validation.timeout must be positive")
	}
	return nil
}
