package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Encryption  EncryptionConfig  `mapstructure:"encryption"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Accountant  AccountantConfig  `mapstructure:"accountant"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Refresher   RefresherConfig   `mapstructure:"refresher"`
	UsageLog    UsageLogConfig    `mapstructure:"usagelog"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
	Issuer        string        `mapstructure:"issuer"`
}

// EncryptionConfig configures the Credential Store's internal/crypto.Envelope.
type EncryptionConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// PoolConfig holds the "pool" connection settings. It is loaded but not
// read anywhere: internal/httpclient builds its clients without it.
type PoolConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	MaxClients          int           `mapstructure:"max_clients"`
	ClientIdleTTL       time.Duration `mapstructure:"client_idle_ttl"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
}

// AccountantConfig configures the Failure Accountant (internal/accountant).
// Thresholds are fixed by spec.md §4.6 rather than tunable here; this only
// carries what legitimately varies per deployment.
type AccountantConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ConcurrencyConfig holds admission-control configuration.
type ConcurrencyConfig struct {
	UserMax       int           `mapstructure:"user_max"`
	AccountMax    int           `mapstructure:"account_max"`
	MaxWaitQueue  int           `mapstructure:"max_wait_queue"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
}

// LedgerConfig selects and configures the Rate-Limit Ledger backend.
type LedgerConfig struct {
	Backend  string         `mapstructure:"backend"` // "memory" or "redis"
	Redis    RedisConfig    `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RetryConfig is parsed but intentionally unread by the Request Orchestrator:
// the account-rotation attempt count is fixed at 5 by spec.md §4.3 rather
// than a tunable, same rationale as AccountantConfig's fixed thresholds.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
}

// RefresherConfig holds the Proactive Refresher's schedule.
type RefresherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	RefreshBefore time.Duration `mapstructure:"refresh_before"`
}

// UsageLogConfig holds the Usage Logger dispatcher's buffering knobs.
type UsageLogConfig struct {
	BufferSize          int           `mapstructure:"buffer_size"`
	Workers             int           `mapstructure:"workers"`
	BatchSize           int           `mapstructure:"batch_size"`
	AggregationInterval time.Duration `mapstructure:"aggregation_interval"`
	RetentionDays       int           `mapstructure:"retention_days"`
}

// MetricsConfig holds the hand-rolled stats-surface configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults - Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 300)

	// Set defaults - JWT
	viper.SetDefault("jwt.default_expiry", "720h")
	viper.SetDefault("jwt.issuer", "opendum")

	// Set defaults - Storage
	viper.SetDefault("storage.db_path", "./opendum.db")

	// Set defaults - Pool
	viper.SetDefault("pool.max_idle_conns", 240)
	viper.SetDefault("pool.max_idle_conns_per_host", 120)
	viper.SetDefault("pool.idle_conn_timeout", "90s")
	viper.SetDefault("pool.max_clients", 5000)
	viper.SetDefault("pool.client_idle_ttl", "15m")
	viper.SetDefault("pool.response_timeout", "10m")

	// Set defaults - Accountant
	viper.SetDefault("accountant.enabled", true)

	// Set defaults - Concurrency
	viper.SetDefault("concurrency.user_max", 10)
	viper.SetDefault("concurrency.account_max", 5)
	viper.SetDefault("concurrency.max_wait_queue", 20)
	viper.SetDefault("concurrency.wait_timeout", "30s")
	viper.SetDefault("concurrency.backoff_base", "100ms")
	viper.SetDefault("concurrency.backoff_max", "2s")
	viper.SetDefault("concurrency.backoff_jitter", 0.2)
	viper.SetDefault("concurrency.ping_interval", "5s")

	// Set defaults - Ledger
	viper.SetDefault("ledger.backend", "memory")
	viper.SetDefault("ledger.redis.addr", "localhost:6379")
	viper.SetDefault("ledger.redis.db", 0)
	viper.SetDefault("ledger.redis.pool_size", 10)

	// Set defaults - Retry
	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.initial_backoff", "100ms")
	viper.SetDefault("retry.max_backoff", "2s")
	viper.SetDefault("retry.jitter", 0.2)

	// Set defaults - Refresher
	viper.SetDefault("refresher.enabled", true)
	viper.SetDefault("refresher.check_interval", "24h")
	viper.SetDefault("refresher.refresh_before", "2h")

	// Set defaults - Usage log
	viper.SetDefault("usagelog.buffer_size", 10000)
	viper.SetDefault("usagelog.workers", 4)
	viper.SetDefault("usagelog.batch_size", 100)
	viper.SetDefault("usagelog.aggregation_interval", "24h")
	viper.SetDefault("usagelog.retention_days", 90)

	// Set defaults - Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Environment variable support
	viper.SetEnvPrefix("OPENDUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults and env vars
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	parseDurations(cfg)

	return cfg, nil
}

// parseDurations re-parses the duration-valued keys viper.Unmarshal leaves
// as zero when sourced from an env var string rather than a config-file
// scalar, matching the teacher's own belt-and-suspenders pattern.
func parseDurations(cfg *Config) {
	if d, err := time.ParseDuration(viper.GetString("jwt.default_expiry")); err == nil {
		cfg.JWT.DefaultExpiry = d
	}

	if d, err := time.ParseDuration(viper.GetString("pool.idle_conn_timeout")); err == nil {
		cfg.Pool.IdleConnTimeout = d
	}
	if d, err := time.ParseDuration(viper.GetString("pool.client_idle_ttl")); err == nil {
		cfg.Pool.ClientIdleTTL = d
	}
	if d, err := time.ParseDuration(viper.GetString("pool.response_timeout")); err == nil {
		cfg.Pool.ResponseTimeout = d
	}

	if d, err := time.ParseDuration(viper.GetString("concurrency.wait_timeout")); err == nil {
		cfg.Concurrency.WaitTimeout = d
	}
	if d, err := time.ParseDuration(viper.GetString("concurrency.backoff_base")); err == nil {
		cfg.Concurrency.BackoffBase = d
	}
	if d, err := time.ParseDuration(viper.GetString("concurrency.backoff_max")); err == nil {
		cfg.Concurrency.BackoffMax = d
	}
	if d, err := time.ParseDuration(viper.GetString("concurrency.ping_interval")); err == nil {
		cfg.Concurrency.PingInterval = d
	}

	if d, err := time.ParseDuration(viper.GetString("retry.initial_backoff")); err == nil {
		cfg.Retry.InitialBackoff = d
	}
	if d, err := time.ParseDuration(viper.GetString("retry.max_backoff")); err == nil {
		cfg.Retry.MaxBackoff = d
	}

	if d, err := time.ParseDuration(viper.GetString("refresher.check_interval")); err == nil {
		cfg.Refresher.CheckInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("refresher.refresh_before")); err == nil {
		cfg.Refresher.RefreshBefore = d
	}

	if d, err := time.ParseDuration(viper.GetString("usagelog.aggregation_interval")); err == nil {
		cfg.UsageLog.AggregationInterval = d
	}
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
