package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config groups everything the server reads at startup. Environment
// variables win over the optional config.env file.
type Config struct {
	App       AppConfig
	HTTP      ServerConfig
	GRPC      ServerConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	Store     string // mysql | memory
	Limiter   LimiterConfig
	Remote    RemoteConfig
	Alert     AlertConfig
	Retry     RetryConfig
	Scheduler SchedulerConfig
	Reconcile ReconcileConfig
}

type AppConfig struct {
	Env      string // development, staging, production
	Name     string
	LogLevel string
}

type ServerConfig struct {
	Addr string
}

type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type LimiterConfig struct {
	Driver    string // redis | memory
	PerMinute int
	MaxWait   time.Duration
}

type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type AlertConfig struct {
	WebhookURL string // empty logs alerts only
	Timeout    time.Duration
}

type RetryConfig struct {
	InitialDelay time.Duration
	Base         float64
	MaxDelay     time.Duration
	MaxRetries   int
	Jitter       float64
}

type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	ClaimTimeout time.Duration
}

type ReconcileConfig struct {
	Interval time.Duration
	PageSize int
	MaxPages int
	Lookback time.Duration
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // optional

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:      getString(v, "APP_ENV", "development"),
			Name:     getString(v, "APP_NAME", "stock-sync"),
			LogLevel: getString(v, "LOG_LEVEL", "info"),
		},
		HTTP: ServerConfig{Addr: getString(v, "HTTP_ADDR", ":8080")},
		GRPC: ServerConfig{Addr: getString(v, "GRPC_ADDR", ":50051")},
		MySQL: MySQLConfig{
			DSN:          getString(v, "MYSQL_DSN", "root:root@tcp(localhost:3306)/stocksync?parseTime=true"),
			MaxOpenConns: getInt(v, "MYSQL_MAX_OPEN_CONNS", 50),
			MaxIdleConns: getInt(v, "MYSQL_MAX_IDLE_CONNS", 25),
			ConnLifetime: getDuration(v, "MYSQL_CONN_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getString(v, "REDIS_ADDR", "localhost:6379"),
			Password: getString(v, "REDIS_PASSWORD", ""),
			DB:       getInt(v, "REDIS_DB", 0),
			PoolSize: getInt(v, "REDIS_POOL_SIZE", 100),
		},
		Store: getString(v, "STORE_DRIVER", "mysql"),
		Limiter: LimiterConfig{
			Driver:    getString(v, "LIMITER_DRIVER", "redis"),
			PerMinute: getInt(v, "RATE_LIMIT_PER_MINUTE", 100),
			MaxWait:   getDuration(v, "RATE_LIMIT_MAX_WAIT", 5*time.Second),
		},
		Remote: RemoteConfig{
			BaseURL: getString(v, "REMOTE_BASE_URL", "http://localhost:9090"),
			APIKey:  getString(v, "REMOTE_API_KEY", ""),
			Timeout: getDuration(v, "REMOTE_TIMEOUT", 15*time.Second),
		},
		Alert: AlertConfig{
			WebhookURL: getString(v, "ALERT_WEBHOOK_URL", ""),
			Timeout:    getDuration(v, "ALERT_TIMEOUT", 5*time.Second),
		},
		Retry: RetryConfig{
			InitialDelay: getDuration(v, "RETRY_INITIAL_DELAY", 60*time.Second),
			Base:         getFloat(v, "RETRY_BASE", 2),
			MaxDelay:     getDuration(v, "RETRY_MAX_DELAY", time.Hour),
			MaxRetries:   getInt(v, "RETRY_MAX_RETRIES", 5),
			Jitter:       getFloat(v, "RETRY_JITTER", 0.1),
		},
		Scheduler: SchedulerConfig{
			PollInterval: getDuration(v, "SCHEDULER_POLL_INTERVAL", 60*time.Second),
			BatchSize:    getInt(v, "SCHEDULER_BATCH_SIZE", 100),
			Workers:      getInt(v, "SCHEDULER_WORKERS", 10),
			ClaimTimeout: getDuration(v, "SCHEDULER_CLAIM_TIMEOUT", 10*time.Minute),
		},
		Reconcile: ReconcileConfig{
			Interval: getDuration(v, "RECONCILE_INTERVAL", 30*time.Minute),
			PageSize: getInt(v, "RECONCILE_PAGE_SIZE", 100),
			MaxPages: getInt(v, "RECONCILE_MAX_PAGES", 50),
			Lookback: getDuration(v, "RECONCILE_LOOKBACK", 7*24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "mysql", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be mysql or memory, got %q", c.Store)
	}
	switch c.Limiter.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("LIMITER_DRIVER must be redis or memory, got %q", c.Limiter.Driver)
	}
	if c.Limiter.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.Base < 1 || c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("invalid retry settings")
	}
	if c.Scheduler.Workers <= 0 || c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler workers and batch size must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}
	if c.Reconcile.PageSize <= 0 {
		return fmt.Errorf("RECONCILE_PAGE_SIZE must be positive")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	return nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if !v.IsSet(key) {
		return def
	}
	if s, ok := v.Get(key).(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return def
		}
		return n
	}
	return v.GetInt(key)
}

func getFloat(v *viper.Viper, key string, def float64) float64 {
	if !v.IsSet(key) {
		return def
	}
	if s, ok := v.Get(key).(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return def
		}
		return f
	}
	return v.GetFloat64(key)
}

// getDuration accepts Go durations ("90s") and bare integers as seconds.
func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	s := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
