package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	App             AppConfig        `mapstructure:"app"`
	HTTP            HTTPConfig       `mapstructure:"http"`
	Store           StoreConfig      `mapstructure:"store"`
	MySQL           DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse      ClickHouseConfig `mapstructure:"clickhouse"`
	Redis           RedisConfig      `mapstructure:"redis"`
	Queue           QueueConfig      `mapstructure:"queue"`
	Kafka           KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ        RabbitMQConfig   `mapstructure:"rabbitmq"`
	Outbox          OutboxConfig     `mapstructure:"outbox"`
	Jobs            JobsConfig       `mapstructure:"jobs"`
	Auth            AuthConfig       `mapstructure:"auth"`
	RateLimit       RateLimitConfig  `mapstructure:"rate_limit"`
	Progress        ProgressConfig   `mapstructure:"progress"`
	Providers       []ProviderConfig `mapstructure:"providers"`
	DefaultProvider string           `mapstructure:"default_provider"`
}

// ---- Leaf structs ----

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Env         string `mapstructure:"env"`
	PublicURL   string `mapstructure:"public_url"` // base of provider callback URLs
	LogLevel    string `mapstructure:"log_level"`
	LogEncoding string `mapstructure:"log_encoding"` // json | console
}

type HTTPConfig struct {
	Addr             string        `mapstructure:"addr"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	MaxCallbackBytes int64         `mapstructure:"max_callback_bytes"`
	StreamHeartbeat  time.Duration `mapstructure:"stream_heartbeat"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"` // memory | mysql
	LockRetries int           `mapstructure:"lock_retries"`
	TxTimeout   time.Duration `mapstructure:"tx_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type ClickHouseConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	DatabaseConfig `mapstructure:",squash"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type QueueConfig struct {
	Driver        string        `mapstructure:"driver"` // memory | kafka | rabbitmq
	Embedded      bool          `mapstructure:"embedded"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
	Prefetch   int    `mapstructure:"prefetch"`
}

type OutboxConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Lease           time.Duration `mapstructure:"lease"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type JobsConfig struct {
	StaleAfter   time.Duration `mapstructure:"stale_after"` // 0 disables the reaper
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	ReapBatch    int           `mapstructure:"reap_batch"`
}

type AuthConfig struct {
	JWTSecret       string   `mapstructure:"jwt_secret"`
	JWTIssuer       string   `mapstructure:"jwt_issuer"`
	InternalAPIKeys []string `mapstructure:"internal_api_keys"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type ProgressConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	Kind          string        `mapstructure:"kind"` // http | mock
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CallbackDelay time.Duration `mapstructure:"callback_delay"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// EnabledProviders returns the providers switched on in config.
func (c Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory", "mysql":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory or mysql", c.Store.Driver))
	}
	if c.Store.Driver == "mysql" && c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn required for store.driver=mysql"))
	}

	switch c.Queue.Driver {
	case "memory":
		if !c.Queue.Embedded {
			errs = append(errs, errors.New("queue.driver=memory requires queue.embedded"))
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.brokers and kafka.topic required for queue.driver=kafka"))
		}
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url required for queue.driver=rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q: want memory, kafka or rabbitmq", c.Queue.Driver))
	}

	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.max_attempts must be at least 1"))
	}
	if c.Outbox.Lease <= c.Outbox.DispatchTimeout {
		errs = append(errs, fmt.Errorf("outbox.lease (%s) must exceed outbox.dispatch_timeout (%s)", c.Outbox.Lease, c.Outbox.DispatchTimeout))
	}
	if c.Outbox.InitialBackoff <= 0 || c.Outbox.MaxBackoff < c.Outbox.InitialBackoff {
		errs = append(errs, errors.New("outbox backoff: need 0 < initial_backoff <= max_backoff"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret required"))
	}
	if strings.TrimSpace(c.App.PublicURL) == "" {
		errs = append(errs, errors.New("app.public_url required"))
	}

	enabled := c.EnabledProviders()
	if len(enabled) == 0 {
		errs = append(errs, errors.New("no provider enabled"))
	}
	found := false
	for _, p := range enabled {
		if p.Name == c.DefaultProvider {
			found = true
		}
	}
	if !found {
		errs = append(errs, fmt.Errorf("default_provider %q is not an enabled provider", c.DefaultProvider))
	}

	return errors.Join(errs...)
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (ENHANCER_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// env override: ENHANCER_OUTBOX_MAX_ATTEMPTS -> outbox.max_attempts
	v.SetEnvPrefix("ENHANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
