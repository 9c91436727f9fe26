package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ASSETSTORE"

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// BaseURL is the public storefront origin used in payment redirect URLs
	BaseURL string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	// Driver is "mysql" or "sqlite3"
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig is optional; an empty Addr disables the replay guard and rate limiting.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type PaymentConfig struct {
	// Environment selects the processor base URL when BaseURL is empty
	Environment   string        `mapstructure:"environment"`
	BaseURL       string        `mapstructure:"base_url"`
	PrivateKey    string        `mapstructure:"private_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Currency      string        `mapstructure:"currency"`
	StoreName     string        `mapstructure:"store_name"`
	LinkTTL       time.Duration `mapstructure:"link_ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type OrderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type DownloadConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	LinkTTL    time.Duration `mapstructure:"link_ttl"`
}

type RateLimitConfig struct {
	// RequestsPerMinute per client IP on checkout and payment link creation; 0 disables
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

type NotifyConfig struct {
	// Driver is "kafka", "rabbitmq" or "log"
	Driver       string        `mapstructure:"driver"`
	KafkaBrokers string        `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic"`
	RabbitMQURL  string        `mapstructure:"rabbitmq_url"`
	RabbitQueue  string        `mapstructure:"rabbitmq_queue"`
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Order     OrderConfig     `mapstructure:"order"`
	Download  DownloadConfig  `mapstructure:"download"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// DefaultConfig is enough to run against a local MySQL with no broker.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			ShutdownTimeout: 5 * time.Second,
			BaseURL:         "http://localhost:3000",
		},
		Database: DatabaseConfig{
			Driver:          "mysql",
			DSN:             "root:root@tcp(localhost:3306)/assetstore?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize: 100,
		},
		Payment: PaymentConfig{
			Environment: "sandbox",
			Currency:    "COP",
			StoreName:   "WallpaperStore",
			LinkTTL:     24 * time.Hour,
			Timeout:     10 * time.Second,
		},
		Order: OrderConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Download: DownloadConfig{
			LinkTTL: 15 * time.Minute,
		},
		Notify: NotifyConfig{
			Driver:       "log",
			KafkaTopic:   "assetstore.orders",
			RabbitQueue:  "assetstore_orders",
			Workers:      4,
			BatchSize:    100,
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load merges defaults, the optional YAML file at path and ASSETSTORE_* env vars.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func bindDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"server.http_addr":               cfg.Server.HTTPAddr,
		"server.grpc_addr":               cfg.Server.GRPCAddr,
		"server.shutdown_timeout":        cfg.Server.ShutdownTimeout,
		"server.base_url":                cfg.Server.BaseURL,
		"database.driver":                cfg.Database.Driver,
		"database.dsn":                   cfg.Database.DSN,
		"database.max_open_conns":        cfg.Database.MaxOpenConns,
		"database.max_idle_conns":        cfg.Database.MaxIdleConns,
		"database.conn_max_lifetime":     cfg.Database.ConnMaxLifetime,
		"redis.addr":                     cfg.Redis.Addr,
		"redis.password":                 cfg.Redis.Password,
		"redis.db":                       cfg.Redis.DB,
		"redis.pool_size":                cfg.Redis.PoolSize,
		"payment.environment":            cfg.Payment.Environment,
		"payment.base_url":               cfg.Payment.BaseURL,
		"payment.private_key":            cfg.Payment.PrivateKey,
		"payment.webhook_secret":         cfg.Payment.WebhookSecret,
		"payment.currency":               cfg.Payment.Currency,
		"payment.store_name":             cfg.Payment.StoreName,
		"payment.link_ttl":               cfg.Payment.LinkTTL,
		"payment.timeout":                cfg.Payment.Timeout,
		"order.ttl":                      cfg.Order.TTL,
		"download.signing_key":           cfg.Download.SigningKey,
		"download.link_ttl":              cfg.Download.LinkTTL,
		"rate_limit.requests_per_minute": cfg.RateLimit.RequestsPerMinute,
		"notify.driver":                  cfg.Notify.Driver,
		"notify.kafka_brokers":           cfg.Notify.KafkaBrokers,
		"notify.kafka_topic":             cfg.Notify.KafkaTopic,
		"notify.rabbitmq_url":            cfg.Notify.RabbitMQURL,
		"notify.rabbitmq_queue":          cfg.Notify.RabbitQueue,
		"notify.workers":                 cfg.Notify.Workers,
		"notify.batch_size":              cfg.Notify.BatchSize,
		"notify.poll_interval":           cfg.Notify.PollInterval,
		"log.level":                      cfg.Log.Level,
		"log.format":                     cfg.Log.Format,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// Validate checks the settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Payment.WebhookSecret == "" {
		errs = append(errs, errors.New("payment.webhook_secret is required"))
	}
	if c.Download.SigningKey == "" {
		errs = append(errs, errors.New("download.signing_key is required"))
	}
	if c.Payment.LinkTTL <= 0 || c.Payment.LinkTTL >= c.Order.TTL {
		errs = append(errs, errors.New("payment.link_ttl must be positive and shorter than order.ttl"))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Notify.Driver {
	case "log":
	case "kafka":
		if c.Notify.KafkaBrokers == "" {
			errs = append(errs, errors.New("notify.kafka_brokers is required for the kafka driver"))
		}
	case "rabbitmq":
		if c.Notify.RabbitMQURL == "" {
			errs = append(errs, errors.New("notify.rabbitmq_url is required for the rabbitmq driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.driver %q is not supported", c.Notify.Driver))
	}
	return errors.Join(errs...)
}

// PaymentBaseURL resolves the processor API root.
func (c *Config) PaymentBaseURL() string {
	if c.Payment.BaseURL != "" {
		return strings.TrimRight(c.Payment.BaseURL, "/")
	}
	if c.Payment.Environment == "production" {
		return "https://production.wompi.co/v1"
	}
	return "https://sandbox.wompi.co/v1"
}
