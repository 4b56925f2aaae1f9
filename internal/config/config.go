package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all application configuration.
type Config struct {
	Env     string `mapstructure:"env"`
	Log     LogConfig
	Feed    FeedConfig
	Book    BookConfig
	Sampler SamplerConfig
	Health  HealthConfig
	HTTP    HTTPConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// FeedConfig holds the exchange connection settings.
type FeedConfig struct {
	URL                 string `mapstructure:"url"`
	ProductID           string `mapstructure:"product_id"`
	Channel             string `mapstructure:"channel"`
	ReadBufferSize      int    `mapstructure:"read_buffer_size"`
	WriteBufferSize     int    `mapstructure:"write_buffer_size"`
	HandshakeTimeoutSec int    `mapstructure:"handshake_timeout_sec"`
}

// BookConfig sizes the order book engine.
type BookConfig struct {
	HistoryCapacity int `mapstructure:"history_capacity"`
	ImbalanceLevels int `mapstructure:"imbalance_levels"`
}

// SamplerConfig sets the history sampling cadence.
type SamplerConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// HealthConfig tunes the circuit breaker.
type HealthConfig struct {
	StaleThresholdMs int `mapstructure:"stale_threshold_ms"`
	CoolOffMs        int `mapstructure:"cool_off_ms"`
}

// HTTPConfig holds the query API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KafkaConfig holds the sample publisher settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Interval returns the sampling period.
func (s SamplerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// HandshakeTimeout returns the WebSocket handshake bound.
func (f FeedConfig) HandshakeTimeout() time.Duration {
	return time.Duration(f.HandshakeTimeoutSec) * time.Second
}

// StaleThreshold returns the maximum feed silence tolerated.
func (h HealthConfig) StaleThreshold() time.Duration {
	return time.Duration(h.StaleThresholdMs) * time.Millisecond
}

// CoolOff returns the settle time after a snapshot.
func (h HealthConfig) CoolOff() time.Duration {
	return time.Duration(h.CoolOffMs) * time.Millisecond
}

// Logger builds a zap logger: JSON production output unless Development
// is set, at the configured level.
func (l LogConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Load reads configuration from an optional .env file and environment
// variables prefixed with DEPTHSCOPE_.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DEPTHSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// Feed defaults
	v.SetDefault("feed.url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("feed.product_id", "BTC-USD")
	v.SetDefault("feed.channel", "level2_batch")
	v.SetDefault("feed.read_buffer_size", 64*1024)
	v.SetDefault("feed.write_buffer_size", 4096)
	v.SetDefault("feed.handshake_timeout_sec", 15)

	// Engine defaults
	v.SetDefault("book.history_capacity", 300)
	v.SetDefault("book.imbalance_levels", 10)
	v.SetDefault("sampler.interval_ms", 1000)

	v.SetDefault("health.stale_threshold_ms", 5000)
	v.SetDefault("health.cool_off_ms", 1000)

	v.SetDefault("http.addr", ":8050")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "depth")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "depth.samples")

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Log = LogConfig{
		Level:       v.GetString("log.level"),
		Development: v.GetBool("log.development"),
	}

	cfg.Feed = FeedConfig{
		URL:                 v.GetString("feed.url"),
		ProductID:           v.GetString("feed.product_id"),
		Channel:             v.GetString("feed.channel"),
		ReadBufferSize:      v.GetInt("feed.read_buffer_size"),
		WriteBufferSize:     v.GetInt("feed.write_buffer_size"),
		HandshakeTimeoutSec: v.GetInt("feed.handshake_timeout_sec"),
	}

	cfg.Book = BookConfig{
		HistoryCapacity: v.GetInt("book.history_capacity"),
		ImbalanceLevels: v.GetInt("book.imbalance_levels"),
	}

	cfg.Sampler = SamplerConfig{IntervalMs: v.GetInt("sampler.interval_ms")}

	cfg.Health = HealthConfig{
		StaleThresholdMs: v.GetInt("health.stale_threshold_ms"),
		CoolOffMs:        v.GetInt("health.cool_off_ms"),
	}

	cfg.HTTP = HTTPConfig{Addr: v.GetString("http.addr")}

	cfg.Redis = RedisConfig{
		Enabled:   v.GetBool("redis.enabled"),
		Addr:      v.GetString("redis.addr"),
		Password:  v.GetString("redis.password"),
		DB:        v.GetInt("redis.db"),
		KeyPrefix: v.GetString("redis.key_prefix"),
	}

	cfg.Kafka = KafkaConfig{
		Enabled: v.GetBool("kafka.enabled"),
		Brokers: splitList(v.GetString("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	if c.Feed.ProductID == "" {
		errs = append(errs, errors.New("feed.product_id is required"))
	}
	if c.Book.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("book.history_capacity must be positive, got %d", c.Book.HistoryCapacity))
	}
	if c.Book.ImbalanceLevels < 1 {
		errs = append(errs, fmt.Errorf("book.imbalance_levels must be positive, got %d", c.Book.ImbalanceLevels))
	}
	if c.Sampler.IntervalMs < 1 {
		errs = append(errs, fmt.Errorf("sampler.interval_ms must be positive, got %d", c.Sampler.IntervalMs))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// splitList parses a comma-separated env value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
