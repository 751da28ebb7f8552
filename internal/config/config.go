package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caesar-terminal/depthbook/internal/engine"
	"github.com/caesar-terminal/depthbook/internal/profile"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Env        string `mapstructure:"env"`
	Instrument string `mapstructure:"instrument"`
	Feed       FeedConfig
	Ingest     IngestConfig
	Publish    PublishConfig
	Profile    ProfileConfig
	Imbalance  ImbalanceConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	GRPC       ServerConfig
	HTTP       ServerConfig
	Log        LogConfig
}

// FeedConfig holds upstream market-data settings.
type FeedConfig struct {
	URL            string        `mapstructure:"url"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	CoolOff        time.Duration `mapstructure:"cool_off"`
}

// IngestConfig sizes the depth ingestion queue and worker cadence.
type IngestConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity"`
	BatchSize     int           `mapstructure:"batch_size"`
	Throttle      time.Duration `mapstructure:"throttle"`
}

// PublishConfig bounds the snapshot rate.
type PublishConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// ProfileConfig holds volume-profile settings.
type ProfileConfig struct {
	ValueAreaFraction float64 `mapstructure:"value_area_fraction"`
	TickSize          string  `mapstructure:"tick_size"`
	ClusterThreshold  int64   `mapstructure:"cluster_threshold"`
}

// ImbalanceConfig holds book-imbalance settings.
type ImbalanceConfig struct {
	Levels      int   `mapstructure:"levels"`
	StackRatio  int64 `mapstructure:"stack_ratio"`
	StackVolume int64 `mapstructure:"stack_volume"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds snapshot export settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig holds a listen address.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from environment variables prefixed with DEPTHBOOK_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEPTHBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("instrument", "ES")

	// Feed defaults
	v.SetDefault("feed.url", "ws://localhost:8080/marketdata")
	v.SetDefault("feed.stale_threshold", time.Second)
	v.SetDefault("feed.cool_off", 2*time.Second)

	// Core defaults
	v.SetDefault("ingest.queue_capacity", 4096)
	v.SetDefault("ingest.batch_size", 1024)
	v.SetDefault("ingest.throttle", 10*time.Millisecond)
	v.SetDefault("publish.min_interval", 100*time.Millisecond)
	v.SetDefault("profile.value_area_fraction", profile.DefaultValueAreaFraction)
	v.SetDefault("profile.tick_size", "0.25")
	v.SetDefault("profile.cluster_threshold", 100)
	v.SetDefault("imbalance.levels", 5)
	v.SetDefault("imbalance.stack_ratio", 300)
	v.SetDefault("imbalance.stack_volume", 30)

	// Sink defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "depthbook.snapshots")

	// Server defaults
	v.SetDefault("grpc.addr", ":7070")
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.Instrument = v.GetString("instrument")

	cfg.Feed = FeedConfig{
		URL:            v.GetString("feed.url"),
		StaleThreshold: v.GetDuration("feed.stale_threshold"),
		CoolOff:        v.GetDuration("feed.cool_off"),
	}

	cfg.Ingest = IngestConfig{
		QueueCapacity: v.GetInt("ingest.queue_capacity"),
		BatchSize:     v.GetInt("ingest.batch_size"),
		Throttle:      v.GetDuration("ingest.throttle"),
	}

	cfg.Publish = PublishConfig{
		MinInterval: v.GetDuration("publish.min_interval"),
	}

	cfg.Profile = ProfileConfig{
		ValueAreaFraction: v.GetFloat64("profile.value_area_fraction"),
		TickSize:          v.GetString("profile.tick_size"),
		ClusterThreshold:  v.GetInt64("profile.cluster_threshold"),
	}

	cfg.Imbalance = ImbalanceConfig{
		Levels:      v.GetInt("imbalance.levels"),
		StackRatio:  v.GetInt64("imbalance.stack_ratio"),
		StackVolume: v.GetInt64("imbalance.stack_volume"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kafka = KafkaConfig{
		Enabled: v.GetBool("kafka.enabled"),
		Brokers: splitList(v.GetString("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	cfg.GRPC = ServerConfig{Addr: v.GetString("grpc.addr")}
	cfg.HTTP = ServerConfig{Addr: v.GetString("http.addr")}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Pretty: v.GetBool("log.pretty"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList parses a comma-separated env value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values the engine and sinks cannot start with.
func (c *Config) Validate() error {
	if c.Instrument == "" {
		return fmt.Errorf("%w: instrument is empty", ErrInvalid)
	}
	if _, err := profile.ParseTickSize(c.Profile.TickSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Feed.StaleThreshold <= 0 || c.Feed.CoolOff < 0 {
		return fmt.Errorf("%w: feed stale_threshold=%s cool_off=%s",
			ErrInvalid, c.Feed.StaleThreshold, c.Feed.CoolOff)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("%w: kafka enabled without brokers or topic", ErrInvalid)
	}
	ec, err := c.Engine()
	if err != nil {
		return err
	}
	if err := ec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Engine maps the loaded values onto the core's config.
func (c *Config) Engine() (engine.Config, error) {
	tick, err := profile.ParseTickSize(c.Profile.TickSize)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return engine.Config{
		Instrument:        c.Instrument,
		QueueCapacity:     c.Ingest.QueueCapacity,
		BatchSize:         c.Ingest.BatchSize,
		Throttle:          c.Ingest.Throttle,
		MinInterval:       c.Publish.MinInterval,
		ValueAreaFraction: c.Profile.ValueAreaFraction,
		ImbalanceLevels:   c.Imbalance.Levels,
		TickSize:          tick,
		ClusterThreshold:  c.Profile.ClusterThreshold,
		StackRatioPct:     c.Imbalance.StackRatio,
		StackMinVolume:    c.Imbalance.StackVolume,
	}, nil
}
