// Package config loads cepstream process configuration from a YAML file and
// CEPSTREAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
)

// EnvPrefix is prepended to every environment override, e.g.
// CEPSTREAM_TRANSPORT_KIND.
const EnvPrefix = "CEPSTREAM"

// Config is the root configuration structure
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Bus       BusConfig       `mapstructure:"bus"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Patterns  PatternsConfig  `mapstructure:"patterns"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// TransportConfig selects and configures the broker backend
type TransportConfig struct {
	Kind  string      `mapstructure:"kind"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// NATSConfig configures the NATS backend
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	SnapshotSubject string `mapstructure:"snapshot_subject"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	SnapshotKey string `mapstructure:"snapshot_key"`
}

// KafkaConfig configures the Kafka backend
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	StreamTopic   string   `mapstructure:"stream_topic"`
	RequestTopic  string   `mapstructure:"request_topic"`
	SnapshotTopic string   `mapstructure:"snapshot_topic"`
}

// BusConfig configures the event bus
type BusConfig struct {
	Name           string        `mapstructure:"name"`
	Codec          string        `mapstructure:"codec"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	InputPartition string        `mapstructure:"input_partition"`
}

// BootstrapConfig holds the snapshot handshake strings
type BootstrapConfig struct {
	Request  string `mapstructure:"request"`
	Finished string `mapstructure:"finished"`
}

// PatternsConfig points at the pattern definitions
type PatternsConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

// Viper exposes the underlying instance so commands can bind flags to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads path if given, applies environment overrides and validates the
// result. A missing file is an error only when a path was given explicitly.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.kind", TransportMemory)
	v.SetDefault("transport.nats.url", "nats://localhost:4222")
	v.SetDefault("transport.nats.snapshot_subject", "cepstream.snapshot")
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.redis.snapshot_key", "cepstream:snapshot")
	v.SetDefault("transport.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("transport.kafka.stream_topic", "cepstream.stream")
	v.SetDefault("transport.kafka.request_topic", "cepstream.snapshot.requests")
	v.SetDefault("transport.kafka.snapshot_topic", "cepstream.snapshot")

	v.SetDefault("bus.name", "cepstream")
	v.SetDefault("bus.codec", "json")
	v.SetDefault("bus.tick_interval", time.Second)
	v.SetDefault("bus.input_partition", "imputed")

	v.SetDefault("bootstrap.request", "request_snapshot")
	v.SetDefault("bootstrap.finished", "finished_snapshot")

	v.SetDefault("patterns.file", "patterns.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			return errors.New("transport.nats.url is required for nats transport")
		}
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			return errors.New("transport.redis.addr is required for redis transport")
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			return errors.New("transport.kafka.brokers is required for kafka transport")
		}
		if c.Transport.Kafka.StreamTopic == "" {
			return errors.New("transport.kafka.stream_topic is required for kafka transport")
		}
	default:
		return fmt.Errorf("unsupported transport kind: %s", c.Transport.Kind)
	}

	if c.Bus.Codec != "json" && c.Bus.Codec != "msgpack" {
		return fmt.Errorf("unsupported codec: %s", c.Bus.Codec)
	}
	if c.Bus.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval: %s", c.Bus.TickInterval)
	}
	if c.Bus.InputPartition == "" || strings.Contains(c.Bus.InputPartition, ".") {
		return fmt.Errorf("invalid input partition: %q", c.Bus.InputPartition)
	}
	if c.Bootstrap.Request == "" || c.Bootstrap.Finished == "" {
		return errors.New("bootstrap.request and bootstrap.finished are required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}
