// Package config loads and validates buildwatch configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Events   EventsConfig   `mapstructure:"events"`
	API      APIConfig      `mapstructure:"api"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Redis    RedisConfig    `mapstructure:"redis"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	DB       DBConfig       `mapstructure:"db"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EventsConfig controls the shared event channel.
type EventsConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig configures the backend REST client.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// WatchConfig bounds how long the CLI waits for a build. Zero waits forever.
type WatchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Event bus backends understood by the relay and the notifier.
const (
	SourceRedis  = "redis"
	SourcePubSub = "pubsub"
)

// RelayConfig controls the relay HTTP server.
type RelayConfig struct {
	Port       int    `mapstructure:"port"`
	Source     string `mapstructure:"source"`
	Channel    string `mapstructure:"channel"`
	SendBuffer int    `mapstructure:"send_buffer"`
}

// RedisConfig holds connection settings for the Redis event bus.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds Google Cloud Pub/Sub identifiers.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// DBConfig controls access to the build-run audit table.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ProgressConfig sizes the event recording hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BUILDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("events.url", "ws://localhost:8081/ws")
	v.SetDefault("events.reconnect_delay", 5*time.Second)
	v.SetDefault("events.subscriber_buffer", 64)
	v.SetDefault("events.dial_timeout", 10*time.Second)
	v.SetDefault("events.idle_timeout", time.Duration(0))
	v.SetDefault("api.base_url", "http://localhost:8080/")
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("watch.timeout", time.Duration(0))
	v.SetDefault("relay.port", 8081)
	v.SetDefault("relay.source", SourceRedis)
	v.SetDefault("relay.channel", "events")
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.subscription", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validateURL("events.url", c.Events.URL, "ws", "wss"); err != nil {
		return err
	}
	if c.Events.ReconnectDelay <= 0 {
		return fmt.Errorf("events.reconnect_delay must be > 0")
	}
	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriber_buffer must be > 0")
	}
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.API.MaxRetries <= 0 {
		return fmt.Errorf("api.max_retries must be > 0")
	}
	if c.Watch.Timeout < 0 {
		return fmt.Errorf("watch.timeout must be >= 0")
	}
	if c.Relay.Port <= 0 {
		return fmt.Errorf("relay.port must be > 0")
	}
	switch c.Relay.Source {
	case SourceRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when relay.source is redis")
		}
		if c.Relay.Channel == "" {
			return fmt.Errorf("relay.channel must be set when relay.source is redis")
		}
	case SourcePubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when relay.source is pubsub")
		}
	default:
		return fmt.Errorf("relay.source must be %q or %q, got %q", SourceRedis, SourcePubSub, c.Relay.Source)
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be > 0")
	}
	return nil
}

// APITimeout converts the client timeout into a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}
