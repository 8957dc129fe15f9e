// Package server provides configuration loading, defaults and validation for
// the relay gateway.
package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gochat-relay/internal/broker"
	"github.com/Tyrowin/gochat-relay/internal/delivery"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// EnvPrefix prefixes every environment override, e.g. GOCHAT_SERVER_ADDR or
// GOCHAT_SESSION_QUEUE_SIZE.
const EnvPrefix = "GOCHAT"

// Broker and cursor store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverBadger = "badger"
)

// Config holds every setting of the gateway process.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	Broker  BrokerConfig  `yaml:"broker"`
	Cursor  CursorConfig  `yaml:"cursor"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	TestPage        bool          `yaml:"test_page" split_words:"true"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew" split_words:"true"`
}

// SessionConfig configures every client session.
type SessionConfig struct {
	QueueSize           int           `yaml:"queue_size" split_words:"true"`
	MaxPayloadBytes     int           `yaml:"max_payload_bytes" split_words:"true"`
	PongWait            time.Duration `yaml:"pong_wait" split_words:"true"`
	PingInterval        time.Duration `yaml:"ping_interval" split_words:"true"`
	WriteWait           time.Duration `yaml:"write_wait" split_words:"true"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" split_words:"true"`
	PublishTimeout      time.Duration `yaml:"publish_timeout" split_words:"true"`
	SlowConsumerStrikes int           `yaml:"slow_consumer_strikes" split_words:"true"`
	DedupWindow         int           `yaml:"dedup_window" split_words:"true"`
	RatePerSecond       float64       `yaml:"rate_per_second" split_words:"true"`
	RateBurst           int           `yaml:"rate_burst" split_words:"true"`
	ActivateOnConnect   bool          `yaml:"activate_on_connect" split_words:"true"`
}

// BrokerConfig selects and tunes the shared conversation log.
type BrokerConfig struct {
	Driver          string        `yaml:"driver"`
	RedisAddrs      []string      `yaml:"redis_addrs" split_words:"true"`
	RedisPassword   string        `yaml:"redis_password" split_words:"true"`
	RedisDB         int           `yaml:"redis_db" split_words:"true"`
	Prefix          string        `yaml:"prefix"`
	MaxLen          int64         `yaml:"max_len" split_words:"true"`
	PublishAttempts int           `yaml:"publish_attempts" split_words:"true"`
	RetryInitial    time.Duration `yaml:"retry_initial" split_words:"true"`
	RetryMax        time.Duration `yaml:"retry_max" split_words:"true"`
	BreakerFailures uint32        `yaml:"breaker_failures" split_words:"true"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" split_words:"true"`
	ReadBatch       int           `yaml:"read_batch" split_words:"true"`
	ReadWait        time.Duration `yaml:"read_wait" split_words:"true"`
	DrainTimeout    time.Duration `yaml:"drain_timeout" split_words:"true"`
}

// CursorConfig selects the delivery cursor store.
type CursorConfig struct {
	Driver     string        `yaml:"driver"`
	Dir        string        `yaml:"dir"`
	NodeID     string        `yaml:"node_id" split_words:"true"`
	GCInterval time.Duration `yaml:"gc_interval" split_words:"true"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	OutputPath string `yaml:"output_path" split_words:"true"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	session := delivery.DefaultConfig()
	bridge := broker.DefaultConfig()
	hostname, _ := os.Hostname()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:8080"},
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TestPage:        true,
		},
		Auth: AuthConfig{
			ClockSkew: 30 * time.Second,
		},
		Session: SessionConfig{
			QueueSize:           session.QueueSize,
			MaxPayloadBytes:     session.MaxPayloadBytes,
			PongWait:            session.PongWait,
			PingInterval:        session.PingInterval,
			WriteWait:           session.WriteWait,
			IdleTimeout:         session.IdleTimeout,
			PublishTimeout:      session.PublishTimeout,
			SlowConsumerStrikes: session.SlowConsumerStrikes,
			DedupWindow:         session.DedupWindow,
			RatePerSecond:       session.RatePerSecond,
			RateBurst:           session.RateBurst,
		},
		Broker: BrokerConfig{
			Driver:          DriverMemory,
			RedisAddrs:      []string{"localhost:6379"},
			Prefix:          "gochat",
			PublishAttempts: bridge.PublishAttempts,
			RetryInitial:    bridge.RetryInitial,
			RetryMax:        bridge.RetryMax,
			BreakerFailures: bridge.BreakerFailures,
			BreakerTimeout:  bridge.BreakerTimeout,
			ReadBatch:       bridge.ReadBatch,
			ReadWait:        bridge.ReadWait,
			DrainTimeout:    5 * time.Second,
		},
		Cursor: CursorConfig{
			Driver:     DriverMemory,
			Dir:        "data/cursors",
			NodeID:     hostname,
			GCInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig starts from the defaults, applies the YAML file at path when
// path is not empty, then environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Auth.ClockSkew < 0 {
		errs = append(errs, errors.New("auth.clock_skew must not be negative"))
	}

	if c.Session.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("session.queue_size must be positive, got %d", c.Session.QueueSize))
	}
	if c.Session.MaxPayloadBytes <= 0 || c.Session.MaxPayloadBytes > envelope.DefaultMaxPayload*16 {
		errs = append(errs, fmt.Errorf("session.max_payload_bytes out of range: %d", c.Session.MaxPayloadBytes))
	}
	if c.Session.PingInterval >= c.Session.PongWait {
		errs = append(errs, fmt.Errorf("session.ping_interval (%s) must be shorter than session.pong_wait (%s)",
			c.Session.PingInterval, c.Session.PongWait))
	}
	if c.Session.SlowConsumerStrikes <= 0 {
		errs = append(errs, errors.New("session.slow_consumer_strikes must be positive"))
	}

	switch c.Broker.Driver {
	case DriverMemory:
	case DriverRedis:
		if len(c.Broker.RedisAddrs) == 0 {
			errs = append(errs, errors.New("broker.redis_addrs is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.driver %q", c.Broker.Driver))
	}
	if c.Broker.PublishAttempts <= 0 {
		errs = append(errs, errors.New("broker.publish_attempts must be positive"))
	}

	switch c.Cursor.Driver {
	case DriverMemory:
	case DriverBadger:
		if c.Cursor.Dir == "" {
			errs = append(errs, errors.New("cursor.dir is required for the badger driver"))
		}
		if c.Cursor.NodeID == "" {
			errs = append(errs, errors.New("cursor.node_id is required for the badger driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cursor.driver %q", c.Cursor.Driver))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SessionSettings converts the session section for the delivery coordinator.
func (c *Config) SessionSettings() delivery.Config {
	s := c.Session
	return delivery.Config{
		QueueSize:           s.QueueSize,
		MaxPayloadBytes:     s.MaxPayloadBytes,
		PongWait:            s.PongWait,
		PingInterval:        s.PingInterval,
		WriteWait:           s.WriteWait,
		IdleTimeout:         s.IdleTimeout,
		PublishTimeout:      s.PublishTimeout,
		SlowConsumerStrikes: s.SlowConsumerStrikes,
		DedupWindow:         s.DedupWindow,
		RatePerSecond:       s.RatePerSecond,
		RateBurst:           s.RateBurst,
		ActivateOnConnect:   s.ActivateOnConnect,
	}
}

// BridgeSettings converts the broker section for the broker bridge.
func (c *Config) BridgeSettings() broker.Config {
	b := c.Broker
	return broker.Config{
		PublishAttempts: b.PublishAttempts,
		RetryInitial:    b.RetryInitial,
		RetryMax:        b.RetryMax,
		BreakerFailures: b.BreakerFailures,
		BreakerTimeout:  b.BreakerTimeout,
		ReadBatch:       b.ReadBatch,
		ReadWait:        b.ReadWait,
		MaxPayloadBytes: c.Session.MaxPayloadBytes,
	}
}
