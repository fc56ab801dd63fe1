// Package config loads the settings shared by every supermarket command.
//
// Values are resolved in order: built-in defaults, an optional TOML file,
// a .env file and SUPERMARKET_* environment variables. Command-line flags
// are applied last by the CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/supermarket/sim"
	"github.com/vinayprograms/supermarket/topics"
)

// DefaultPath is read when no file is named and it exists.
const DefaultPath = "supermarket.toml"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SUPERMARKET_"

// Transport kinds.
const (
	TransportMQTT   = "mqtt"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Duration is a time.Duration that decodes from strings such as "2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all settings.
type Config struct {
	Namespace      string          `toml:"namespace"`
	RequestTimeout Duration        `toml:"request_timeout"`
	Transport      TransportConfig `toml:"transport"`
	Manager        ManagerConfig   `toml:"manager"`
	Checkout       CheckoutConfig  `toml:"checkout"`
	Generator      GeneratorConfig `toml:"generator"`
	Log            LogConfig       `toml:"log"`
}

// TransportConfig selects and addresses the message bus.
type TransportConfig struct {
	Kind       string `toml:"kind"`
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	NATSURL    string `toml:"nats_url"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	BufferSize int    `toml:"buffer_size"`
}

// ManagerConfig configures the coordination service.
type ManagerConfig struct {
	BroadcastInterval Duration `toml:"broadcast_interval"`
	RetainQueues      bool     `toml:"retain_queues"`
}

// CheckoutConfig configures checkout agents.
type CheckoutConfig struct {
	ServiceSeconds    float64  `toml:"service_seconds"`
	BaseSeconds       float64  `toml:"base_seconds"`
	PerItemSeconds    float64  `toml:"per_item_seconds"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StatusInterval    Duration `toml:"status_interval"`
	PollInterval      Duration `toml:"poll_interval"`
	Count             int      `toml:"count"`
}

// Params returns the timing parameters.
func (c CheckoutConfig) Params() sim.ServiceParams {
	return sim.ServiceParams{
		ServiceSeconds: c.ServiceSeconds,
		BaseSeconds:    c.BaseSeconds,
		PerItemSeconds: c.PerItemSeconds,
	}
}

// GeneratorConfig configures the customer generator.
type GeneratorConfig struct {
	Rate           float64 `toml:"rate"`
	NamePrefix     string  `toml:"name_prefix"`
	MaxCustomers   int     `toml:"max_customers"`
	Seed           int64   `toml:"seed"`
	MeanBasketSize float64 `toml:"mean_basket_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Namespace:      topics.DefaultNamespace,
		RequestTimeout: Duration{5 * time.Second},
		Transport: TransportConfig{
			Kind:       TransportMQTT,
			Host:       "127.0.0.1",
			Port:       1883,
			NATSURL:    "nats://127.0.0.1:4222",
			BufferSize: 256,
		},
		Manager: ManagerConfig{
			BroadcastInterval: Duration{2 * time.Second},
		},
		Checkout: CheckoutConfig{
			ServiceSeconds:    sim.DefaultServiceSeconds,
			HeartbeatInterval: Duration{5 * time.Second},
			StatusInterval:    Duration{2 * time.Second},
			PollInterval:      Duration{500 * time.Millisecond},
			Count:             3,
		},
		Generator: GeneratorConfig{
			Rate:           1,
			NamePrefix:     "Cust",
			MeanBasketSize: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load resolves the configuration. An empty path reads DefaultPath when
// it exists; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	// Load .env file if exists
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	setString(&c.Namespace, "NAMESPACE")
	note(setDuration(&c.RequestTimeout, "REQUEST_TIMEOUT"))

	setString(&c.Transport.Kind, "TRANSPORT")
	setString(&c.Transport.Host, "MQTT_HOST")
	note(setInt(&c.Transport.Port, "MQTT_PORT"))
	setString(&c.Transport.NATSURL, "NATS_URL")
	setString(&c.Transport.Username, "USERNAME")
	setString(&c.Transport.Password, "PASSWORD")

	note(setDuration(&c.Manager.BroadcastInterval, "BROADCAST_INTERVAL"))
	note(setBool(&c.Manager.RetainQueues, "RETAIN_QUEUES"))

	note(setFloat(&c.Checkout.ServiceSeconds, "SERVICE_SECONDS"))
	note(setFloat(&c.Checkout.BaseSeconds, "BASE_SECONDS"))
	note(setFloat(&c.Checkout.PerItemSeconds, "PER_ITEM_SECONDS"))
	note(setInt(&c.Checkout.Count, "CHECKOUTS"))

	note(setFloat(&c.Generator.Rate, "RATE"))
	note(setFloat(&c.Generator.MeanBasketSize, "MEAN_BASKET_SIZE"))

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	return firstErr
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if strings.ContainsAny(c.Namespace, "+#") {
		return fmt.Errorf("namespace %q must not contain wildcards", c.Namespace)
	}
	switch c.Transport.Kind {
	case TransportMQTT:
		if c.Transport.Host == "" {
			return fmt.Errorf("mqtt host is required")
		}
		if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
			return fmt.Errorf("invalid mqtt port: %d", c.Transport.Port)
		}
	case TransportNATS:
		if c.Transport.NATSURL == "" {
			return fmt.Errorf("nats url is required")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	if c.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.Manager.BroadcastInterval.Duration <= 0 {
		return fmt.Errorf("broadcast interval must be positive")
	}
	if err := c.Checkout.Params().Validate(); err != nil {
		return err
	}
	if c.Checkout.Count < 0 {
		return fmt.Errorf("checkout count must be >= 0")
	}
	if c.Generator.Rate <= 0 {
		return fmt.Errorf("generator rate must be > 0")
	}
	if c.Generator.MeanBasketSize < 0 {
		return fmt.Errorf("mean basket size must be >= 0")
	}
	return nil
}

func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	dst.Duration = d
	return nil
}
