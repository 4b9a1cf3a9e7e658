// Package config loads the relay configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/omochice/ix-interface/internal/consumer"
	"github.com/omochice/ix-interface/internal/ix"
	"github.com/omochice/ix-interface/internal/relation"
)

// EnvPrefix prefixes every environment override, e.g. IX_LISTEN.
const EnvPrefix = "IX"

// Config holds all configuration for the relay.
type Config struct {
	Listen   string `yaml:"listen"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level" split_words:"true"`

	// Connection lifecycle
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout" split_words:"true"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval" split_words:"true"`
	IdleTimeout            time.Duration `yaml:"idle_timeout" split_words:"true"`
	WriteTimeout           time.Duration `yaml:"write_timeout" split_words:"true"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" split_words:"true"`
	OutboxSize             int           `yaml:"outbox_size" split_words:"true"`

	RedisURL       string   `yaml:"redis_url" split_words:"true"`
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`

	// Provisioning is file-only.
	Credentials    []Credential        `yaml:"credentials" ignored:"true"`
	Relations      []relation.Relation `yaml:"relations" ignored:"true"`
	LocalConsumers []LocalConsumer     `yaml:"local_consumers" ignored:"true"`
}

// Credential provisions one xApp identity. Password is a bearer secret or
// a bcrypt hash.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LocalConsumer selects where an identity's local emits go.
type LocalConsumer struct {
	Identity string `yaml:"identity"`
	Kind     string `yaml:"kind"`
	Channel  string `yaml:"channel"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	mc := ix.DefaultManagerConfig()
	return &Config{
		Listen:                 ":8080",
		Env:                    "development",
		LogLevel:               "info",
		HandshakeTimeout:       mc.HandshakeTimeout,
		HeartbeatInterval:      mc.HeartbeatInterval,
		IdleTimeout:            mc.IdleTimeout,
		WriteTimeout:           mc.WriteTimeout,
		MaxConsecutiveFailures: mc.MaxConsecutiveFailures,
		OutboxSize:             mc.OutboxSize,
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty), a .env file in the working directory if present, and
// IX_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Env != "development" && c.Env != "production" {
		errs = append(errs, fmt.Errorf("env must be development or production, got %q", c.Env))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.HeartbeatInterval < 0 || c.IdleTimeout < 0 {
		errs = append(errs, errors.New("heartbeat_interval and idle_timeout must not be negative"))
	}
	if c.HeartbeatInterval > 0 && c.IdleTimeout > 0 && c.HeartbeatInterval >= c.IdleTimeout {
		errs = append(errs, errors.New("heartbeat_interval must be shorter than idle_timeout"))
	}
	if c.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("max_consecutive_failures must not be negative"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("outbox_size must be positive"))
	}

	seen := make(map[string]bool, len(c.Credentials))
	for i, cred := range c.Credentials {
		switch {
		case cred.Username == "":
			errs = append(errs, fmt.Errorf("credentials[%d]: username is required", i))
		case cred.Password == "":
			errs = append(errs, fmt.Errorf("credentials[%d]: password is required", i))
		case seen[cred.Username]:
			errs = append(errs, fmt.Errorf("credentials[%d]: duplicate username %s", i, cred.Username))
		}
		seen[cred.Username] = true
	}

	if _, err := relation.New(c.Relations...); err != nil {
		errs = append(errs, err)
	}

	for i, lc := range c.LocalConsumers {
		switch {
		case lc.Identity == "":
			errs = append(errs, fmt.Errorf("local_consumers[%d]: identity is required", i))
		case lc.Kind != consumer.KindLog && lc.Kind != consumer.KindRedis:
			errs = append(errs, fmt.Errorf("local_consumers[%d]: unknown kind %q", i, lc.Kind))
		case lc.Kind == consumer.KindRedis && c.RedisURL == "":
			errs = append(errs, fmt.Errorf("local_consumers[%d]: redis consumer requires redis_url", i))
		}
	}

	if c.Env == "production" && len(c.Credentials) == 0 {
		errs = append(errs, errors.New("at least one credential is required in production"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Secrets returns the provisioned credentials keyed by username.
func (c *Config) Secrets() map[string]string {
	secrets := make(map[string]string, len(c.Credentials))
	for _, cred := range c.Credentials {
		secrets[cred.Username] = cred.Password
	}
	return secrets
}

// Manager returns the connection lifecycle settings.
func (c *Config) Manager() ix.ManagerConfig {
	return ix.ManagerConfig{
		HandshakeTimeout:       c.HandshakeTimeout,
		HeartbeatInterval:      c.HeartbeatInterval,
		IdleTimeout:            c.IdleTimeout,
		WriteTimeout:           c.WriteTimeout,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		OutboxSize:             c.OutboxSize,
	}
}

// ConsumerSpecs converts the configured local consumers.
func (c *Config) ConsumerSpecs() []consumer.Spec {
	specs := make([]consumer.Spec, 0, len(c.LocalConsumers))
	for _, lc := range c.LocalConsumers {
		specs = append(specs, consumer.Spec{Identity: lc.Identity, Kind: lc.Kind, Channel: lc.Channel})
	}
	return specs
}
