// Package config provides Viper-based configuration loading for the bridge.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BridgeConfig holds top-level bot settings.
type BridgeConfig struct {
	// Prefix is the command prefix recognised in bound channels.
	Prefix string `mapstructure:"prefix"`
}

// DiscordConfig holds Discord backend settings.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " scheme prefix.
	Token string `mapstructure:"token"`
}

// RelayConfig holds HTTP relay endpoint settings.
type RelayConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the relay listener.
	Port int `mapstructure:"port"`
	// PollTimeout bounds how long a long-poll GET is held open with no data.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	// DrainInterval is the fanout tick draining inbound queues into chat.
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// Addr returns the "host:port" listen address.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HealthConfig holds liveness polling settings.
type HealthConfig struct {
	// PingInterval is the period between liveness evaluations.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PingTimeout is the per-query deadline for a single liveness probe.
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
	// TimeDownBeforeNotify is the number of consecutive failed evaluations
	// before an outage notification fires and the connection is closed.
	TimeDownBeforeNotify int `mapstructure:"time_down_before_notify"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// FormatsConfig locates the message template file.
type FormatsConfig struct {
	// Path is the YAML file of per-category message templates.
	// Empty means built-in defaults for every category.
	Path string `mapstructure:"path"`
}

// Config is the top-level application configuration.
type Config struct {
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Health   HealthConfig   `mapstructure:"health"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Formats  FormatsConfig  `mapstructure:"formats"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateBridge(c.Bridge); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBridge(b BridgeConfig) error {
	if b.Prefix == "" {
		return errors.New("bridge.prefix must not be empty")
	}
	if strings.ContainsAny(b.Prefix, " \t\n") {
		return fmt.Errorf("bridge.prefix must not contain whitespace, got %q", b.Prefix)
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", r.Port))
	}
	if r.PollTimeout <= 0 {
		errs = append(errs, "relay.poll_timeout must be positive")
	}
	if r.DrainInterval <= 0 {
		errs = append(errs, "relay.drain_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	var errs []string
	if h.PingInterval <= 0 {
		errs = append(errs, "health.ping_interval must be positive")
	}
	if h.PingTimeout <= 0 {
		errs = append(errs, "health.ping_timeout must be positive")
	}
	if h.TimeDownBeforeNotify < 1 {
		errs = append(errs, fmt.Sprintf("health.time_down_before_notify must be >= 1, got %d", h.TimeDownBeforeNotify))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with SOURCEBRIDGE_ prefix
	v.SetEnvPrefix("SOURCEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.prefix", "!")

	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.poll_timeout", "25s")
	v.SetDefault("relay.drain_interval", "100ms")

	v.SetDefault("health.ping_interval", "1m")
	v.SetDefault("health.ping_timeout", "5s")
	v.SetDefault("health.time_down_before_notify", 8)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sourcebridge")
	v.SetDefault("database.password", "sourcebridge")
	v.SetDefault("database.name", "sourcebridge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
