// Package config provides Viper-based configuration loading for the relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RelayConfig holds the broadcast listener settings.
type RelayConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the relay listener.
	Port int `mapstructure:"port" yaml:"port"`
	// OutboundBuffer is the per-client delivery queue capacity. Frames
	// broadcast while the queue is full are dropped for that client.
	OutboundBuffer int `mapstructure:"outbound_buffer" yaml:"outbound_buffer"`
	// WriteTimeout is the per-frame write deadline. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RelayConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// AdminConfig holds the optional operator endpoints.
type AdminConfig struct {
	// Enabled turns on the gRPC health and HTTP metrics listeners.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Host is the bind address shared by both admin listeners.
	Host string `mapstructure:"host" yaml:"host"`
	// GRPCPort serves grpc.health.v1.Health.
	GRPCPort int `mapstructure:"grpc_port" yaml:"grpc_port"`
	// HTTPPort serves /metrics, /healthz and /clients.
	HTTPPort int `mapstructure:"http_port" yaml:"http_port"`
}

// GRPCAddr returns the "host:port" gRPC address.
func (a AdminConfig) GRPCAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.GRPCPort))
}

// HTTPAddr returns the "host:port" HTTP address.
func (a AdminConfig) HTTPAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.HTTPPort))
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Relay   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
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

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Host == "" {
		errs = append(errs, "relay.host must not be empty")
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", r.Port))
	}
	if r.OutboundBuffer < 1 {
		errs = append(errs, fmt.Sprintf("relay.outbound_buffer must be >= 1, got %d", r.OutboundBuffer))
	}
	if r.WriteTimeout < 0 {
		errs = append(errs, "relay.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.Host == "" {
		errs = append(errs, "admin.host must not be empty")
	}
	if a.GRPCPort < 1 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if a.HTTPPort < 1 || a.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.http_port must be 1-65535, got %d", a.HTTPPort))
	}
	if a.GRPCPort == a.HTTPPort {
		errs = append(errs, "admin.grpc_port and admin.http_port must differ")
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
// overrides, and validates the result. An empty path skips the file and uses
// defaults plus environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with FANOUT_ prefix
	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by Load with no file and no
// environment overrides.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			OutboundBuffer: 5,
		},
		Admin: AdminConfig{
			Host:     "127.0.0.1",
			GRPCPort: 9090,
			HTTPPort: 9091,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("relay.host", d.Relay.Host)
	v.SetDefault("relay.port", d.Relay.Port)
	v.SetDefault("relay.outbound_buffer", d.Relay.OutboundBuffer)
	v.SetDefault("relay.write_timeout", "0s")

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.host", d.Admin.Host)
	v.SetDefault("admin.grpc_port", d.Admin.GRPCPort)
	v.SetDefault("admin.http_port", d.Admin.HTTPPort)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// ParseAddr splits a "HOST:PORT" listen argument.
//
// Postcondition: Returns a non-empty host and a port in 1-65535, or an error.
func ParseAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parsing address %q: %w", addr, err)
	}
	if host == "" {
		return "", 0, errors.New("parsing address " + strconv.Quote(addr) + ": host must not be empty")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parsing port in %q: %w", addr, err)
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("parsing address %q: port must be 1-65535, got %d", addr, port)
	}
	return host, port, nil
}

// Dump renders cfg as YAML in the same shape Load accepts.
func Dump(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return out, nil
}
