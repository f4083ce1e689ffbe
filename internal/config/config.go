// Package config loads and validates streamer configuration from YAML
// with ${VAR} environment expansion.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "50s" parse.
type Duration time.Duration

// UnmarshalYAML decodes a time.ParseDuration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"50s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StreamerConfig is the top-level configuration for cmd/streamer.
type StreamerConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DatabaseConfig `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
}

// InstanceConfig identifies this streamer instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig configures the WebSocket connection.
type StreamConfig struct {
	URL              string   `yaml:"url"`
	PingInterval     Duration `yaml:"ping_interval"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`

	// Coins subscribed at startup (trades + l2Book per coin).
	Coins []string `yaml:"coins"`

	// AllMids subscribes to the global mid-price stream.
	AllMids bool `yaml:"all_mids"`
}

// DatabaseConfig holds database connections.
type DatabaseConfig struct {
	// Timescale holds trades (time-series data).
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig configures one PostgreSQL connection pool.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig configures trade persistence.
type RecorderConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	QueueSize     int      `yaml:"queue_size"`
}
