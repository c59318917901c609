// Package config provides configuration for the go-echo server.
//
// Configuration is layered: Default() first, then an optional YAML file,
// then environment overrides. Flag parsing lives in cmd/echo-server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values. The server binds to loopback on port 8000.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8000
	DefaultIndexPath        = "index.html"
	DefaultConcurrencyLimit = 1
	DefaultMetricsPath      = "/metrics"
	DefaultICEServer        = "stun:stun.l.google.com:19302"
)

// Config holds all configuration for the echo server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Pause   PauseConfig   `yaml:"pause"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener and the root page.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// IndexPath is read on every GET / unless CacheIndex is set.
	IndexPath  string `yaml:"index_path"`
	CacheIndex bool   `yaml:"cache_index"`
}

// StreamConfig controls the real-time audio sessions.
type StreamConfig struct {
	// ConcurrencyLimit caps simultaneous sessions. 0 means unlimited.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// TimeLimit closes a session after this long. 0 means no limit.
	TimeLimit time.Duration `yaml:"time_limit"`

	ICEServers []string `yaml:"ice_servers"`
}

// PauseConfig tunes pause detection.
type PauseConfig struct {
	ChunkDuration           time.Duration `yaml:"chunk_duration"`
	StartedTalkingThreshold time.Duration `yaml:"started_talking_threshold"`
	SpeechThreshold         time.Duration `yaml:"speech_threshold"`
	VADThreshold            float64       `yaml:"vad_threshold"`
	CanInterrupt            bool          `yaml:"can_interrupt"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:      DefaultHost,
			Port:      DefaultPort,
			IndexPath: DefaultIndexPath,
		},
		Stream: StreamConfig{
			ConcurrencyLimit: DefaultConcurrencyLimit,
			ICEServers:       []string{DefaultICEServer},
		},
		Pause: PauseConfig{
			ChunkDuration:           600 * time.Millisecond,
			StartedTalkingThreshold: 200 * time.Millisecond,
			SpeechThreshold:         100 * time.Millisecond,
			VADThreshold:            0.5,
			CanInterrupt:            true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of Default() and validates the result.
// Keys absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnv applies environment overrides.
// Call this after file loading and before Validate.
func (c *Config) LoadEnv() error {
	if host := os.Getenv("ECHO_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("ECHO_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("ECHO_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if index := os.Getenv("ECHO_INDEX"); index != "" {
		c.Server.IndexPath = index
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.Pause.Validate(); err != nil {
		return fmt.Errorf("pause config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

// Validate checks the server section.
func (s *ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.IndexPath == "" {
		return errors.New("index_path is required")
	}
	return nil
}

// Validate checks the stream section.
func (s *StreamConfig) Validate() error {
	if s.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency_limit must not be negative, got %d", s.ConcurrencyLimit)
	}
	if s.TimeLimit < 0 {
		return fmt.Errorf("time_limit must not be negative, got %v", s.TimeLimit)
	}
	return nil
}

// Validate checks the pause section.
func (p *PauseConfig) Validate() error {
	if p.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %v", p.ChunkDuration)
	}
	if p.StartedTalkingThreshold < 0 || p.StartedTalkingThreshold > p.ChunkDuration {
		return fmt.Errorf("started_talking_threshold must be within [0, chunk_duration], got %v", p.StartedTalkingThreshold)
	}
	if p.SpeechThreshold < 0 || p.SpeechThreshold > p.ChunkDuration {
		return fmt.Errorf("speech_threshold must be within [0, chunk_duration], got %v", p.SpeechThreshold)
	}
	if p.VADThreshold < 0 || p.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", p.VADThreshold)
	}
	return nil
}

// Validate checks the metrics section.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && (m.Path == "" || m.Path[0] != '/') {
		return fmt.Errorf("path must start with '/', got %q", m.Path)
	}
	return nil
}
