// Package config provides configuration loading for nstplusd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Camera        CameraConfig        `koanf:"camera"`
	Capture       CaptureConfig       `koanf:"capture"`
	Queue         QueueConfig         `koanf:"queue"`
	Store         StoreConfig         `koanf:"store"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CameraConfig holds stream manager configuration.
type CameraConfig struct {
	Width             int           `koanf:"width"`
	Height            int           `koanf:"height"`
	HealthInterval    time.Duration `koanf:"health_interval"`
	RestartDelayShort time.Duration `koanf:"restart_delay_short"`
	RestartDelayLong  time.Duration `koanf:"restart_delay_long"`
}

// CaptureConfig holds frame capture configuration.
type CaptureConfig struct {
	FrameTimeout  time.Duration `koanf:"frame_timeout"`
	JPEGQuality   int           `koanf:"jpeg_quality"`
	DefaultWidth  int           `koanf:"default_width"`
	DefaultHeight int           `koanf:"default_height"`
	EveryN        int           `koanf:"every_n"`
}

// QueueConfig holds capture queue configuration.
type QueueConfig struct {
	// MaxDepth caps the pending buffer; 0 means unbounded.
	MaxDepth int `koanf:"max_depth"`
}

// StoreConfig selects and locates the session store.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver  string `koanf:"driver"`
	Path    string `koanf:"path"`
	BlobDir string `koanf:"blob_dir"`
}

// EventsConfig holds NATS event publishing configuration.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Token   Secret `koanf:"token"`
}

// ObservabilityConfig holds OpenTelemetry and metrics configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // "grpc" or "http/protobuf"
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Camera.Width == 0 {
		cfg.Camera.Width = 1280
	}
	if cfg.Camera.Height == 0 {
		cfg.Camera.Height = 720
	}
	if cfg.Camera.HealthInterval == 0 {
		cfg.Camera.HealthInterval = 5 * time.Second
	}
	if cfg.Camera.RestartDelayShort == 0 {
		cfg.Camera.RestartDelayShort = 2 * time.Second
	}
	if cfg.Camera.RestartDelayLong == 0 {
		cfg.Camera.RestartDelayLong = 10 * time.Second
	}
	if cfg.Capture.FrameTimeout == 0 {
		cfg.Capture.FrameTimeout = 2500 * time.Millisecond
	}
	if cfg.Capture.JPEGQuality == 0 {
		cfg.Capture.JPEGQuality = 80
	}
	if cfg.Capture.DefaultWidth == 0 {
		cfg.Capture.DefaultWidth = 640
	}
	if cfg.Capture.DefaultHeight == 0 {
		cfg.Capture.DefaultHeight = 480
	}
	if cfg.Capture.EveryN == 0 {
		cfg.Capture.EveryN = 3
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "/var/lib/nstplusd/sessions.db"
	}
	if cfg.Store.BlobDir == "" {
		cfg.Store.BlobDir = "/var/lib/nstplusd/captures"
	}
	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "nstplusd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
		cfg.Observability.OTLPInsecure = true
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.HealthInterval <= 0 {
		return errors.New("camera health interval must be positive")
	}
	if c.Capture.FrameTimeout <= 0 {
		return errors.New("capture frame timeout must be positive")
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("invalid jpeg quality: %d (must be 1-100)", c.Capture.JPEGQuality)
	}
	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue max depth cannot be negative: %d", c.Queue.MaxDepth)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store driver: %q (must be sqlite or memory)", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return errors.New("store path required for sqlite driver")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return errors.New("events url required when events are enabled")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
