package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 720, cfg.Camera.Height)
	assert.Equal(t, 5*time.Second, cfg.Camera.HealthInterval)
	assert.Equal(t, 2*time.Second, cfg.Camera.RestartDelayShort)
	assert.Equal(t, 10*time.Second, cfg.Camera.RestartDelayLong)
	assert.Equal(t, 2500*time.Millisecond, cfg.Capture.FrameTimeout)
	assert.Equal(t, 80, cfg.Capture.JPEGQuality)
	assert.Equal(t, 3, cfg.Capture.EveryN)
	assert.Equal(t, 0, cfg.Queue.MaxDepth)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "nstplusd", cfg.Observability.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Observability.OTLPEndpoint)
	assert.Equal(t, "grpc", cfg.Observability.OTLPProtocol)
	assert.True(t, cfg.Observability.OTLPInsecure)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(_ *Config) {}, ""},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
		{"zero resolution", func(c *Config) { c.Camera.Width = 0 }, "invalid camera resolution"},
		{"negative health interval", func(c *Config) { c.Camera.HealthInterval = -time.Second }, "health interval"},
		{"jpeg quality out of range", func(c *Config) { c.Capture.JPEGQuality = 101 }, "invalid jpeg quality"},
		{"negative queue depth", func(c *Config) { c.Queue.MaxDepth = -1 }, "queue max depth"},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "postgres" }, "invalid store driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store path required"},
		{"events enabled without url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = ""
		}, "events url required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_YAMLAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9191
camera:
  width: 640
  height: 480
store:
  driver: memory
`), 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 480, cfg.Camera.Height)
	assert.Equal(t, "memory", cfg.Store.Driver)
	// untouched sections keep their defaults
	assert.Equal(t, 80, cfg.Capture.JPEGQuality)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9191\n"), 0o600))

	t.Setenv("SERVER_HTTP_PORT", "9292")
	t.Setenv("CAPTURE_EVERY_N", "5")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Capture.EveryN)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadWithFile_InvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}
