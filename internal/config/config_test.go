package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tcp", cfg.RTSP.Transport)
	assert.Equal(t, 1280, cfg.Encoder.Width)
	assert.Equal(t, uint32(1800), cfg.Encoder.TargetBitrateKbps)
	assert.Equal(t, uint32(2000), cfg.Encoder.MaxBitrateKbps)
	assert.Equal(t, 8554, cfg.Output.Port)
	assert.Equal(t, "/stream", cfg.Output.Path)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay())
	assert.Equal(t, 10*time.Second, cfg.WatchdogTimeout())
	assert.Equal(t, 5*time.Second, cfg.StatsInterval())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
rtsp:
  url: rtsp://cam.local:554/main
  transport: udp
encoder:
  backend: software
  target_bitrate_kbps: 900
  max_bitrate_kbps: 1200
output:
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "rtsp://cam.local:554/main", cfg.RTSP.URL)
	assert.Equal(t, "udp", cfg.RTSP.Transport)
	assert.Equal(t, config.BackendSoftware, cfg.Encoder.Backend)
	assert.Equal(t, uint32(900), cfg.Encoder.TargetBitrateKbps)
	assert.Equal(t, 9000, cfg.Output.Port)
	// untouched fields keep their defaults
	assert.Equal(t, 1280, cfg.Encoder.Width)
	assert.Equal(t, "/stream", cfg.Output.Path)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rtsp: [not: closed"), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"empty url", func(c *config.Config) { c.RTSP.URL = "" }, "rtsp.url"},
		{"bad transport", func(c *config.Config) { c.RTSP.Transport = "multicast" }, "rtsp.transport"},
		{"negative latency", func(c *config.Config) { c.RTSP.LatencyMS = -1 }, "latency_ms"},
		{"zero reconnect delay", func(c *config.Config) { c.RTSP.ReconnectDelayS = 0 }, "reconnect_delay_s"},
		{"unknown backend", func(c *config.Config) { c.Encoder.Backend = "quicksync" }, "encoder.backend"},
		{"framerate too low", func(c *config.Config) { c.Encoder.Framerate = 0 }, "framerate"},
		{"framerate too high", func(c *config.Config) { c.Encoder.Framerate = 144 }, "framerate"},
		{"max bitrate too low", func(c *config.Config) { c.Encoder.MaxBitrateKbps = 50 }, "max_bitrate_kbps"},
		{"max bitrate too high", func(c *config.Config) { c.Encoder.MaxBitrateKbps = 60000 }, "max_bitrate_kbps"},
		{"target above max", func(c *config.Config) {
			c.Encoder.TargetBitrateKbps = 2500
			c.Encoder.MaxBitrateKbps = 2000
		}, "exceeds max"},
		{"zero idr interval", func(c *config.Config) { c.Encoder.IDRInterval = 0 }, "idr_interval"},
		{"output port out of range", func(c *config.Config) { c.Output.Port = 70000 }, "output.port"},
		{"relative output path", func(c *config.Config) { c.Output.Path = "stream" }, "output.path"},
		{"api port out of range", func(c *config.Config) { c.API.Port = 0 }, "api.port"},
		{"zero watchdog timeout", func(c *config.Config) { c.Resilience.WatchdogTimeoutS = 0 }, "watchdog_timeout_s"},
		{"negative restart budget", func(c *config.Config) { c.Resilience.MaxPipelineRestarts = -1 }, "max_pipeline_restarts"},
		{"zero stats interval", func(c *config.Config) { c.Stats.IntervalS = 0 }, "interval_s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAllowsDisabledSurfaces(t *testing.T) {
	cfg := config.Default()
	cfg.API.Enabled = false
	cfg.API.Port = 0
	cfg.Stats.Enabled = false
	cfg.Stats.IntervalS = 0
	assert.NoError(t, cfg.Validate())
}

func TestParseMode(t *testing.T) {
	mode, err := config.ParseMode("push")
	require.NoError(t, err)
	assert.Equal(t, config.ModePush, mode)

	mode, err = config.ParseMode("serve")
	require.NoError(t, err)
	assert.Equal(t, config.ModeServe, mode)

	_, err = config.ParseMode("broadcast")
	assert.Error(t, err)
}
