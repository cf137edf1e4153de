// Package config loads and validates the re-encoder configuration.
//
// The configuration is an immutable snapshot per run: it is read once at
// startup and never reloaded. The only runtime-mutable fields are the
// encoder bitrates, which the pipeline controller updates through the
// explicit bitrate operation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the egress shape of the pipeline.
type Mode int

const (
	// ModePush writes the encoded elementary stream continuously to stdout,
	// for a downstream relay that runs this process directly (e.g. go2rtc
	// exec:). Lowest latency, single consumer.
	ModePush Mode = iota
	// ModeServe keeps the encoded stream in a small latest-sample queue and
	// serves it over HTTP to any number of clients independently.
	ModeServe
)

// ParseMode parses the CLI mode flag value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "push":
		return ModePush, nil
	case "serve":
		return ModeServe, nil
	default:
		return ModePush, fmt.Errorf("config: invalid mode %q (must be \"push\" or \"serve\")", s)
	}
}

func (m Mode) String() string {
	if m == ModeServe {
		return "serve"
	}
	return "push"
}

// RTSPConfig describes the camera source.
type RTSPConfig struct {
	URL             string `yaml:"url"`
	Transport       string `yaml:"transport"` // "tcp" or "udp"
	LatencyMS       int    `yaml:"latency_ms"`
	ReconnectDelayS int    `yaml:"reconnect_delay_s"`
}

// Backend selects the decode/encode element family.
type Backend string

const (
	BackendAuto     Backend = "auto"
	BackendNVENC    Backend = "nvenc"
	BackendVAAPI    Backend = "vaapi"
	BackendSoftware Backend = "software"
)

// EncoderConfig describes the re-encode transform.
type EncoderConfig struct {
	Backend           Backend `yaml:"backend"`
	Width             int     `yaml:"width"`
	Height            int     `yaml:"height"`
	Framerate         int     `yaml:"framerate"`
	TargetBitrateKbps uint32  `yaml:"target_bitrate_kbps"`
	MaxBitrateKbps    uint32  `yaml:"max_bitrate_kbps"`
	IDRInterval       int     `yaml:"idr_interval"`
	Preset            string  `yaml:"preset"`       // UltraLowLatency | LowLatency | HP | HQ
	Profile           string  `yaml:"profile"`      // baseline | main | high
	ControlRate       string  `yaml:"control_rate"` // cbr | vbr
}

// OutputConfig describes the serve-mode egress endpoint.
type OutputConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// APIConfig describes the control surface (stats, bitrate, metrics).
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// StatsConfig controls the periodic status line.
type StatsConfig struct {
	Enabled   bool `yaml:"enabled"`
	IntervalS int  `yaml:"interval_s"`
}

// ResilienceConfig controls the watchdog and restart policy.
type ResilienceConfig struct {
	WatchdogTimeoutS    int `yaml:"watchdog_timeout_s"`
	MaxPipelineRestarts int `yaml:"max_pipeline_restarts"` // 0 = unlimited
}

// Config is the validated configuration record for one run.
type Config struct {
	RTSP       RTSPConfig       `yaml:"rtsp"`
	Encoder    EncoderConfig    `yaml:"encoder"`
	Output     OutputConfig     `yaml:"output"`
	API        APIConfig        `yaml:"api"`
	Stats      StatsConfig      `yaml:"stats"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// Default returns the configuration used when the file (or a field) is absent.
func Default() *Config {
	return &Config{
		RTSP: RTSPConfig{
			URL:             "rtsp://192.168.1.120:554/test",
			Transport:       "tcp",
			LatencyMS:       200,
			ReconnectDelayS: 3,
		},
		Encoder: EncoderConfig{
			Backend:           BackendAuto,
			Width:             1280,
			Height:            720,
			Framerate:         30,
			TargetBitrateKbps: 1800,
			MaxBitrateKbps:    2000,
			IDRInterval:       30,
			Preset:            "UltraLowLatency",
			Profile:           "high",
			ControlRate:       "cbr",
		},
		Output: OutputConfig{
			Port: 8554,
			Path: "/stream",
		},
		API: APIConfig{
			Enabled: true,
			Port:    9080,
		},
		Stats: StatsConfig{
			Enabled:   true,
			IntervalS: 5,
		},
		Resilience: ResilienceConfig{
			WatchdogTimeoutS: 10,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// not an error: the defaults are returned and a warning is logged, so the
// binary can run with zero provisioning.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config: file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with. Called once
// before any graph is built; a failure here is fatal.
func (c *Config) Validate() error {
	if c.RTSP.URL == "" {
		return fmt.Errorf("config: rtsp.url cannot be empty")
	}
	if c.RTSP.Transport != "tcp" && c.RTSP.Transport != "udp" {
		return fmt.Errorf("config: rtsp.transport must be \"tcp\" or \"udp\", got %q", c.RTSP.Transport)
	}
	if c.RTSP.LatencyMS < 0 {
		return fmt.Errorf("config: rtsp.latency_ms cannot be negative")
	}
	if c.RTSP.ReconnectDelayS < 1 {
		return fmt.Errorf("config: rtsp.reconnect_delay_s must be >= 1")
	}
	switch c.Encoder.Backend {
	case BackendAuto, BackendNVENC, BackendVAAPI, BackendSoftware:
	default:
		return fmt.Errorf("config: encoder.backend must be auto, nvenc, vaapi or software, got %q", c.Encoder.Backend)
	}
	if c.Encoder.Width < 0 || c.Encoder.Height < 0 {
		return fmt.Errorf("config: encoder width/height cannot be negative")
	}
	if c.Encoder.Framerate < 1 || c.Encoder.Framerate > 120 {
		return fmt.Errorf("config: encoder.framerate must be between 1 and 120, got %d", c.Encoder.Framerate)
	}
	if c.Encoder.MaxBitrateKbps < 100 || c.Encoder.MaxBitrateKbps > 50000 {
		return fmt.Errorf("config: encoder.max_bitrate_kbps must be between 100 and 50000, got %d", c.Encoder.MaxBitrateKbps)
	}
	if c.Encoder.TargetBitrateKbps > c.Encoder.MaxBitrateKbps {
		return fmt.Errorf("config: target bitrate %d exceeds max bitrate %d",
			c.Encoder.TargetBitrateKbps, c.Encoder.MaxBitrateKbps)
	}
	if c.Encoder.IDRInterval < 1 {
		return fmt.Errorf("config: encoder.idr_interval must be >= 1")
	}
	if c.Output.Port < 1 || c.Output.Port > 65535 {
		return fmt.Errorf("config: output.port must be 1-65535, got %d", c.Output.Port)
	}
	if c.Output.Path == "" || c.Output.Path[0] != '/' {
		return fmt.Errorf("config: output.path must start with '/', got %q", c.Output.Path)
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("config: api.port must be 1-65535, got %d", c.API.Port)
	}
	if c.Resilience.WatchdogTimeoutS < 1 {
		return fmt.Errorf("config: resilience.watchdog_timeout_s must be >= 1")
	}
	if c.Resilience.MaxPipelineRestarts < 0 {
		return fmt.Errorf("config: resilience.max_pipeline_restarts cannot be negative")
	}
	if c.Stats.Enabled && c.Stats.IntervalS < 1 {
		return fmt.Errorf("config: stats.interval_s must be >= 1")
	}
	return nil
}

// WatchdogTimeout returns the stall threshold as a duration.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Resilience.WatchdogTimeoutS) * time.Second
}

// ReconnectDelay returns the base restart delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.RTSP.ReconnectDelayS) * time.Second
}

// StatsInterval returns the status-line cadence as a duration.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Stats.IntervalS) * time.Second
}

// LogSummary emits a one-time overview of the effective configuration.
func (c *Config) LogSummary(mode Mode) {
	slog.Info("config: effective settings",
		"source", c.RTSP.URL,
		"transport", c.RTSP.Transport,
		"latency_ms", c.RTSP.LatencyMS,
		"backend", string(c.Encoder.Backend),
		"resolution", fmt.Sprintf("%dx%d", c.Encoder.Width, c.Encoder.Height),
		"framerate", c.Encoder.Framerate,
		"bitrate_kbps", fmt.Sprintf("%d/%d", c.Encoder.TargetBitrateKbps, c.Encoder.MaxBitrateKbps),
		"control_rate", c.Encoder.ControlRate,
		"preset", c.Encoder.Preset,
		"profile", c.Encoder.Profile,
		"idr_interval", c.Encoder.IDRInterval,
		"mode", mode.String(),
		"output", fmt.Sprintf(":%d%s", c.Output.Port, c.Output.Path),
		"watchdog_timeout_s", c.Resilience.WatchdogTimeoutS,
		"max_restarts", c.Resilience.MaxPipelineRestarts,
	)
}
