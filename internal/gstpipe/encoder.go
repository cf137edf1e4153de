package gstpipe

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
)

// encoderElement maps a backend to its H.264 encoder element.
func encoderElement(b config.Backend) string {
	switch b {
	case config.BackendNVENC:
		return "nvv4l2h264enc"
	case config.BackendVAAPI:
		return "vaapih264enc"
	default:
		return "x264enc"
	}
}

// decoderElement maps a backend to its H.264 decoder element.
func decoderElement(b config.Backend) string {
	switch b {
	case config.BackendNVENC:
		return "nvv4l2decoder"
	case config.BackendVAAPI:
		return "vaapih264dec"
	default:
		return "avdec_h264"
	}
}

// encoder wraps the encoder element together with the backend that created
// it, so runtime bitrate changes use the right property names and units.
type encoder struct {
	element *gst.Element
	backend config.Backend
}

// newEncoder creates and configures the encoder for the requested backend.
// Backend auto probes nvenc, then vaapi, then software, taking the first
// whose encoder element exists on the host.
func newEncoder(cfg config.EncoderConfig) (*encoder, error) {
	backend := cfg.Backend
	if backend == config.BackendAuto || backend == "" {
		for _, candidate := range []config.Backend{config.BackendNVENC, config.BackendVAAPI, config.BackendSoftware} {
			elem, err := gst.NewElement(encoderElement(candidate))
			if err != nil {
				slog.Debug("gstpipe: encoder backend unavailable",
					"backend", string(candidate),
					"element", encoderElement(candidate),
				)
				continue
			}
			slog.Info("gstpipe: encoder backend auto-selected", "backend", string(candidate))
			enc := &encoder{element: elem, backend: candidate}
			enc.configure(cfg)
			return enc, nil
		}
		return nil, &MissingElementError{Stage: StageTransform, Element: "nvv4l2h264enc/vaapih264enc/x264enc", Err: ErrNoBackend}
	}

	elem, err := gst.NewElement(encoderElement(backend))
	if err != nil {
		return nil, &MissingElementError{Stage: StageTransform, Element: encoderElement(backend), Err: err}
	}
	enc := &encoder{element: elem, backend: backend}
	enc.configure(cfg)
	return enc, nil
}

// configure applies bitrate, GOP and latency tuning. Property names and
// units differ per element family, so each backend gets its own block.
func (e *encoder) configure(cfg config.EncoderConfig) {
	switch e.backend {
	case config.BackendNVENC:
		// nvv4l2h264enc takes bitrates in bits per second.
		e.element.SetProperty("bitrate", uint(cfg.TargetBitrateKbps)*1000)
		e.element.SetProperty("peak-bitrate", uint(cfg.MaxBitrateKbps)*1000)
		e.element.SetProperty("control-rate", nvencControlRate(cfg.ControlRate))
		e.element.SetProperty("preset-level", nvencPreset(cfg.Preset))
		e.element.SetProperty("profile", nvencProfile(cfg.Profile))
		e.element.SetProperty("idrinterval", cfg.IDRInterval)
		e.element.SetProperty("iframeinterval", cfg.IDRInterval)
		e.element.SetProperty("insert-sps-pps", true)
		e.element.SetProperty("maxperf-enable", true)
		// One frame of VBV keeps CBR output tight for constrained uplinks.
		if cfg.Framerate > 0 {
			e.element.SetProperty("vbv-size", uint(cfg.TargetBitrateKbps)*1000/uint(cfg.Framerate))
		}

	case config.BackendVAAPI:
		// vaapih264enc takes bitrate in kbit/s.
		e.element.SetProperty("bitrate", uint(cfg.TargetBitrateKbps))
		e.element.SetProperty("rate-control", vaapiRateControl(cfg.ControlRate))
		e.element.SetProperty("keyframe-period", uint(cfg.IDRInterval))
		e.element.SetProperty("quality-level", vaapiQualityLevel(cfg.Preset))

	default:
		// x264enc takes bitrate in kbit/s. tune=4 is zerolatency.
		e.element.SetProperty("bitrate", uint(cfg.TargetBitrateKbps))
		e.element.SetProperty("pass", 0) // cbr
		e.element.SetProperty("speed-preset", x264SpeedPreset(cfg.Preset))
		e.element.SetProperty("tune", 4)
		e.element.SetProperty("key-int-max", cfg.IDRInterval)
		e.element.SetProperty("byte-stream", true)
		e.element.SetProperty("sps-id", 0)
		if cfg.Framerate > 0 {
			// vbv-buf-capacity is milliseconds; one frame worth.
			e.element.SetProperty("vbv-buf-capacity", 1000/cfg.Framerate)
		}
	}
}

// setBitrate retunes the running encoder without a rebuild. Only nvenc
// exposes a separate peak rate; the other backends track the target.
func (e *encoder) setBitrate(targetKbps, maxKbps uint32) error {
	switch e.backend {
	case config.BackendNVENC:
		if err := e.element.SetProperty("bitrate", uint(targetKbps)*1000); err != nil {
			return fmt.Errorf("set bitrate: %w", err)
		}
		if err := e.element.SetProperty("peak-bitrate", uint(maxKbps)*1000); err != nil {
			return fmt.Errorf("set peak-bitrate: %w", err)
		}
	default:
		if err := e.element.SetProperty("bitrate", uint(targetKbps)); err != nil {
			return fmt.Errorf("set bitrate: %w", err)
		}
	}
	return nil
}

// nvencControlRate maps the control_rate setting to the nvv4l2h264enc enum
// (1 = constant_bitrate, 2 = variable_bitrate).
func nvencControlRate(rc string) int {
	if rc == "vbr" {
		return 2
	}
	return 1
}

// nvencPreset maps the preset name to the nvv4l2h264enc preset-level enum
// (2 = UltraFastPreset .. 5 = SlowPreset).
func nvencPreset(preset string) int {
	switch preset {
	case "UltraLowLatency":
		return 2
	case "LowLatency":
		return 3
	case "HP":
		return 4
	case "HQ":
		return 5
	default:
		slog.Warn("gstpipe: unknown preset, using UltraLowLatency", "preset", preset)
		return 2
	}
}

// nvencProfile maps the profile name to the nvv4l2h264enc profile enum
// (0 = Baseline, 2 = Main, 4 = High).
func nvencProfile(profile string) int {
	switch profile {
	case "baseline":
		return 0
	case "main":
		return 2
	default:
		return 4
	}
}

// vaapiRateControl maps the control_rate setting to the VA-API rate control
// enum (2 = CBR, 4 = VBR).
func vaapiRateControl(rc string) int {
	if rc == "vbr" {
		return 4
	}
	return 2
}

// vaapiQualityLevel maps the preset to vaapih264enc quality-level, where
// lower values trade speed for quality (1 = best quality, 7 = fastest).
func vaapiQualityLevel(preset string) int {
	switch preset {
	case "UltraLowLatency":
		return 7
	case "LowLatency":
		return 6
	case "HP":
		return 4
	case "HQ":
		return 2
	default:
		return 7
	}
}

// x264SpeedPreset maps the preset to the x264enc speed-preset enum
// (1 = ultrafast, 2 = superfast, 6 = medium, 8 = slower).
func x264SpeedPreset(preset string) int {
	switch preset {
	case "UltraLowLatency":
		return 1
	case "LowLatency":
		return 2
	case "HP":
		return 6
	case "HQ":
		return 8
	default:
		return 1
	}
}
