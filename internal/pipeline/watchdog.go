package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/health"
)

// tickInterval is the supervising loop cadence. The watchdog decision and
// the stats report both run off this tick.
const tickInterval = time.Second

// Watchdog polls the health tracker once per second, emits the periodic
// status line and asks the controller for a restart when the stream has
// stalled. It never tears anything down itself.
type Watchdog struct {
	cfg    *config.Config
	ctrl   *Controller
	health *health.Tracker
}

// NewWatchdog wires the supervising loop.
func NewWatchdog(cfg *config.Config, ctrl *Controller, tracker *health.Tracker) *Watchdog {
	return &Watchdog{cfg: cfg, ctrl: ctrl, health: tracker}
}

// Run ticks until the context is cancelled, then emits one final status
// line. The restart itself happens on the controller's run loop, so a slow
// rebuild never stops this loop from ticking.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	interval := w.cfg.StatsInterval()
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			if w.cfg.Stats.Enabled {
				w.report()
			}
			return nil

		case <-ticker.C:
			w.ctrl.ObserveStabilization()

			if w.cfg.Stats.Enabled && time.Since(lastReport) >= interval {
				w.report()
				lastReport = time.Now()
			}

			since := w.health.SinceLastFrame()
			if Stalled(w.health.FrameCount(), since, w.cfg.WatchdogTimeout()) {
				if w.ctrl.RequestRestart("watchdog stall") {
					slog.Warn("watchdog: stream stalled, restart requested",
						"since_last_frame", since,
						"timeout", w.cfg.WatchdogTimeout(),
						"frames", w.health.FrameCount(),
					)
				}
			}
		}
	}
}

func (w *Watchdog) report() {
	snap := w.health.Report()
	slog.Info("stats",
		"uptime", snap.Uptime.Round(time.Second).String(),
		"frames", snap.FrameCount,
		"fps", snap.FPS,
		"last_frame_s", snap.SinceLastFrame,
		"reconnects", snap.Reconnects,
		"restarts", snap.Restarts,
	)
}

// Stalled reports whether the stream should be declared dead. A stream that
// has never produced a frame in the current epoch is still connecting, not
// stalled, no matter how long that takes; connection failures surface as
// engine errors instead.
func Stalled(frameCount uint64, sinceLastFrame, timeout time.Duration) bool {
	return frameCount > 0 && sinceLastFrame > timeout
}
