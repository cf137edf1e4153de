// restreamd pulls an RTSP camera stream, re-encodes it at a constrained
// constant bitrate and republishes the H.264 elementary stream, either to
// stdout for an external relay (push mode) or over HTTP to connected
// clients (serve mode). The process supervises its own pipeline: stalls and
// stream errors trigger a full graph rebuild with exponential backoff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/backoff"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/bridge"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/gstpipe"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/health"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/httpserv"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/pipeline"
)

const version = "1.2.0"

// stopGrace bounds how long a signal-triggered shutdown may take before
// the process exits anyway.
const stopGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config.yaml", "path to YAML configuration")
		modeFlag   = flag.String("mode", "push", "output mode: push (stdout) or serve (HTTP)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn or error")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("restreamd " + version)
		return 0
	}

	setupLogging(*logLevel)

	mode, err := config.ParseMode(*modeFlag)
	if err != nil {
		slog.Error("restreamd: invalid mode", "error", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("restreamd: failed to load configuration", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("restreamd: invalid configuration", "error", err)
		return 1
	}

	slog.Info("restreamd: starting", "version", version)
	cfg.LogSummary(mode)

	tracker := health.NewTracker()

	var deliver *bridge.Bridge
	var publish func([]byte, bool)
	if mode == config.ModeServe {
		deliver = bridge.New()
		publish = deliver.Publish
	}

	builder := gstpipe.NewBuilder(cfg, mode, tracker.OnFrame, publish)
	policy := backoff.New(cfg.ReconnectDelay())
	ctrl := pipeline.New(cfg, builder, tracker, policy)
	dog := pipeline.NewWatchdog(cfg, ctrl, tracker)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(rootCtx)

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("restreamd: failed to start pipeline", "error", err)
		return 1
	}

	g.Go(func() error { return dog.Run(ctx) })

	if mode == config.ModeServe {
		stream := httpserv.NewStreamServer(cfg, deliver)
		g.Go(func() error { return stream.Run(ctx) })
	}
	if cfg.API.Enabled {
		registry := httpserv.NewRegistry(tracker, deliver)
		control := httpserv.NewControlServer(cfg, ctrl, registry)
		g.Go(func() error { return control.Run(ctx) })
	}

	// The controller outlives transient failures; Done fires only on
	// terminal failure or Stop. A signal stops the controller with a grace
	// bound so a wedged engine teardown cannot hang the exit.
	g.Go(func() error {
		select {
		case <-ctrl.Done():
			return ctrl.Err()
		case <-ctx.Done():
			return stopWithGrace(ctrl)
		}
	})

	err = g.Wait()
	if deliver != nil {
		deliver.Close()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, pipeline.ErrExhausted) {
			slog.Error("restreamd: restart budget exhausted, giving up", "error", err)
		} else {
			slog.Error("restreamd: terminated", "error", err)
		}
		return 1
	}
	slog.Info("restreamd: shutdown complete")
	return 0
}

// stopWithGrace stops the controller but abandons the wait after stopGrace
// so a stuck engine state change cannot block process exit.
func stopWithGrace(ctrl *pipeline.Controller) error {
	done := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		slog.Error("restreamd: shutdown grace period exceeded, exiting hard")
		os.Exit(1)
		return nil
	}
}

// setupLogging routes all logs to stderr. Stdout is reserved for the
// encoded byte-stream in push mode.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
