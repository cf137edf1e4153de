package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/backoff"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/health"
)

// ErrExhausted marks the terminal condition reached when the configured
// restart limit has been consumed. No further recovery is attempted.
var ErrExhausted = errors.New("pipeline: maximum restarts exhausted")

// Controller owns the graph lifecycle. It is the only component allowed to
// build, start or tear down a graph. Restart requests from the watchdog and
// from engine events collapse into a single in-flight rebuild executed by
// the run loop.
type Controller struct {
	cfg     *config.Config
	builder Builder
	health  *health.Tracker
	backoff *backoff.Policy

	state atomic.Int32

	restartCh chan string // capacity 1; pending restart reason
	done      chan struct{}
	termErr   error // written by run loop before done is closed

	mu     sync.Mutex // guards graph, encCfg, cancel
	graph  Graph
	encCfg config.EncoderConfig
	cancel context.CancelFunc

	// stabilizing is set after a restart until the first frame arrives;
	// only then is the backoff restored to its base delay.
	stabilizing atomic.Bool

	stopOnce sync.Once
}

// New wires a controller. Nothing is built until Start.
func New(cfg *config.Config, builder Builder, tracker *health.Tracker, policy *backoff.Policy) *Controller {
	return &Controller{
		cfg:       cfg,
		builder:   builder,
		health:    tracker,
		backoff:   policy,
		restartCh: make(chan string, 1),
		done:      make(chan struct{}),
		encCfg:    cfg.Encoder,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Done is closed when the run loop exits, either on Stop or on a terminal
// failure (see Err).
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if any. Valid after Done is closed.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.termErr
	default:
		return nil
	}
}

// Start builds and starts the first graph, then launches the run loop. A
// build or start failure here is fatal: the controller transitions to
// Failed and the error is returned to the caller.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("pipeline: already started (state %s)", c.State())
	}

	g, err := c.builder.Build(c.encoderConfig())
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("pipeline: initial build: %w", err)
	}
	if err := g.Start(); err != nil {
		g.Close()
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("pipeline: initial start: %w", err)
	}

	c.setGraph(g)
	c.health.Reset()
	c.backoff.Reset()
	c.stabilizing.Store(false)
	c.state.Store(int32(StateRunning))

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(runCtx)

	slog.Info("pipeline: running",
		"source", c.cfg.RTSP.URL,
		"bitrate_kbps", fmt.Sprintf("%d/%d", c.encCfg.TargetBitrateKbps, c.encCfg.MaxBitrateKbps),
	)
	return nil
}

// run consumes graph events and restart requests until cancellation or a
// terminal failure. Single writer: every teardown/rebuild happens here.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		c.mu.Lock()
		g := c.graph
		c.mu.Unlock()

		var events <-chan Event
		if g != nil {
			events = g.Events()
		}

		select {
		case <-ctx.Done():
			return

		case reason := <-c.restartCh:
			if err := c.restart(ctx, reason); err != nil {
				c.terminate(err)
				return
			}

		case ev, ok := <-events:
			if !ok {
				// Channel closed during an external teardown; wait for the
				// cancellation that accompanies it.
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}
			if err := c.handleEvent(ctx, ev); err != nil {
				c.terminate(err)
				return
			}
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventStateChanged:
		slog.Debug("pipeline: engine state changed", "from", ev.From, "to", ev.To)
		return nil

	case EventEOS:
		c.health.OnError()
		slog.Warn("pipeline: end of stream from source",
			"frames", c.health.FrameCount(),
			"reconnects", c.health.ReconnectCount(),
		)
		return c.restart(ctx, "end of stream")

	case EventError:
		c.health.OnError()
		slog.Error("pipeline: engine error",
			"category", ev.Category.String(),
			"error", ev.Message,
			"debug", ev.Debug,
			"frames", c.health.FrameCount(),
			"reconnects", c.health.ReconnectCount(),
		)
		return c.restart(ctx, "engine error")
	}
	return nil
}

// restart tears the current graph down and rebuilds it, waiting the backoff
// delay between attempts. Build/start failures consume further attempts.
// Returns ErrExhausted (wrapped) when the restart budget is spent; returns
// nil on success or when shutdown interrupts the wait.
func (c *Controller) restart(ctx context.Context, reason string) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateRestarting)) {
		// Already restarting, stopping or failed: collapse this request.
		return nil
	}
	// A request queued while we were transitioning would fire a second
	// rebuild right after this one; drop it.
	select {
	case <-c.restartCh:
	default:
	}

	for {
		// Full teardown before any rebuild: the old graph must be silent
		// before a new one can exist.
		c.teardownGraph()

		if max := c.cfg.Resilience.MaxPipelineRestarts; max > 0 && c.health.RestartCount() >= uint32(max) {
			return fmt.Errorf("pipeline: %d restarts attempted: %w", c.health.RestartCount(), ErrExhausted)
		}
		c.health.OnRestart()

		delay := c.backoff.Next()
		slog.Warn("pipeline: restarting graph",
			"reason", reason,
			"attempt", c.health.RestartCount(),
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		g, err := c.builder.Build(c.encoderConfig())
		if err != nil {
			slog.Error("pipeline: graph rebuild failed", "error", err)
			reason = "rebuild failed"
			continue
		}
		if err := g.Start(); err != nil {
			g.Close()
			slog.Error("pipeline: graph start failed", "error", err)
			reason = "start failed"
			continue
		}

		// Reset health only once the rebuilt graph is confirmed running, so
		// a half-started graph is not reported as fresh and healthy.
		c.setGraph(g)
		c.health.Reset()
		c.stabilizing.Store(true)
		c.state.Store(int32(StateRunning))
		slog.Info("pipeline: graph restarted", "restarts", c.health.RestartCount())
		return nil
	}
}

// RequestRestart asks the run loop to rebuild the graph. Returns false when
// the request was dropped because the controller is not running or a rebuild
// is already pending; callers must not retry in a loop.
func (c *Controller) RequestRestart(reason string) bool {
	if c.State() != StateRunning {
		return false
	}
	select {
	case c.restartCh <- reason:
		return true
	default:
		return false
	}
}

// ObserveStabilization restores the backoff base delay once the first frame
// after a restart has been produced. Called from the watchdog tick.
func (c *Controller) ObserveStabilization() {
	if c.stabilizing.Load() && c.health.FrameCount() > 0 {
		if c.stabilizing.CompareAndSwap(true, false) {
			c.backoff.Reset()
			slog.Info("pipeline: stream stabilized, backoff reset")
		}
	}
}

// SetBitrate updates the encoder bitrate at runtime without a rebuild and
// records the values for any future rebuild.
func (c *Controller) SetBitrate(targetKbps, maxKbps uint32) error {
	if targetKbps == 0 || maxKbps == 0 {
		return fmt.Errorf("pipeline: bitrate values must be positive")
	}
	if targetKbps > maxKbps {
		return fmt.Errorf("pipeline: target bitrate %d exceeds max %d", targetKbps, maxKbps)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.encCfg.TargetBitrateKbps = targetKbps
	c.encCfg.MaxBitrateKbps = maxKbps
	if c.graph != nil {
		return c.graph.SetBitrate(targetKbps, maxKbps)
	}
	return nil
}

// Status is the externally visible controller state for the stats API.
type Status struct {
	State               string          `json:"state"`
	TargetBitrateKbps   uint32          `json:"target_bitrate_kbps"`
	MaxBitrateKbps      uint32          `json:"max_bitrate_kbps"`
	BackoffDelaySeconds float64         `json:"current_backoff_delay_seconds"`
	Health              health.Snapshot `json:"health"`
}

// Status reports the current state, bitrate and health snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	enc := c.encCfg
	c.mu.Unlock()

	return Status{
		State:               c.State().String(),
		TargetBitrateKbps:   enc.TargetBitrateKbps,
		MaxBitrateKbps:      enc.MaxBitrateKbps,
		BackoffDelaySeconds: c.backoff.Delay().Seconds(),
		Health:              c.health.Peek(),
	}
}

// Stop tears everything down: cancels the run loop, waits for it to exit,
// then destroys the graph. Idempotent; safe to call from any goroutine and
// at any lifecycle state.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateStopped)))

		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
			<-c.done
		}
		c.teardownGraph()

		if prev != StateStopped {
			slog.Info("pipeline: stopped", "previous_state", prev.String())
		}
	})
}

func (c *Controller) setGraph(g Graph) {
	c.mu.Lock()
	c.graph = g
	c.mu.Unlock()
}

// teardownGraph synchronously destroys the current graph, if any. Safe to
// call repeatedly; Graph.Close is idempotent.
func (c *Controller) teardownGraph() {
	c.mu.Lock()
	g := c.graph
	c.graph = nil
	c.mu.Unlock()

	if g != nil {
		g.Close()
	}
}

func (c *Controller) encoderConfig() config.EncoderConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encCfg
}

func (c *Controller) terminate(err error) {
	c.termErr = err
	c.state.Store(int32(StateFailed))
	c.teardownGraph()
	slog.Error("pipeline: terminal failure", "error", err)
}
