package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/backoff"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/health"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGraph is an instrumented stand-in for an engine graph. Tests inject
// failures through startErr and asynchronous events through Emit.
type fakeGraph struct {
	builder  *fakeBuilder
	events   chan pipeline.Event
	startErr error

	started   atomic.Bool
	closeOnce sync.Once

	mu           sync.Mutex
	closed       bool
	bitrateCalls [][2]uint32
}

func (g *fakeGraph) Start() error {
	if g.startErr != nil {
		return g.startErr
	}
	g.started.Store(true)
	n := g.builder.live.Add(1)
	for {
		max := g.builder.maxLive.Load()
		if n <= max || g.builder.maxLive.CompareAndSwap(max, n) {
			break
		}
	}
	return nil
}

func (g *fakeGraph) Close() {
	g.closeOnce.Do(func() {
		if g.started.Load() {
			g.builder.live.Add(-1)
		}
		g.mu.Lock()
		g.closed = true
		close(g.events)
		g.mu.Unlock()
	})
}

func (g *fakeGraph) Events() <-chan pipeline.Event { return g.events }

func (g *fakeGraph) SetBitrate(target, max uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bitrateCalls = append(g.bitrateCalls, [2]uint32{target, max})
	return nil
}

// Emit delivers an event as the engine bus would. Events raced against a
// teardown are silently dropped, like a real bus going quiet.
func (g *fakeGraph) Emit(ev pipeline.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	select {
	case g.events <- ev:
	default:
	}
}

// fakeBuilder hands out fakeGraphs and records how many were ever live at
// the same time.
type fakeBuilder struct {
	mu     sync.Mutex
	calls  int
	graphs []*fakeGraph

	// buildErr, when set, is consulted per build (1-based call number).
	buildErr func(call int) error

	live    atomic.Int32
	maxLive atomic.Int32
}

func (b *fakeBuilder) Build(enc config.EncoderConfig) (pipeline.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.buildErr != nil {
		if err := b.buildErr(b.calls); err != nil {
			return nil, err
		}
	}
	g := &fakeGraph{builder: b, events: make(chan pipeline.Event, 4)}
	b.graphs = append(b.graphs, g)
	return g, nil
}

func (b *fakeBuilder) builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.graphs)
}

func (b *fakeBuilder) graph(i int) *fakeGraph {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.graphs[i]
}

func (b *fakeBuilder) latest() *fakeGraph {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.graphs[len(b.graphs)-1]
}

func testController(t *testing.T, maxRestarts int) (*pipeline.Controller, *fakeBuilder, *health.Tracker) {
	t.Helper()
	cfg := config.Default()
	cfg.Resilience.MaxPipelineRestarts = maxRestarts

	b := &fakeBuilder{}
	tracker := health.NewTracker()
	policy := backoff.NewWithCeiling(time.Millisecond, 4*time.Millisecond)
	ctrl := pipeline.New(cfg, b, tracker, policy)
	t.Cleanup(ctrl.Stop)
	return ctrl, b, tracker
}

func waitState(t *testing.T, ctrl *pipeline.Controller, want pipeline.State) {
	t.Helper()
	require.Eventually(t, func() bool { return ctrl.State() == want },
		2*time.Second, time.Millisecond, "state never reached %s (now %s)", want, ctrl.State())
}

func TestStartRuns(t *testing.T) {
	ctrl, b, _ := testController(t, 0)

	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, pipeline.StateRunning, ctrl.State())
	assert.Equal(t, 1, b.builds())
	assert.True(t, b.graph(0).started.Load())

	require.Error(t, ctrl.Start(context.Background()), "second Start must be rejected")
}

func TestStartBuildFailureIsFatal(t *testing.T) {
	ctrl, b, _ := testController(t, 0)
	b.buildErr = func(int) error { return errors.New("no such element") }

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.StateFailed, ctrl.State())
}

func TestErrorEventRebuildsGraph(t *testing.T) {
	ctrl, b, tracker := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	b.graph(0).Emit(pipeline.Event{Kind: pipeline.EventError, Message: "connection refused"})

	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, ctrl, pipeline.StateRunning)

	assert.Equal(t, uint32(1), tracker.ReconnectCount())
	assert.Equal(t, uint32(1), tracker.RestartCount())
	assert.True(t, b.latest().started.Load())
}

func TestEOSTreatedLikeError(t *testing.T) {
	ctrl, b, tracker := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	b.graph(0).Emit(pipeline.Event{Kind: pipeline.EventEOS})

	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, ctrl, pipeline.StateRunning)
	assert.Equal(t, uint32(1), tracker.ReconnectCount())
}

// Old graphs must be fully torn down before replacements start: at no point
// may two graphs be live at once.
func TestNoOverlappingGraphs(t *testing.T) {
	ctrl, b, _ := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	for i := 0; i < 5; i++ {
		builds := b.builds()
		waitState(t, ctrl, pipeline.StateRunning)
		b.latest().Emit(pipeline.Event{Kind: pipeline.EventError, Message: "timeout"})
		require.Eventually(t, func() bool { return b.builds() > builds }, 2*time.Second, time.Millisecond)
	}
	waitState(t, ctrl, pipeline.StateRunning)

	assert.Equal(t, int32(1), b.maxLive.Load())
}

func TestRestartBudgetExhaustion(t *testing.T) {
	ctrl, b, _ := testController(t, 2)
	require.NoError(t, ctrl.Start(context.Background()))

	// Every running graph is killed immediately; two rebuilds are allowed,
	// the third attempt hits the budget and fails terminally.
	killer := make(chan struct{})
	go func() {
		defer close(killer)
		for {
			select {
			case <-ctrl.Done():
				return
			default:
			}
			if ctrl.State() == pipeline.StateRunning {
				b.latest().Emit(pipeline.Event{Kind: pipeline.EventError, Message: "timeout"})
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-ctrl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("controller never terminated")
	}
	<-killer

	assert.ErrorIs(t, ctrl.Err(), pipeline.ErrExhausted)
	assert.Equal(t, pipeline.StateFailed, ctrl.State())
	assert.Equal(t, 3, b.builds(), "initial build plus two rebuilds")
}

func TestRebuildFailureConsumesAttempts(t *testing.T) {
	ctrl, b, tracker := testController(t, 0)
	// Build 2 (the first rebuild) fails; build 3 succeeds.
	b.buildErr = func(call int) error {
		if call == 2 {
			return errors.New("transient build failure")
		}
		return nil
	}
	require.NoError(t, ctrl.Start(context.Background()))

	b.graph(0).Emit(pipeline.Event{Kind: pipeline.EventError, Message: "timeout"})

	waitState(t, ctrl, pipeline.StateRunning)
	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint32(2), tracker.RestartCount(), "failed rebuild consumed an attempt")
}

func TestRequestRestartOnlyWhenRunning(t *testing.T) {
	ctrl, b, _ := testController(t, 0)

	assert.False(t, ctrl.RequestRestart("too early"))

	require.NoError(t, ctrl.Start(context.Background()))
	assert.True(t, ctrl.RequestRestart("stall"))

	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, ctrl, pipeline.StateRunning)

	ctrl.Stop()
	assert.False(t, ctrl.RequestRestart("after stop"))
}

// Concurrent restart requests collapse into one rebuild: the channel holds
// one pending reason and restart() drains stragglers before rebuilding.
func TestRestartRequestsCollapse(t *testing.T) {
	ctrl, b, tracker := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	first := ctrl.RequestRestart("stall")
	second := ctrl.RequestRestart("stall again")
	assert.True(t, first)

	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, ctrl, pipeline.StateRunning)

	// Allow any spurious second rebuild to surface before asserting.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, b.builds(), "second request (accepted=%v) must not cause another rebuild", second)
	assert.Equal(t, uint32(1), tracker.RestartCount())
}

// End-to-end stall path: frames stop flowing, the watchdog notices and the
// controller rebuilds the graph. Uses the real 1s watchdog tick, so this
// test takes a few seconds.
func TestWatchdogStallTriggersRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second watchdog timing test")
	}

	cfg := config.Default()
	cfg.Resilience.WatchdogTimeoutS = 1
	cfg.Stats.Enabled = false

	b := &fakeBuilder{}
	tracker := health.NewTracker()
	policy := backoff.NewWithCeiling(time.Millisecond, 4*time.Millisecond)
	ctrl := pipeline.New(cfg, b, tracker, policy)
	t.Cleanup(ctrl.Stop)

	require.NoError(t, ctrl.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dogDone := make(chan struct{})
	go func() {
		defer close(dogDone)
		_ = pipeline.NewWatchdog(cfg, ctrl, tracker).Run(ctx)
	}()

	// One frame, then silence: the stream is live and must be declared
	// stalled once the timeout passes.
	tracker.OnFrame(100)

	require.Eventually(t, func() bool { return b.builds() >= 2 },
		10*time.Second, 50*time.Millisecond, "watchdog never triggered a rebuild")
	waitState(t, ctrl, pipeline.StateRunning)

	cancel()
	<-dogDone
}

func TestObserveStabilizationResetsBackoff(t *testing.T) {
	cfg := config.Default()
	b := &fakeBuilder{}
	tracker := health.NewTracker()
	policy := backoff.NewWithCeiling(time.Millisecond, 8*time.Millisecond)
	ctrl := pipeline.New(cfg, b, tracker, policy)
	t.Cleanup(ctrl.Stop)

	require.NoError(t, ctrl.Start(context.Background()))
	b.graph(0).Emit(pipeline.Event{Kind: pipeline.EventError, Message: "timeout"})
	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, ctrl, pipeline.StateRunning)

	require.Greater(t, policy.Delay(), time.Millisecond, "backoff grew during the restart")

	// No frame yet: stabilization must not trigger.
	ctrl.ObserveStabilization()
	assert.Greater(t, policy.Delay(), time.Millisecond)

	tracker.OnFrame(100)
	ctrl.ObserveStabilization()
	assert.Equal(t, time.Millisecond, policy.Delay())
}

func TestSetBitrate(t *testing.T) {
	ctrl, b, _ := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.SetBitrate(1200, 1500))

	g := b.graph(0)
	g.mu.Lock()
	calls := g.bitrateCalls
	g.mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, [2]uint32{1200, 1500}, calls[0])

	st := ctrl.Status()
	assert.Equal(t, uint32(1200), st.TargetBitrateKbps)
	assert.Equal(t, uint32(1500), st.MaxBitrateKbps)

	assert.Error(t, ctrl.SetBitrate(0, 1500))
	assert.Error(t, ctrl.SetBitrate(2000, 1500))
}

func TestStopIsIdempotent(t *testing.T) {
	ctrl, b, _ := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	ctrl.Stop()
	ctrl.Stop()

	assert.Equal(t, pipeline.StateStopped, ctrl.State())
	assert.NoError(t, ctrl.Err())

	select {
	case <-ctrl.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
	// The graph was torn down exactly once and is no longer live.
	assert.Equal(t, int32(0), b.live.Load())
}

func TestStatusReflectsHealth(t *testing.T) {
	ctrl, _, tracker := testController(t, 0)
	require.NoError(t, ctrl.Start(context.Background()))

	tracker.OnFrame(500)
	tracker.OnFrame(700)

	st := ctrl.Status()
	assert.Equal(t, "running", st.State)
	assert.Equal(t, uint64(2), st.Health.FrameCount)
	assert.Equal(t, uint64(1200), st.Health.BytesOut)
}
