package gstpipe

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/pipeline"
)

// busPollInterval bounds how long Close waits for the bus watcher to
// notice the stop signal.
const busPollInterval = 50 * time.Millisecond

// Graph is a built engine graph. It implements pipeline.Graph: Start moves
// the graph to PLAYING and begins translating bus messages into events,
// Close tears everything down and closes the event channel.
type Graph struct {
	pipeline *gst.Pipeline
	enc      *encoder

	events  chan pipeline.Event
	stop    chan struct{}
	watched chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
}

// Start moves the graph to PLAYING and launches the bus watcher. Errors
// after this point arrive on Events.
func (g *Graph) Start() error {
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to PLAYING: %w", err)
	}
	g.started.Store(true)
	go g.watchBus()
	return nil
}

// Events returns the bus event stream. The channel is closed by Close.
func (g *Graph) Events() <-chan pipeline.Event {
	return g.events
}

// SetBitrate retunes the running encoder in place.
func (g *Graph) SetBitrate(targetKbps, maxKbps uint32) error {
	return g.enc.setBitrate(targetKbps, maxKbps)
}

// Close stops the bus watcher, drops the graph to NULL and closes the
// event channel. Safe to call more than once and safe after a failed Start.
func (g *Graph) Close() {
	g.closeOnce.Do(func() {
		close(g.stop)
		if g.started.Load() {
			<-g.watched
		}
		if err := g.pipeline.SetState(gst.StateNull); err != nil {
			slog.Warn("gstpipe: failed to set pipeline to NULL", "error", err)
		}
		close(g.events)
	})
}

// watchBus polls the engine bus and translates messages into typed events
// until the stop signal. Polling with a short timeout keeps shutdown
// latency bounded without a GLib main loop.
func (g *Graph) watchBus() {
	defer close(g.watched)
	bus := g.pipeline.GetPipelineBus()

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			g.post(pipeline.Event{
				Kind:    pipeline.EventEOS,
				Message: "end of stream",
			})

		case gst.MessageError:
			gerr := msg.ParseError()
			category := pipeline.ClassifyError(gerr.Error(), gerr.DebugString())
			slog.Error("gstpipe: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			g.post(pipeline.Event{
				Kind:     pipeline.EventError,
				Category: category,
				Message:  gerr.Error(),
				Debug:    gerr.DebugString(),
			})

		case gst.MessageStateChanged:
			if msg.Source() != g.pipeline.GetName() {
				continue
			}
			old, next := msg.ParseStateChanged()
			slog.Debug("gstpipe: pipeline state changed",
				"from", stateName(old),
				"to", stateName(next),
			)
			g.post(pipeline.Event{
				Kind: pipeline.EventStateChanged,
				From: stateName(old),
				To:   stateName(next),
			})
		}
	}
}

// post delivers an event unless the graph is stopping. Never blocks past
// Close, so the watcher cannot leak on teardown.
func (g *Graph) post(ev pipeline.Event) {
	select {
	case g.events <- ev:
	case <-g.stop:
	}
}

func stateName(s gst.State) string {
	switch s {
	case gst.StateNull:
		return "NULL"
	case gst.StateReady:
		return "READY"
	case gst.StatePaused:
		return "PAUSED"
	case gst.StatePlaying:
		return "PLAYING"
	default:
		return "VOID_PENDING"
	}
}
