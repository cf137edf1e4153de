// Package health tracks pipeline liveness counters.
//
// The frame-produced hook runs on the media engine's own streaming thread,
// so every update here is a lock-free atomic: the hot path never contends
// with the 1-second polling path. Reads tolerate a one-tick skew between
// fields; no cross-field atomicity is needed.
package health

import (
	"fmt"
	"sync/atomic"
	"time"
)

// monoBase anchors all stored timestamps to the monotonic clock. Durations
// since this point fit comfortably in an int64 of nanoseconds.
var monoBase = time.Now()

func nowNanos() int64 { return int64(time.Since(monoBase)) }

// Tracker accumulates frame and recovery counters.
//
// Reset zeroes the frame epoch on every successful (re)start; the reconnect
// and restart counters deliberately persist for the whole process lifetime.
type Tracker struct {
	frames     atomic.Uint64
	bytes      atomic.Uint64
	reconnects atomic.Uint32
	restarts   atomic.Uint32

	startNanos atomic.Int64 // process start, never reset
	epochNanos atomic.Int64 // last Reset
	lastFrame  atomic.Int64 // 0 = no frame since last Reset

	// marks for fps computation between status reports
	reportFrames atomic.Uint64
	reportNanos  atomic.Int64
}

// NewTracker returns a tracker with the epoch set to now.
func NewTracker() *Tracker {
	t := &Tracker{}
	now := nowNanos()
	t.startNanos.Store(now)
	t.epochNanos.Store(now)
	t.reportNanos.Store(now)
	return t
}

// OnFrame records one produced output unit of n bytes. Hot path.
func (t *Tracker) OnFrame(n int) {
	t.frames.Add(1)
	if n > 0 {
		t.bytes.Add(uint64(n))
	}
	t.lastFrame.Store(nowNanos())
}

// OnError records an observed stream error (distinct from a graph rebuild).
func (t *Tracker) OnError() {
	t.reconnects.Add(1)
}

// OnRestart records a graph rebuild attempt.
func (t *Tracker) OnRestart() {
	t.restarts.Add(1)
}

// Reset zeroes the frame state and starts a new epoch so watchdog math is
// relative to the (re)start, not to process launch. Reconnect and restart
// counters are not touched.
func (t *Tracker) Reset() {
	now := nowNanos()
	t.frames.Store(0)
	t.bytes.Store(0)
	t.lastFrame.Store(0)
	t.epochNanos.Store(now)
	t.reportFrames.Store(0)
	t.reportNanos.Store(now)
}

// FrameCount returns frames produced since the last Reset.
func (t *Tracker) FrameCount() uint64 { return t.frames.Load() }

// BytesOut returns encoded bytes produced since the last Reset.
func (t *Tracker) BytesOut() uint64 { return t.bytes.Load() }

// ReconnectCount returns stream errors observed over the process lifetime.
func (t *Tracker) ReconnectCount() uint32 { return t.reconnects.Load() }

// RestartCount returns graph rebuilds over the process lifetime.
func (t *Tracker) RestartCount() uint32 { return t.restarts.Load() }

// SinceLastFrame returns the elapsed time since the last produced frame.
// Before the first frame of an epoch it is measured from the Reset instead,
// so a stream that is still connecting is not mistaken for a stalled one.
func (t *Tracker) SinceLastFrame() time.Duration {
	last := t.lastFrame.Load()
	if last == 0 {
		last = t.epochNanos.Load()
	}
	return time.Duration(nowNanos() - last)
}

// Uptime returns the time since process start.
func (t *Tracker) Uptime() time.Duration {
	return time.Duration(nowNanos() - t.startNanos.Load())
}

// Snapshot is a point-in-time view of the tracker for reporting.
type Snapshot struct {
	Uptime         time.Duration `json:"-"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	FrameCount     uint64        `json:"frame_count"`
	BytesOut       uint64        `json:"bytes_out"`
	FPS            float64       `json:"fps"`
	SinceLastFrame float64       `json:"seconds_since_last_frame"`
	Reconnects     uint32        `json:"reconnect_count"`
	Restarts       uint32        `json:"restart_count"`
}

// Report derives the current values and advances the fps window: the fps
// figure is averaged since the previous Report call. Call on the reporting
// cadence only.
func (t *Tracker) Report() Snapshot {
	return t.snapshot(true)
}

// Peek derives the current values without advancing the fps window, for
// on-demand reads (API, metrics) between reports.
func (t *Tracker) Peek() Snapshot {
	return t.snapshot(false)
}

func (t *Tracker) snapshot(advance bool) Snapshot {
	now := nowNanos()
	frames := t.frames.Load()

	var prevFrames uint64
	var prevNanos int64
	if advance {
		prevFrames = t.reportFrames.Swap(frames)
		prevNanos = t.reportNanos.Swap(now)
	} else {
		prevFrames = t.reportFrames.Load()
		prevNanos = t.reportNanos.Load()
	}

	var fps float64
	if dt := float64(now-prevNanos) / float64(time.Second); dt > 0 && frames >= prevFrames {
		fps = float64(frames-prevFrames) / dt
	}

	uptime := time.Duration(now - t.startNanos.Load())
	return Snapshot{
		Uptime:         uptime,
		UptimeSeconds:  uptime.Seconds(),
		FrameCount:     frames,
		BytesOut:       t.bytes.Load(),
		FPS:            fps,
		SinceLastFrame: t.SinceLastFrame().Seconds(),
		Reconnects:     t.reconnects.Load(),
		Restarts:       t.restarts.Load(),
	}
}

// String renders the human-readable status line.
func (s Snapshot) String() string {
	return fmt.Sprintf("uptime=%s | frames=%d | fps=%.1f | last_frame=%.1fs ago | reconnects=%d | restarts=%d",
		formatUptime(s.Uptime), s.FrameCount, s.FPS, s.SinceLastFrame, s.Reconnects, s.Restarts)
}

func formatUptime(d time.Duration) string {
	secs := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
