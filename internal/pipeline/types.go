// Package pipeline owns the lifecycle of the re-encode graph: start, stop,
// stall detection and error-triggered rebuilds with exponential backoff.
//
// The controller is the single writer for all graph transitions. Watchdog
// ticks and asynchronous engine events can both request a restart, but the
// requests funnel into one run loop; concurrent requests collapse into a
// single in-flight rebuild.
package pipeline

import (
	"strings"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
)

// State is the controller's lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind identifies an asynchronous notification from the graph.
type EventKind int

const (
	// EventError reports a pipeline error; the controller rebuilds the graph.
	EventError EventKind = iota
	// EventEOS reports end-of-stream from the source; treated like an error.
	EventEOS
	// EventStateChanged reports an engine state transition, for logging only.
	EventStateChanged
)

// Event is a typed notification posted by the graph's bus watcher. The
// engine's internal thread writes these to a channel consumed exclusively by
// the controller's run loop, so controller state is never mutated from a
// foreign callback context.
type Event struct {
	Kind     EventKind
	Category ErrorCategory // set for EventError
	Message  string
	Debug    string
	From, To string // set for EventStateChanged
}

// Graph is one built instance of the ingest→transform→egress chain. At most
// one graph is live at any time; Close must complete before a new one is
// built.
type Graph interface {
	// Start transitions the graph to its running state.
	Start() error
	// Close tears the graph down synchronously: engine stopped, bus watcher
	// joined, event channel closed. Idempotent.
	Close()
	// Events returns the graph's notification channel. Closed by Close.
	Events() <-chan Event
	// SetBitrate updates the encoder bitrate without a rebuild.
	SetBitrate(targetKbps, maxKbps uint32) error
}

// Builder constructs graphs. Build is pure with respect to the controller:
// it either returns a fully wired, not-yet-running graph or an error with
// nothing leaked.
type Builder interface {
	Build(enc config.EncoderConfig) (Graph, error)
}

// ErrorCategory classifies engine errors for logging and telemetry.
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes an engine error message plus its debug detail.
// Classification is heuristic: the engine does not expose error domains
// through the binding, so keyword matching is the practical option.
func ClassifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg) + " " + strings.ToLower(debug)

	// Auth first: most specific, and auth failures also mention the
	// connection.
	for _, kw := range []string{
		"unauthorized", "401", "403", "forbidden", "authentication",
		"credentials", "password", "username",
	} {
		if strings.Contains(combined, kw) {
			return ErrCategoryAuth
		}
	}
	for _, kw := range []string{
		"codec", "decode", "encode", "format", "negotiat", "caps",
		"h264", "h265", "no decoder", "missing plugin",
	} {
		if strings.Contains(combined, kw) {
			return ErrCategoryCodec
		}
	}
	for _, kw := range []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "not found", "could not connect",
		"failed to connect",
	} {
		if strings.Contains(combined, kw) {
			return ErrCategoryNetwork
		}
	}
	return ErrCategoryUnknown
}
