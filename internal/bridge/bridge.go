// Package bridge decouples the always-running encode graph from client
// connections in serve mode.
//
// Philosophy: drop samples, never queue. A slow client misses intermediate
// access units instead of backpressuring the encoder or other clients. Each
// session owns a small bounded mailbox with drop-oldest overflow, so every
// client effectively reads the latest stream at its own pace.
package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sessionDepth is the per-client mailbox capacity. Two to three access
// units absorb scheduling jitter without adding meaningful latency.
const sessionDepth = 3

var (
	// ErrClosed is returned by Session.Next after the session or the bridge
	// has been closed.
	ErrClosed = errors.New("bridge: session closed")
	// ErrTimeout is returned by Session.Next when no sample arrived within
	// the wait budget. The caller is expected to retry.
	ErrTimeout = errors.New("bridge: no sample available")
)

// Sample is one encoded access unit. Data must not be modified after
// Publish; every session receives the same backing slice.
type Sample struct {
	Seq      uint64
	Data     []byte
	Keyframe bool
	At       time.Time
}

// Bridge fans encoded samples out to any number of client sessions.
// The publisher side is non-blocking regardless of client behavior.
type Bridge struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty bridge.
func New() *Bridge {
	return &Bridge{sessions: make(map[string]*Session)}
}

// Publish delivers one access unit to every connected session. Non-blocking:
// a full session mailbox discards its oldest sample first. Safe to call
// from the media engine's streaming thread.
func (b *Bridge) Publish(data []byte, keyframe bool) {
	smp := Sample{
		Seq:      b.seq.Add(1),
		Data:     data,
		Keyframe: keyframe,
		At:       time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, s := range b.sessions {
		s.offer(smp, &b.dropped)
	}
}

// Subscribe registers a new client session. Returns ErrClosed if the bridge
// has been shut down.
func (b *Bridge) Subscribe() (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &Session{
		id:     uuid.New().String(),
		bridge: b,
		ch:     make(chan Sample, sessionDepth),
		done:   make(chan struct{}),
	}
	b.sessions[s.id] = s
	return s, nil
}

// ClientCount returns the number of connected sessions.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Published returns the total samples accepted from the encoder.
func (b *Bridge) Published() uint64 { return b.published.Load() }

// Dropped returns the total samples discarded across all sessions because a
// client could not keep up.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Close ends every session and rejects further publishes and subscriptions.
// Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.sessions {
		s.closeOnce.Do(func() { close(s.done) })
		delete(b.sessions, id)
	}
}

func (b *Bridge) remove(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

// Session is one connected client's view of the stream.
type Session struct {
	id     string
	bridge *Bridge
	ch     chan Sample
	done   chan struct{}

	closeOnce sync.Once
	drops     atomic.Uint64
}

// ID returns the session identifier, used for log correlation.
func (s *Session) ID() string { return s.id }

// Drops returns samples this session lost to mailbox overflow.
func (s *Session) Drops() uint64 { return s.drops.Load() }

// offer places a sample in the mailbox, evicting the oldest entry when full.
// Never blocks.
func (s *Session) offer(smp Sample, bridgeDrops *atomic.Uint64) {
	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.ch <- smp:
			return
		default:
		}
		// Mailbox full: evict the oldest and retry once.
		select {
		case <-s.ch:
			s.drops.Add(1)
			bridgeDrops.Add(1)
		default:
		}
	}
}

// Next returns the next available sample, waiting at most the given timeout.
// Returns ErrTimeout when the wait budget elapses and ErrClosed once the
// session has ended. Single consumer per session.
func (s *Session) Next(timeout time.Duration) (Sample, error) {
	// Drain any buffered sample before honoring close, so a client gets
	// samples that were already delivered.
	select {
	case smp := <-s.ch:
		return smp, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case smp := <-s.ch:
		return smp, nil
	case <-s.done:
		return Sample{}, ErrClosed
	case <-timer.C:
		return Sample{}, ErrTimeout
	}
}

// Close detaches the session from the bridge. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.bridge.remove(s.id)
}
