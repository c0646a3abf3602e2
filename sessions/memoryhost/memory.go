package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-sse-bridge/sessions"
)

// DefaultMaxPending bounds how many undelivered messages a session keeps
// while no subscriber is draining it. Past that the oldest are dropped.
const DefaultMaxPending = 256

type message struct {
	id   string
	data []byte
}

type stream struct {
	mu       sync.Mutex
	pending  []message
	first    int64         // absolute index of pending[0]
	wake     chan struct{} // closed and replaced on every publish
	gone     chan struct{} // closed by CleanupSession
	goneOnce sync.Once
}

func newStream() *stream {
	return &stream{wake: make(chan struct{}), gone: make(chan struct{})}
}

// dropThroughLocked removes every message up to and including absolute
// index idx.
func (st *stream) dropThroughLocked(idx int64) {
	n := int(idx - st.first + 1)
	if n <= 0 {
		return
	}
	if n > len(st.pending) {
		n = len(st.pending)
	}
	clear(st.pending[:n])
	st.pending = st.pending[n:]
	st.first += int64(n)
	if len(st.pending) == 0 {
		st.pending = nil
	}
}

// Host is a process-local SessionHost.
type Host struct {
	maxPending int
	counter    atomic.Int64

	mu      sync.Mutex
	streams map[string]*stream
}

// Option customizes a Host.
type Option func(*Host)

// WithMaxPending overrides DefaultMaxPending.
func WithMaxPending(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxPending = n
		}
	}
}

// New returns an empty host.
func New(opts ...Option) *Host {
	h := &Host{maxPending: DefaultMaxPending, streams: make(map[string]*stream)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) stream(sessionID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = newStream()
		h.streams[sessionID] = st
	}
	return st
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	st := h.stream(sessionID)
	id := strconv.FormatInt(h.counter.Add(1), 10)

	st.mu.Lock()
	st.pending = append(st.pending, message{id: id, data: append([]byte(nil), data...)})
	if over := len(st.pending) - h.maxPending; over > 0 {
		st.dropThroughLocked(st.first + int64(over) - 1)
	}
	close(st.wake)
	st.wake = make(chan struct{})
	st.mu.Unlock()
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	st := h.stream(sessionID)

	for {
		st.mu.Lock()
		base := st.first
		batch := append([]message(nil), st.pending...)
		wake := st.wake
		st.mu.Unlock()

		for i, m := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			st.mu.Lock()
			st.dropThroughLocked(base + int64(i))
			st.mu.Unlock()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.gone:
			return nil
		case <-wake:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	h.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.pending = nil
		st.mu.Unlock()
		st.goneOnce.Do(func() { close(st.gone) })
	}
	return nil
}

var _ sessions.SessionHost = (*Host)(nil)
