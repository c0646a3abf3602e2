package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for ids that were never issued or have been
// closed.
var ErrSessionNotFound = errors.New("session not found")

const maxIDAttempts = 8

// Session is one attached browser.
type Session struct {
	id        string
	createdAt time.Time
	lastSeen  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// ID returns the opaque session token.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the last time the session was looked up or written to.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// Registry tracks live sessions.
type Registry struct {
	host    SessionHost
	log     *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records session counts.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator overrides uuid.NewString.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRegistry returns an empty registry whose streams live in host.
func NewRegistry(host SessionHost, opts ...RegistryOption) *Registry {
	r := &Registry{
		host:     host,
		log:      slog.Default(),
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a session id not held by any live session.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		if _, taken := r.sessions[id]; taken || id == "" {
			continue
		}
		sctx, cancel := context.WithCancel(context.Background())
		s := &Session{id: id, createdAt: time.Now(), ctx: sctx, cancel: cancel}
		s.touch()
		r.sessions[id] = s
		r.metrics.SessionOpened()
		r.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id}), "session.create.ok")
		return s, nil
	}
	return nil, fmt.Errorf("could not allocate a unique session id after %d attempts", maxIDAttempts)
}

// Lookup returns the live session with id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.touch()
	return s, nil
}

// Close removes the session and deletes its stream. It reports whether a
// live session was closed; closing an unknown or closed id is a no-op.
func (r *Registry) Close(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	r.metrics.SessionClosed()
	lctx := logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})
	if err := r.host.CleanupSession(context.WithoutCancel(ctx), id); err != nil {
		r.log.WarnContext(lctx, "session.cleanup.fail", slog.String("err", err.Error()))
	}
	r.log.InfoContext(lctx, "session.close.ok", slog.Duration("age", time.Since(s.createdAt)))
	return true
}

// CloseAll closes every live session.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, id := range r.IDs() {
		r.Close(ctx, id)
	}
}

// Deliver appends msg to one session's stream.
func (r *Registry) Deliver(ctx context.Context, id string, msg []byte) (string, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return r.publish(ctx, s, msg)
}

func (r *Registry) publish(ctx context.Context, s *Session, msg []byte) (string, error) {
	// Holding the read lock keeps Close from cleaning the stream up between
	// the liveness check and the append.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}
	return r.host.PublishSession(ctx, s.id, msg)
}

// Broadcast appends msg to every live session's stream and returns how many
// sessions accepted it.
func (r *Registry) Broadcast(ctx context.Context, msg []byte) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if _, err := r.publish(ctx, s, msg); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				r.log.WarnContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id}), "session.broadcast.fail", slog.String("err", err.Error()))
			}
			continue
		}
		n++
	}
	return n
}

// Subscribe consumes a session's stream until ctx ends, the session closes,
// or handler fails.
func (r *Registry) Subscribe(ctx context.Context, id string, handler MessageHandlerFunction) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err = r.host.SubscribeSession(subCtx, id, func(ctx context.Context, msgID string, msg []byte) error {
		s.touch()
		return handler(ctx, msgID, msg)
	})
	if s.ctx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
