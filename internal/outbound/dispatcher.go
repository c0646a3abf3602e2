// Package outbound tracks JSON-RPC requests the bridge has written to the
// wrapped server and correlates the server's responses back to whoever is
// waiting on them.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

// Transport abstracts how requests and cancellations reach the peer.
type Transport interface {
	// SendRequest writes the request, whose id has already been allocated by
	// the dispatcher and registered as pending.
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits notifications/cancelled for the given id.
	SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrTimeout indicates a pending request outlived its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrDuplicateRequestID indicates an id is already pending.
	ErrDuplicateRequestID = errors.New("duplicate request id")
)

// Completion receives exactly one of a response or an error. Completions for
// responses run on the goroutine that called OnResponse.
type Completion func(resp *jsonrpc.Response, err error)

type pendingCall struct {
	method string
	done   Completion
	timer  *time.Timer
}

// Dispatcher coordinates requests sent to the peer with correlation, deadlines
// and response routing. It is transport-agnostic.
type Dispatcher struct {
	t         Transport
	counter   *atomic.Uint64
	onTimeout func(method string)

	mu       sync.Mutex
	pending  map[string]*pendingCall // id.Key() -> call
	closed   bool
	closeErr error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithCounter shares the id sequence with other dispatchers so ids stay
// unique across reconnects.
func WithCounter(c *atomic.Uint64) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.counter = c
		}
	}
}

// WithTimeoutHook registers a callback invoked whenever a pending request
// expires.
func WithTimeoutHook(fn func(method string)) Option {
	return func(d *Dispatcher) {
		d.onTimeout = fn
	}
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{t: t, counter: new(atomic.Uint64), pending: make(map[string]*pendingCall)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call sends a JSON-RPC request and waits for a response or context
// cancellation. Cancellation sends notifications/cancelled to the peer.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp *jsonrpc.Response
		err  error
	}
	ch := make(chan result, 1)

	id, err := d.Start(ctx, req, 0, func(resp *jsonrpc.Response, err error) {
		ch <- result{resp: resp, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		if d.Abandon(id) {
			_ = d.t.SendCancelled(context.Background(), id, ctx.Err().Error())
		}
		return nil, ctx.Err()
	}
}

// Start allocates a fresh id for req, registers done and writes the request.
// The caller's request is not modified. A positive timeout arms a deadline
// that completes the call with ErrTimeout and cancels it on the peer. If the
// write fails the registration is removed and done is never invoked.
func (d *Dispatcher) Start(ctx context.Context, req *jsonrpc.Request, timeout time.Duration, done Completion) (*jsonrpc.RequestID, error) {
	id := jsonrpc.NewRequestID(d.counter.Add(1))
	key := id.Key()

	out := *req
	out.JSONRPCVersion = jsonrpc.ProtocolVersion
	out.ID = id

	pc := &pendingCall{method: req.Method, done: done}

	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return nil, err
	}
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, id.String())
	}
	d.pending[key] = pc
	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() { d.expire(id) })
	}
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, id, &out); err != nil {
		d.Abandon(id)
		return nil, err
	}
	return id, nil
}

func (d *Dispatcher) expire(id *jsonrpc.RequestID) {
	pc := d.take(id.Key())
	if pc == nil {
		return
	}
	if d.onTimeout != nil {
		d.onTimeout(pc.method)
	}
	_ = d.t.SendCancelled(context.Background(), id, "timeout")
	pc.done(nil, ErrTimeout)
}

func (d *Dispatcher) take(key string) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[key]
	if !ok {
		return nil
	}
	delete(d.pending, key)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

// OnResponse delivers an incoming response to the pending call with the same
// id. It reports false when no call matched.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	pc := d.take(resp.ID.Key())
	if pc == nil {
		return false
	}
	pc.done(resp, nil)
	return true
}

// Abandon forgets a pending call without completing it. A response that
// arrives later is treated as unmatched.
func (d *Dispatcher) Abandon(id *jsonrpc.RequestID) bool {
	if id.IsNil() {
		return false
	}
	return d.take(id.Key()) != nil
}

// Len reports the number of pending calls.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and rejects new ones.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done(nil, err)
	}
}
