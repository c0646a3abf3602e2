package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/ggoodman/mcp-sse-bridge/stdio"
	"github.com/ggoodman/mcp-sse-bridge/upstream"
)

// ErrMalformedMessage is returned by HandleMessage for bodies that are not a
// single JSON-RPC message.
var ErrMalformedMessage = stdio.ErrMalformedMessage

// Upstream is the part of *upstream.Connector the Router drives.
type Upstream interface {
	Connect(ctx context.Context) error
	Capabilities() (mcp.InitializeResult, error)
	Tool(ctx context.Context, name string) (*upstream.ToolDescriptor, error)
	Forward(ctx context.Context, req *jsonrpc.Request, timeout time.Duration, done upstream.Completion) (*jsonrpc.RequestID, error)
	Cancel(ctx context.Context, id *jsonrpc.RequestID, reason string) error
	Abandon(ids ...*jsonrpc.RequestID)
	Notify(ctx context.Context, method string, params json.RawMessage) error
	SetNotificationHandler(fn upstream.NotificationHandler)
}

var _ Upstream = (*upstream.Connector)(nil)

type inflight struct {
	sessionID  string
	clientID   *jsonrpc.RequestID
	upstreamID *jsonrpc.RequestID
	method     string
	started    time.Time
}

func inflightKey(sessionID string, id *jsonrpc.RequestID) string {
	return sessionID + "|" + id.Key()
}

// Router correlates session requests with upstream responses.
type Router struct {
	up             Upstream
	reg            *sessions.Registry
	log            *slog.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration

	mu        sync.Mutex
	queues    map[string]*sessionQueue
	inflight  map[string]*inflight
	bySession map[string]map[string]*inflight
}

// NewRouter wires up to reg and installs itself as up's notification
// handler.
func NewRouter(up Upstream, reg *sessions.Registry, opts ...Option) *Router {
	r := &Router{
		up:             up,
		reg:            reg,
		log:            slog.Default(),
		requestTimeout: DefaultRequestTimeout,
		queues:         make(map[string]*sessionQueue),
		inflight:       make(map[string]*inflight),
		bySession:      make(map[string]map[string]*inflight),
	}
	for _, opt := range opts {
		opt(r)
	}
	up.SetNotificationHandler(r.broadcast)
	return r
}

// Sessions exposes the registry backing the router.
func (r *Router) Sessions() *sessions.Registry { return r.reg }

// OpenSession registers a new session and starts connecting the upstream in
// the background so the session's first request does not pay for the spawn.
func (r *Router) OpenSession(ctx context.Context) (*sessions.Session, error) {
	s, err := r.reg.Create(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.queues[s.ID()] = &sessionQueue{}
	r.mu.Unlock()

	go func() {
		ctx := logctx.WithSessionData(context.WithoutCancel(ctx), &logctx.SessionData{SessionID: s.ID()})
		if err := r.up.Connect(ctx); err != nil {
			r.log.WarnContext(ctx, "router.bootstrap.fail", slog.String("err", err.Error()))
		}
	}()
	return s, nil
}

// CloseSession closes the session, drops its queued messages and forgets its
// in-flight requests. The upstream calls keep running without a deadline;
// their answers are dropped on arrival.
func (r *Router) CloseSession(ctx context.Context, sessionID string) {
	r.mu.Lock()
	q := r.queues[sessionID]
	delete(r.queues, sessionID)
	entries := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	abandoned := make([]*jsonrpc.RequestID, 0, len(entries))
	for key, e := range entries {
		delete(r.inflight, key)
		if e.upstreamID != nil {
			abandoned = append(abandoned, e.upstreamID)
		}
	}
	r.mu.Unlock()
	if q != nil {
		q.close()
	}
	r.metrics.InflightAdd(-float64(len(entries)))
	if len(abandoned) > 0 {
		r.up.Abandon(abandoned...)
		r.log.InfoContext(ctx, "router.session.abandon", slog.String("session", sessionID), slog.Int("requests", len(abandoned)))
	}

	r.reg.Close(ctx, sessionID)
}

// Subscribe streams a session's outbound messages to handler.
func (r *Router) Subscribe(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	return r.reg.Subscribe(ctx, sessionID, handler)
}

// Inflight reports forwarded requests that have not been answered.
func (r *Router) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// HandleMessage accepts one message posted by a session and returns as soon
// as it is queued. Errors are returned only for an unknown session or a
// malformed body; every other failure becomes a JSON-RPC error reply on the
// session's stream. Messages from one session are processed in the order
// they were accepted.
func (r *Router) HandleMessage(ctx context.Context, sessionID string, raw []byte) error {
	if _, err := r.reg.Lookup(sessionID); err != nil {
		return err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	msg, err := jsonrpc.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	kind := msg.Type()
	r.metrics.Message("inbound", kind)

	if kind == jsonrpc.KindResponse {
		// The bridge never sends requests to sessions.
		r.metrics.Dropped("client_response")
		r.log.DebugContext(ctx, "router.client_response.dropped")
		return nil
	}

	r.mu.Lock()
	q := r.queues[sessionID]
	r.mu.Unlock()

	// Processing must outlive the HTTP request that delivered the message.
	ctx = context.WithoutCancel(ctx)
	req := msg.AsRequest()
	if q == nil || !q.push(func() { r.process(ctx, sessionID, kind, req) }) {
		return fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, sessionID)
	}
	return nil
}

func (r *Router) process(ctx context.Context, sessionID, kind string, req *jsonrpc.Request) {
	if kind == jsonrpc.KindNotification {
		r.handleNotification(ctx, sessionID, req)
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: kind})
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		r.handleInitialize(ctx, sessionID, req)
	case mcp.PingMethod:
		r.replyResult(ctx, sessionID, req.ID, mcp.EmptyResult{})
	default:
		r.forward(ctx, sessionID, req)
	}
}

func (r *Router) handleNotification(ctx context.Context, sessionID string, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		return
	case mcp.CancelledNotificationMethod:
		r.handleCancelled(ctx, sessionID, req)
		return
	}
	if err := r.up.Notify(context.WithoutCancel(ctx), req.Method, req.Params); err != nil {
		r.log.WarnContext(ctx, "router.notify.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		r.metrics.Dropped("upstream_unavailable")
	}
}

func (r *Router) handleCancelled(ctx context.Context, sessionID string, req *jsonrpc.Request) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
		r.log.DebugContext(ctx, "router.cancel.malformed")
		return
	}
	var clientID jsonrpc.RequestID
	if err := json.Unmarshal(params.RequestID, &clientID); err != nil {
		r.log.DebugContext(ctx, "router.cancel.malformed")
		return
	}

	key := inflightKey(sessionID, &clientID)
	r.mu.Lock()
	e := r.inflight[key]
	if e != nil && e.upstreamID != nil {
		r.removeLocked(key, e)
	} else {
		e = nil
	}
	r.mu.Unlock()
	if e == nil {
		r.log.DebugContext(ctx, "router.cancel.unknown", slog.String("id", clientID.String()))
		return
	}
	r.metrics.InflightAdd(-1)

	if err := r.up.Cancel(context.WithoutCancel(ctx), e.upstreamID, params.Reason); err != nil {
		r.log.WarnContext(ctx, "router.cancel.fail", slog.String("err", err.Error()))
	}
}

func (r *Router) handleInitialize(ctx context.Context, sessionID string, req *jsonrpc.Request) {
	if err := r.up.Connect(ctx); err != nil {
		r.replyError(ctx, sessionID, req.ID, unavailable(err))
		return
	}
	res, err := r.up.Capabilities()
	if err != nil {
		r.replyError(ctx, sessionID, req.ID, unavailable(err))
		return
	}
	r.replyResult(ctx, sessionID, req.ID, res)
}

func (r *Router) forward(ctx context.Context, sessionID string, req *jsonrpc.Request) {
	key := inflightKey(sessionID, req.ID)
	e := &inflight{sessionID: sessionID, clientID: req.ID, method: req.Method, started: time.Now()}

	r.mu.Lock()
	if r.queues[sessionID] == nil {
		r.mu.Unlock()
		r.metrics.Dropped("orphaned")
		r.log.InfoContext(ctx, "router.request.orphaned", slog.String("method", req.Method))
		return
	}
	if _, dup := r.inflight[key]; dup {
		r.mu.Unlock()
		r.replyError(ctx, sessionID, req.ID, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidRequest,
			Message: fmt.Sprintf("request id %s is already in flight", req.ID),
		})
		return
	}
	r.inflight[key] = e
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]*inflight)
	}
	r.bySession[sessionID][key] = e
	r.mu.Unlock()
	r.metrics.InflightAdd(1)

	fail := func(je *jsonrpc.Error) {
		if r.finish(key, e) {
			r.replyError(ctx, sessionID, req.ID, je)
		}
	}

	if err := r.up.Connect(ctx); err != nil {
		fail(unavailable(err))
		return
	}

	if mcp.Method(req.Method) == mcp.ToolsCallMethod {
		if je := r.validateToolCall(ctx, req); je != nil {
			fail(je)
			return
		}
	}

	if !r.live(key, e) {
		// The session closed while the upstream was starting.
		r.metrics.Dropped("orphaned")
		r.log.InfoContext(ctx, "router.request.orphaned", slog.String("method", req.Method))
		return
	}

	upID, err := r.up.Forward(ctx, req, r.requestTimeout, func(resp *jsonrpc.Response, err error) {
		r.complete(ctx, key, e, resp, err)
	})
	if err != nil {
		fail(unavailable(err))
		return
	}

	r.mu.Lock()
	live := r.inflight[key] == e
	if live {
		e.upstreamID = upID
	}
	r.mu.Unlock()
	if !live {
		r.up.Abandon(upID)
	}
	r.log.DebugContext(ctx, "router.forward.ok", slog.String("upstream_id", upID.String()))
}

func (r *Router) validateToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Error {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "tools/call requires a tool name"}
	}
	d, err := r.up.Tool(ctx, params.Name)
	if err != nil {
		// Unknown tools and listing failures are left for the upstream to
		// judge.
		if !errors.Is(err, upstream.ErrToolNotFound) {
			r.log.WarnContext(ctx, "router.tools.lookup.fail", slog.String("tool", params.Name), slog.String("err", err.Error()))
		}
		return nil
	}
	if err := d.Validate(params.Arguments); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// complete runs on the upstream reader goroutine, so responses for one
// session are appended to its stream in the order the upstream sent them.
func (r *Router) complete(ctx context.Context, key string, e *inflight, resp *jsonrpc.Response, err error) {
	if !r.finish(key, e) {
		r.metrics.Dropped("orphaned")
		r.log.InfoContext(ctx, "router.response.orphaned", slog.String("method", e.method))
		return
	}

	var out *jsonrpc.Response
	switch {
	case err == nil:
		out = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Result: resp.Result, Error: resp.Error, ID: e.clientID}
	case errors.Is(err, upstream.ErrTimeout):
		r.log.WarnContext(ctx, "router.request.timeout", slog.String("method", e.method), slog.Duration("elapsed", time.Since(e.started)))
		out = jsonrpc.NewErrorResponse(e.clientID, jsonrpc.ErrorCodeRequestTimeout, fmt.Sprintf("%s timed out", e.method), nil)
	default:
		je := unavailable(err)
		out = jsonrpc.NewErrorResponse(e.clientID, je.Code, je.Message, nil)
	}
	r.deliver(ctx, e.sessionID, out)
}

func (r *Router) live(key string, e *inflight) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[key] == e
}

func (r *Router) finish(key string, e *inflight) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[key] != e {
		return false
	}
	r.removeLocked(key, e)
	r.metrics.InflightAdd(-1)
	return true
}

func (r *Router) removeLocked(key string, e *inflight) {
	delete(r.inflight, key)
	if m := r.bySession[e.sessionID]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(r.bySession, e.sessionID)
		}
	}
}

func (r *Router) broadcast(ctx context.Context, msg *jsonrpc.AnyMessage) {
	b, err := json.Marshal(msg.AsRequest())
	if err != nil {
		r.log.ErrorContext(ctx, "router.broadcast.encode.fail", slog.String("err", err.Error()))
		return
	}
	n := r.reg.Broadcast(ctx, b)
	r.metrics.Message("outbound", jsonrpc.KindNotification)
	r.log.DebugContext(ctx, "router.broadcast.ok", slog.String("method", msg.Method), slog.Int("sessions", n))
}

func (r *Router) replyResult(ctx context.Context, sessionID string, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	r.deliver(ctx, sessionID, resp)
}

func (r *Router) replyError(ctx context.Context, sessionID string, id *jsonrpc.RequestID, je *jsonrpc.Error) {
	r.deliver(ctx, sessionID, jsonrpc.NewErrorResponse(id, je.Code, je.Message, je.Data))
}

func (r *Router) deliver(ctx context.Context, sessionID string, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		r.log.ErrorContext(ctx, "router.deliver.encode.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := r.reg.Deliver(ctx, sessionID, b); err != nil {
		r.metrics.Dropped("orphaned")
		if errors.Is(err, sessions.ErrSessionNotFound) {
			r.log.InfoContext(ctx, "router.response.orphaned", slog.String("session", sessionID))
			return
		}
		r.log.WarnContext(ctx, "router.deliver.fail", slog.String("err", err.Error()))
		return
	}
	r.metrics.Message("outbound", jsonrpc.KindResponse)
}

// unavailable maps a connect or forward failure onto the error object sent
// to the session.
func unavailable(err error) *jsonrpc.Error {
	msg := err.Error()
	if !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		msg = fmt.Sprintf("%s: %s", upstream.ErrUpstreamUnavailable, msg)
	}
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeUpstreamUnavailable, Message: msg}
}
