package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
	"github.com/ggoodman/mcp-sse-bridge/internal/outbound"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/stdio"
	"github.com/ggoodman/mcp-sse-bridge/storage"
	"golang.org/x/sync/singleflight"
)

// NotificationHandler receives notifications sent by the child. It runs on
// the child's reader goroutine.
type NotificationHandler func(ctx context.Context, msg *jsonrpc.AnyMessage)

// Completion receives the upstream's answer to a forwarded request.
type Completion = outbound.Completion

const toolsCacheKey = "tools"

// Connector owns the upstream child process.
type Connector struct {
	launcher         Launcher
	log              *slog.Logger
	metrics          *metrics.Metrics
	clientInfo       mcp.ImplementationInfo
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	killGrace        time.Duration
	maxLine          int
	onNotify         NotificationHandler

	cache    storage.Storage
	cacheNS  string
	toolsTTL time.Duration

	ids atomic.Uint64
	sf  singleflight.Group

	mu      sync.Mutex
	state   State
	peer    *peer
	lastErr error
	closed  bool

	toolsMu  sync.Mutex
	toolsRaw []byte
	tools    []*ToolDescriptor
}

type peer struct {
	proc Process
	conn *stdio.Conn
	disp *outbound.Dispatcher
	ctx  context.Context
	init mcp.InitializeResult
	done chan struct{}
	// dead is set under Connector.mu once run has seen the child exit, which
	// can happen before done is closed.
	dead bool
}

// exitedLocked must be called with Connector.mu held.
func (p *peer) exitedLocked() bool {
	if p.dead {
		return true
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// NewConnector constructs a Connector in the Disconnected state. Nothing is
// launched until Connect.
func NewConnector(l Launcher, opts ...Option) *Connector {
	c := &Connector{
		launcher:         l,
		log:              slog.Default(),
		clientInfo:       mcp.ImplementationInfo{Name: "mcp-sse-bridge", Version: "0.1.0"},
		handshakeTimeout: defaultHandshakeTimeout,
		killGrace:        defaultKillGrace,
		maxLine:          stdio.DefaultMaxLineSize,
		cacheNS:          "upstream",
		toolsTTL:         defaultToolsTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.SetUpstreamState(StateDisconnected.String(), stateNames)
	return c
}

// SetNotificationHandler replaces the notification handler.
func (c *Connector) SetNotificationHandler(fn NotificationHandler) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error behind the most recent Failed transition.
func (c *Connector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connector) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.SetUpstreamState(s.String(), stateNames)
}

// Connect launches the child and completes the initialize handshake unless
// the connector is already Ready. Concurrent callers share a single attempt;
// a caller whose ctx ends stops waiting but does not abort the attempt.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateReady:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.sf.DoChan("connect", func() (any, error) {
		return nil, c.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.log.InfoContext(ctx, "upstream.connect.start", slog.String("launcher", fmt.Sprint(c.launcher)))
	p, err := c.launch(ctx)

	c.mu.Lock()
	if err == nil && p.exitedLocked() {
		err = fmt.Errorf("%w: exited during handshake", ErrUpstreamUnavailable)
	}
	if err == nil && c.closed {
		err = ErrClosed
		defer func() { _ = p.proc.Kill() }()
	}
	if err != nil {
		c.lastErr = err
		if !c.closed {
			c.setStateLocked(StateFailed)
		}
		c.mu.Unlock()
		c.log.ErrorContext(ctx, "upstream.connect.fail", slog.String("err", err.Error()))
		return err
	}
	c.peer = p
	c.lastErr = nil
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	c.invalidateTools(ctx)
	c.log.InfoContext(p.ctx, "upstream.connect.ok",
		slog.String("protocol_version", p.init.ProtocolVersion),
		slog.String("server_name", p.init.ServerInfo.Name),
		slog.String("server_version", p.init.ServerInfo.Version),
	)
	return nil
}

func (c *Connector) launch(ctx context.Context) (*peer, error) {
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	stderr := &stderrLogger{log: c.log}
	proc, err := c.launcher.Launch(hctx, stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: launch: %v", ErrUpstreamUnavailable, err)
	}
	c.metrics.UpstreamLaunched()

	pctx := logctx.WithUpstreamData(context.WithoutCancel(ctx), &logctx.UpstreamData{
		Command: fmt.Sprint(c.launcher),
		PID:     proc.PID(),
	})
	stderr.setContext(pctx)

	conn := stdio.NewConn(
		stdio.WithIO(proc.Stdout(), proc.Stdin()),
		stdio.WithLogger(c.log),
		stdio.WithMaxLineSize(c.maxLine),
	)
	p := &peer{
		proc: proc,
		conn: conn,
		ctx:  pctx,
		done: make(chan struct{}),
	}
	p.disp = outbound.New(stdio.Transport{Conn: conn},
		outbound.WithCounter(&c.ids),
		outbound.WithTimeoutHook(c.metrics.Timeout),
	)
	go c.run(p)

	if err := c.handshake(hctx, p); err != nil {
		_ = proc.Kill()
		<-p.done
		return nil, fmt.Errorf("%w: handshake: %v", ErrUpstreamUnavailable, err)
	}
	return p, nil
}

func (c *Connector) handshake(ctx context.Context, p *peer) error {
	resp, err := p.disp.Call(ctx, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      c.clientInfo,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return rpcError(string(mcp.InitializeMethod), resp.Error)
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if len(res.Capabilities) == 0 || bytes.Equal(res.Capabilities, []byte("null")) {
		res.Capabilities = json.RawMessage(`{}`)
	}
	p.init = res

	n, err := jsonrpc.NewRequest(nil, string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		return err
	}
	return p.conn.Write(n)
}

// run reads the child's stdout until it closes, then reaps the process and
// fails whatever was still in flight.
func (c *Connector) run(p *peer) {
	defer close(p.done)

	readErr := p.conn.Serve(p.ctx, func(ctx context.Context, msg *jsonrpc.AnyMessage) {
		c.handleMessage(ctx, p, msg)
	})
	_ = p.proc.Kill()
	waitErr := p.proc.Wait()

	cause := errors.New("process exited")
	switch {
	case readErr != nil:
		cause = readErr
	case waitErr != nil:
		cause = waitErr
	}
	c.fail(p, cause)
}

func (c *Connector) fail(p *peer, cause error) {
	c.mu.Lock()
	p.dead = true
	current := c.peer == p
	if current {
		c.peer = nil
		c.lastErr = cause
		if c.closed {
			c.setStateLocked(StateDisconnected)
		} else {
			c.setStateLocked(StateFailed)
		}
	}
	c.mu.Unlock()

	pending := p.disp.Len()
	p.disp.Close(fmt.Errorf("%w: %v", ErrUpstreamUnavailable, cause))
	if current {
		c.invalidateTools(p.ctx)
		c.log.WarnContext(p.ctx, "upstream.exit", slog.String("err", cause.Error()), slog.Int("pending", pending))
	}
}

func (c *Connector) handleMessage(ctx context.Context, p *peer, msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case jsonrpc.KindResponse:
		if !p.disp.OnResponse(msg.AsResponse()) {
			c.metrics.Dropped("unmatched")
			c.log.WarnContext(ctx, "upstream.response.unmatched", slog.String("id", msg.ID.String()))
		}

	case jsonrpc.KindRequest:
		c.answerRequest(ctx, p, msg)

	case jsonrpc.KindNotification:
		switch mcp.Method(msg.Method) {
		case mcp.CancelledNotificationMethod:
			return
		case mcp.ToolsListChangedNotificationMethod:
			c.invalidateTools(ctx)
		}
		c.mu.Lock()
		fn := c.onNotify
		c.mu.Unlock()
		if fn != nil {
			fn(ctx, msg)
		}
	}
}

// answerRequest handles requests initiated by the child. The bridge
// advertises no client capabilities, so only ping is meaningful.
func (c *Connector) answerRequest(ctx context.Context, p *peer, msg *jsonrpc.AnyMessage) {
	var resp *jsonrpc.Response
	if msg.Method == string(mcp.PingMethod) {
		resp, _ = jsonrpc.NewResultResponse(msg.ID, mcp.EmptyResult{})
	} else {
		c.log.InfoContext(ctx, "upstream.request.unsupported", slog.String("method", msg.Method))
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported by client: "+msg.Method, nil)
	}
	if err := p.conn.Write(resp); err != nil {
		c.log.WarnContext(ctx, "upstream.write.fail", slog.String("err", err.Error()))
	}
}

func (c *Connector) current() (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.peer == nil {
		if c.lastErr != nil {
			return nil, fmt.Errorf("%w: %s (%v)", ErrUpstreamUnavailable, c.state, c.lastErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, c.state)
	}
	return c.peer, nil
}

// Capabilities returns the initialize result negotiated with the child.
func (c *Connector) Capabilities() (mcp.InitializeResult, error) {
	p, err := c.current()
	if err != nil {
		return mcp.InitializeResult{}, err
	}
	return p.init, nil
}

// Forward writes req to the child under a freshly allocated id and arranges
// for done to receive the answer, ErrTimeout after timeout, or
// ErrUpstreamUnavailable if the child exits first. req is not modified. The
// returned id identifies the request on the wire.
func (c *Connector) Forward(ctx context.Context, req *jsonrpc.Request, timeout time.Duration, done Completion) (*jsonrpc.RequestID, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	id, err := p.disp.Start(ctx, req, timeout, done)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, outbound.ErrDuplicateRequestID) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return id, nil
}

// Abandon forgets forwarded requests without completing them. Responses that
// arrive later are logged and dropped.
func (c *Connector) Abandon(ids ...*jsonrpc.RequestID) {
	p, err := c.current()
	if err != nil {
		return
	}
	for _, id := range ids {
		p.disp.Abandon(id)
	}
}

// Cancel abandons a forwarded request and tells the child to stop working
// on it.
func (c *Connector) Cancel(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	p, err := c.current()
	if err != nil {
		return err
	}
	if !p.disp.Abandon(id) {
		return nil
	}
	return stdio.Transport{Conn: p.conn}.SendCancelled(ctx, id, reason)
}

// Notify writes a notification to the child.
func (c *Connector) Notify(ctx context.Context, method string, params json.RawMessage) error {
	p, err := c.current()
	if err != nil {
		return err
	}
	return p.conn.Write(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: params})
}

// Inflight reports requests awaiting an answer from the current child.
func (c *Connector) Inflight() int {
	p, err := c.current()
	if err != nil {
		return 0
	}
	return p.disp.Len()
}

func (c *Connector) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := c.current()
	if err != nil {
		return nil, err
	}
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.requestTimeout, ErrTimeout)
		defer cancel()
	}
	resp, err := p.disp.Call(ctx, method, params)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, rpcError(method, resp.Error)
	}
	return resp.Result, nil
}

// ListTools returns every tool the child advertises, following pagination.
// Listings are cached until the child reports a change, reconnects, or the
// cache entry expires.
func (c *Connector) ListTools(ctx context.Context) ([]*ToolDescriptor, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}

	if tools, ok := c.cachedTools(ctx); ok {
		return tools, nil
	}

	var all []mcp.Tool
	var cursor string
	for page := 0; ; page++ {
		if page >= maxToolPages {
			return nil, fmt.Errorf("%w: tools/list did not terminate after %d pages", ErrUpstreamError, maxToolPages)
		}
		raw, err := c.call(ctx, string(mcp.ToolsListMethod), mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}})
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%w: decode tools/list result: %v", ErrUpstreamError, err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	data, err := json.Marshal(all)
	if err != nil {
		return nil, err
	}
	tools := c.compileTools(ctx, data, all)
	if c.cache != nil {
		if err := c.cache.Set(ctx, toolsCacheKey, data, storage.WithNamespace(c.cacheNS), storage.WithTTL(c.toolsTTL)); err != nil {
			c.log.WarnContext(ctx, "upstream.tools.cache.fail", slog.String("err", err.Error()))
		}
	}
	return tools, nil
}

func (c *Connector) cachedTools(ctx context.Context) ([]*ToolDescriptor, bool) {
	if c.cache == nil {
		c.toolsMu.Lock()
		defer c.toolsMu.Unlock()
		return c.tools, c.toolsRaw != nil
	}

	item, err := c.cache.Get(ctx, toolsCacheKey, storage.WithNamespace(c.cacheNS))
	if err != nil {
		c.log.WarnContext(ctx, "upstream.tools.cache.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if item == nil {
		return nil, false
	}

	c.toolsMu.Lock()
	if c.toolsRaw != nil && bytes.Equal(c.toolsRaw, item.Data) {
		tools := c.tools
		c.toolsMu.Unlock()
		return tools, true
	}
	c.toolsMu.Unlock()

	var all []mcp.Tool
	if err := json.Unmarshal(item.Data, &all); err != nil {
		c.log.WarnContext(ctx, "upstream.tools.cache.corrupt", slog.String("err", err.Error()))
		return nil, false
	}
	return c.compileTools(ctx, item.Data, all), true
}

func (c *Connector) compileTools(ctx context.Context, raw []byte, all []mcp.Tool) []*ToolDescriptor {
	tools := make([]*ToolDescriptor, 0, len(all))
	for _, t := range all {
		d, err := NewToolDescriptor(t)
		if err != nil {
			c.log.WarnContext(ctx, "upstream.tools.schema.invalid", slog.String("tool", t.Name), slog.String("err", err.Error()))
		}
		tools = append(tools, d)
	}

	c.toolsMu.Lock()
	c.toolsRaw = raw
	c.tools = tools
	c.toolsMu.Unlock()
	return tools
}

func (c *Connector) invalidateTools(ctx context.Context) {
	c.toolsMu.Lock()
	c.toolsRaw = nil
	c.tools = nil
	c.toolsMu.Unlock()

	if c.cache != nil {
		if err := c.cache.Delete(ctx, storage.WithNamespace(c.cacheNS), storage.WithKey(toolsCacheKey)); err != nil {
			c.log.WarnContext(ctx, "upstream.tools.cache.fail", slog.String("err", err.Error()))
		}
	}
}

// Tool returns the descriptor for name from the (possibly cached) listing.
func (c *Connector) Tool(ctx context.Context, name string) (*ToolDescriptor, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// CallTool invokes a tool and returns the upstream's result unchanged.
// Arguments are validated against the tool's input schema when the tool is
// known from the listing; unknown tools are still forwarded so the upstream
// has the final word.
func (c *Connector) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}

	d, err := c.Tool(ctx, name)
	switch {
	case err == nil:
		if err := d.Validate(args); err != nil {
			return nil, err
		}
	case errors.Is(err, ErrToolNotFound):
	default:
		c.log.WarnContext(ctx, "upstream.tools.lookup.fail", slog.String("tool", name), slog.String("err", err.Error()))
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	return c.call(ctx, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: name, Arguments: args})
}

// Close stops the child, closing its stdin first and killing it if it has
// not exited within the grace period. In-flight requests fail with
// ErrUpstreamUnavailable. Close is idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	p := c.peer
	if p == nil {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	_ = p.conn.Close()
	select {
	case <-p.done:
	case <-time.After(c.killGrace):
		c.log.WarnContext(p.ctx, "upstream.close.kill")
		_ = p.proc.Kill()
		<-p.done
	}
	return nil
}

// stderrLogger turns the child's stderr into log records, one per line.
type stderrLogger struct {
	log *slog.Logger

	mu  sync.Mutex
	ctx context.Context
	buf []byte
}

const maxStderrLine = 64 * 1024

func (w *stderrLogger) setContext(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.log.InfoContext(ctx, "upstream.stderr", slog.String("line", line))
		}
	}
	if len(w.buf) > maxStderrLine {
		w.log.InfoContext(ctx, "upstream.stderr", slog.String("line", string(w.buf)))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

var _ io.Writer = (*stderrLogger)(nil)
