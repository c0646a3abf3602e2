// Package upstreamtest provides an in-memory MCP server that satisfies
// upstream.Launcher, for exercising the connector and everything above it
// without spawning processes.
package upstreamtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/stdio"
	"github.com/ggoodman/mcp-sse-bridge/upstream"
)

// ErrKilled is what Wait returns for a process stopped with Kill.
var ErrKilled = errors.New("upstreamtest: killed")

// ToolFunc implements a fake tool. Returning a *jsonrpc.Error produces a
// JSON-RPC error response; any other error becomes an internal error.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a descriptor with its implementation.
type Tool struct {
	mcp.Tool
	Handler ToolFunc
}

// Server is a scriptable MCP server. Configure it before the first Launch.
type Server struct {
	Info         mcp.ImplementationInfo
	Capabilities json.RawMessage
	Tools        []Tool
	// PageSize splits tools/list into pages when positive.
	PageSize int
	// InitializeDelay postpones the initialize response.
	InitializeDelay time.Duration
	// FailLaunch makes Launch return an error.
	FailLaunch error
	// RejectInitialize answers initialize with an error.
	RejectInitialize bool

	launches atomic.Int32

	mu    sync.Mutex
	procs []*Process
}

// NewServer returns a server advertising tools.
func NewServer(tools ...Tool) *Server {
	return &Server{
		Info:         mcp.ImplementationInfo{Name: "fake-upstream", Version: "1.0.0"},
		Capabilities: json.RawMessage(`{"tools":{"listChanged":true}}`),
		Tools:        tools,
	}
}

// EchoTool returns a tool that echoes its "message" argument as text.
func EchoTool() Tool {
	return Tool{
		Tool: mcp.Tool{
			Name:        "echo",
			Description: "Echo a message",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(args, &in)
			return TextResult(in.Message), nil
		},
	}
}

// BlockingTool returns a tool that waits until release is closed or the call
// is cancelled.
func BlockingTool(name string, release <-chan struct{}) Tool {
	return Tool{
		Tool: mcp.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			select {
			case <-release:
				return TextResult("released"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// TextResult builds a tools/call result with a single text block.
func TextResult(text string) map[string]any {
	return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
}

// Launches reports how many processes were started.
func (s *Server) Launches() int { return int(s.launches.Load()) }

// Current returns the most recently launched process.
func (s *Server) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Launch implements upstream.Launcher.
func (s *Server) Launch(ctx context.Context, stderr io.Writer) (upstream.Process, error) {
	if s.FailLaunch != nil {
		return nil, s.FailLaunch
	}
	n := s.launches.Add(1)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &Process{
		srv:     s,
		pid:     10000 + int(n),
		stdinR:  inR,
		stdinW:  inW,
		stdoutR: outR,
		stdoutW: outW,
		stderr:  stderr,
		exited:  make(chan struct{}),
		outbox:  make(chan []byte, 1024),
		calls:   map[string]context.CancelFunc{},
	}
	p.conn = stdio.NewConn(stdio.WithIO(inR, outW))

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	if stderr != nil {
		fmt.Fprintf(stderr, "fake upstream %d starting\n", p.pid)
	}
	go p.writeLoop()
	go p.serve()
	return p, nil
}

// Process is one running fake server.
type Process struct {
	srv     *Server
	pid     int
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  io.Writer
	conn    *stdio.Conn

	exitOnce sync.Once
	exitErr  error
	exited   chan struct{}

	// io.Pipe is unbuffered; replies go through outbox so the read loop
	// never blocks on the bridge.
	outbox chan []byte

	mu       sync.Mutex
	received []*jsonrpc.AnyMessage
	calls    map[string]context.CancelFunc
}

var _ upstream.Process = (*Process)(nil)

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) PID() int              { return p.pid }

func (p *Process) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *Process) Kill() error {
	p.exit(ErrKilled)
	return nil
}

// Crash simulates the process dying on its own.
func (p *Process) Crash() { p.exit(errors.New("exit status 1")) }

func (p *Process) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		p.mu.Lock()
		for _, cancel := range p.calls {
			cancel()
		}
		p.mu.Unlock()
		_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
		_ = p.stdoutW.Close()
		close(p.exited)
	})
}

// Exited is closed once the process has stopped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Received returns every message the process has read so far.
func (p *Process) Received() []*jsonrpc.AnyMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*jsonrpc.AnyMessage(nil), p.received...)
}

// ReceivedMethod returns received messages with the given method.
func (p *Process) ReceivedMethod(method string) []*jsonrpc.AnyMessage {
	var out []*jsonrpc.AnyMessage
	for _, m := range p.Received() {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// Notify sends a notification to the bridge.
func (p *Process) Notify(method string, params any) error {
	n, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.enqueue(b)
}

// Send writes an arbitrary raw frame to the bridge.
func (p *Process) Send(raw string) error { return p.enqueue([]byte(raw)) }

func (p *Process) enqueue(b []byte) error {
	select {
	case p.outbox <- b:
		return nil
	case <-p.exited:
		return io.ErrClosedPipe
	}
}

func (p *Process) writeLoop() {
	for {
		select {
		case b := <-p.outbox:
			_ = p.conn.WriteRaw(b)
		case <-p.exited:
			return
		}
	}
}

func (p *Process) serve() {
	_ = p.conn.Serve(context.Background(), func(ctx context.Context, msg *jsonrpc.AnyMessage) {
		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()
		p.handle(msg)
	})
	// stdin closed: a well-behaved server exits.
	p.exit(nil)
}

func (p *Process) handle(msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case jsonrpc.KindNotification:
		if msg.Method == string(mcp.CancelledNotificationMethod) {
			var c mcp.CancelledNotification
			if json.Unmarshal(msg.Params, &c) == nil {
				var id jsonrpc.RequestID
				if json.Unmarshal(c.RequestID, &id) == nil {
					p.mu.Lock()
					cancel := p.calls[id.Key()]
					p.mu.Unlock()
					if cancel != nil {
						cancel()
					}
				}
			}
		}
		return
	case jsonrpc.KindResponse:
		return
	}

	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		if p.srv.InitializeDelay > 0 {
			time.Sleep(p.srv.InitializeDelay)
		}
		if p.srv.RejectInitialize {
			p.reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "initialize rejected", nil))
			return
		}
		var req mcp.InitializeRequest
		_ = json.Unmarshal(msg.Params, &req)
		p.result(msg.ID, mcp.InitializeResult{
			ProtocolVersion: req.ProtocolVersion,
			Capabilities:    p.srv.Capabilities,
			ServerInfo:      p.srv.Info,
		})
	case mcp.PingMethod:
		p.result(msg.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		p.listTools(msg)
	case mcp.ToolsCallMethod:
		p.callTool(msg)
	default:
		p.reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method, nil))
	}
}

func (p *Process) listTools(msg *jsonrpc.AnyMessage) {
	var req mcp.ListToolsRequest
	_ = json.Unmarshal(msg.Params, &req)

	tools := make([]mcp.Tool, 0, len(p.srv.Tools))
	for _, t := range p.srv.Tools {
		tools = append(tools, t.Tool)
	}

	start := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 || n > len(tools) {
			p.reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "bad cursor", nil))
			return
		}
		start = n
	}
	end := len(tools)
	if p.srv.PageSize > 0 && start+p.srv.PageSize < end {
		end = start + p.srv.PageSize
	}

	res := mcp.ListToolsResult{Tools: tools[start:end]}
	if end < len(tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	p.result(msg.ID, res)
}

func (p *Process) callTool(msg *jsonrpc.AnyMessage) {
	var req mcp.CallToolRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		p.reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil))
		return
	}

	var handler ToolFunc
	for _, t := range p.srv.Tools {
		if t.Name == req.Name {
			handler = t.Handler
			break
		}
	}
	if handler == nil {
		p.reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("tool '%s' not found", req.Name), nil))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	key := msg.ID.Key()
	p.mu.Lock()
	p.calls[key] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.calls, key)
			p.mu.Unlock()
			cancel()
		}()
		out, err := handler(ctx, req.Arguments)
		if ctx.Err() != nil {
			// Cancelled calls get no response.
			return
		}
		if err != nil {
			var je *jsonrpc.Error
			if errors.As(err, &je) {
				p.reply(jsonrpc.NewErrorResponse(msg.ID, je.Code, je.Message, je.Data))
				return
			}
			p.reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil))
			return
		}
		p.result(msg.ID, out)
	}()
}

func (p *Process) result(id *jsonrpc.RequestID, v any) {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		p.reply(jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil))
		return
	}
	p.reply(resp)
}

func (p *Process) reply(resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = p.enqueue(b)
}
