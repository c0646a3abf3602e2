package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/proxy"
	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/ggoodman/mcp-sse-bridge/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-bridge/upstream"
	"github.com/ggoodman/mcp-sse-bridge/upstream/upstreamtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t      *testing.T
	srv    *upstreamtest.Server
	conn   *upstream.Connector
	router *proxy.Router
}

func newHarness(t *testing.T, srv *upstreamtest.Server, opts ...proxy.Option) *harness {
	t.Helper()
	conn := upstream.NewConnector(srv,
		upstream.WithLogger(quietLogger()),
		upstream.WithHandshakeTimeout(2*time.Second),
		upstream.WithKillGrace(200*time.Millisecond),
	)
	t.Cleanup(func() { _ = conn.Close() })
	reg := sessions.NewRegistry(memoryhost.New(), sessions.WithLogger(quietLogger()))
	opts = append([]proxy.Option{proxy.WithLogger(quietLogger())}, opts...)
	return &harness{t: t, srv: srv, conn: conn, router: proxy.NewRouter(conn, reg, opts...)}
}

// client is an open session plus a channel fed by its subscription.
type client struct {
	id  string
	out chan *jsonrpc.AnyMessage
}

func (h *harness) open() *client {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)
	s, err := h.router.OpenSession(ctx)
	if err != nil {
		h.t.Fatalf("open session: %v", err)
	}
	c := &client{id: s.ID(), out: make(chan *jsonrpc.AnyMessage, 64)}
	go func() {
		_ = h.router.Subscribe(ctx, s.ID(), func(_ context.Context, _ string, msg []byte) error {
			m, err := jsonrpc.Parse(msg)
			if err != nil {
				h.t.Errorf("session %s received invalid message %s: %v", s.ID(), msg, err)
				return nil
			}
			c.out <- m
			return nil
		})
	}()
	return c
}

func (h *harness) send(c *client, raw string) {
	h.t.Helper()
	if err := h.router.HandleMessage(context.Background(), c.id, []byte(raw)); err != nil {
		h.t.Fatalf("handle %s: %v", raw, err)
	}
}

func (c *client) next(t *testing.T) *jsonrpc.AnyMessage {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("session %s: timed out waiting for a message", c.id)
		return nil
	}
}

func (c *client) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("session %s: unexpected message %+v", c.id, m)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResponseReachesOnlyIssuingSession(t *testing.T) {
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.EchoTool()))
	a, b := h.open(), h.open()

	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)

	resp := a.next(t)
	if resp.Type() != jsonrpc.KindResponse || resp.ID.String() != "1" || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(string(resp.Result), `"hi"`) {
		t.Fatalf("unexpected result %s", resp.Result)
	}
	b.expectNothing(t)
	if n := h.router.Inflight(); n != 0 {
		t.Fatalf("expected empty in-flight table, got %d", n)
	}
}

func TestSameClientIDFromTwoSessions(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release)))
	a, b := h.open(), h.open()

	h.send(a, `{"jsonrpc":"2.0","id":"x","method":"tools/call","params":{"name":"wait"}}`)
	h.send(b, `{"jsonrpc":"2.0","id":"x","method":"tools/call","params":{"name":"wait"}}`)
	waitFor(t, "two forwarded calls", func() bool {
		p := h.srv.Current()
		return p != nil && len(p.ReceivedMethod("tools/call")) == 2
	})

	// Upstream ids are rewritten, so they differ even though the client ids
	// match.
	calls := h.srv.Current().ReceivedMethod("tools/call")
	if calls[0].ID.Key() == calls[1].ID.Key() {
		t.Fatalf("expected distinct upstream ids, got %s twice", calls[0].ID)
	}
	close(release)

	for _, c := range []*client{a, b} {
		resp := c.next(t)
		if resp.ID.String() != "x" || resp.Error != nil {
			t.Fatalf("session %s: unexpected response %+v", c.id, resp)
		}
		c.expectNothing(t)
	}
}

func TestInitializeAnsweredFromUpstreamHandshake(t *testing.T) {
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.EchoTool()))
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"browser","version":"1"}}}`)
	resp := a.next(t)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ServerInfo.Name != "fake-upstream" || string(res.Capabilities) != `{"tools":{"listChanged":true}}` {
		t.Fatalf("unexpected initialize result %+v", res)
	}

	h.send(a, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.send(a, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if resp := a.next(t); resp.ID.String() != "2" || string(resp.Result) != `{}` {
		t.Fatalf("unexpected ping reply %+v", resp)
	}

	p := h.srv.Current()
	if n := len(p.ReceivedMethod("initialize")); n != 1 {
		t.Fatalf("expected exactly one upstream initialize, got %d", n)
	}
	if n := len(p.ReceivedMethod("notifications/initialized")); n != 1 {
		t.Fatalf("expected the browser's initialized notification to be swallowed, got %d", n)
	}
	if n := len(p.ReceivedMethod("ping")); n != 0 {
		t.Fatalf("expected ping to be answered locally, upstream saw %d", n)
	}
}

func TestNotificationsAreBroadcast(t *testing.T) {
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.EchoTool()))
	a, b, gone := h.open(), h.open(), h.open()
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.router.CloseSession(context.Background(), gone.id)

	if err := h.srv.Current().Notify("notifications/message", map[string]any{"level": "info", "data": "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	for _, c := range []*client{a, b} {
		m := c.next(t)
		if m.Type() != jsonrpc.KindNotification || m.Method != "notifications/message" {
			t.Fatalf("session %s: unexpected message %+v", c.id, m)
		}
	}
	gone.expectNothing(t)
}

func TestInvalidToolArgumentsRejectedLocally(t *testing.T) {
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.EchoTool()))
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	resp := a.next(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams || resp.ID.String() != "7" {
		t.Fatalf("expected invalid params error, got %+v", resp)
	}
	if n := len(h.srv.Current().ReceivedMethod("tools/call")); n != 0 {
		t.Fatalf("expected no upstream tools/call, got %d", n)
	}
}

func TestDuplicateInflightIDRejected(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release)))
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"wait"}}`)
	h.send(a, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"wait"}}`)

	resp := a.next(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected duplicate id error, got %+v", resp)
	}
	if n := h.router.Inflight(); n != 1 {
		t.Fatalf("expected the first request to stay in flight, got %d", n)
	}
}

func TestForwardedRequestTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release)), proxy.WithRequestTimeout(100*time.Millisecond))
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"wait"}}`)
	resp := a.next(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRequestTimeout || resp.ID.String() != "9" {
		t.Fatalf("expected timeout error, got %+v", resp)
	}
	waitFor(t, "upstream cancellation", func() bool {
		return len(h.srv.Current().ReceivedMethod("notifications/cancelled")) == 1
	})
	if n := h.router.Inflight(); n != 0 {
		t.Fatalf("expected empty in-flight table, got %d", n)
	}
}

func TestClientCancellationIsTranslated(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release)))
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":"job","method":"tools/call","params":{"name":"wait"}}`)
	waitFor(t, "forwarded call", func() bool {
		p := h.srv.Current()
		return p != nil && len(p.ReceivedMethod("tools/call")) == 1
	})
	upstreamID := h.srv.Current().ReceivedMethod("tools/call")[0].ID

	h.send(a, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"job","reason":"user"}}`)
	waitFor(t, "upstream cancellation", func() bool {
		return len(h.srv.Current().ReceivedMethod("notifications/cancelled")) == 1
	})

	var params mcp.CancelledNotification
	if err := json.Unmarshal(h.srv.Current().ReceivedMethod("notifications/cancelled")[0].Params, &params); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got jsonrpc.RequestID
	if err := json.Unmarshal(params.RequestID, &got); err != nil {
		t.Fatalf("decode id: %v", err)
	}
	if got.Key() != upstreamID.Key() || params.Reason != "user" {
		t.Fatalf("expected cancel for upstream id %s, got %s (%q)", upstreamID, got.String(), params.Reason)
	}
	a.expectNothing(t)
	if n := h.router.Inflight(); n != 0 {
		t.Fatalf("expected empty in-flight table, got %d", n)
	}
}

func TestClosedSessionDropsLateReply(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release)))
	a, b := h.open(), h.open()

	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	waitFor(t, "forwarded call", func() bool {
		p := h.srv.Current()
		return p != nil && len(p.ReceivedMethod("tools/call")) == 1
	})
	h.router.CloseSession(context.Background(), a.id)
	if n := h.router.Inflight(); n != 0 {
		t.Fatalf("expected closing the session to clear its entries, got %d", n)
	}
	close(release)

	b.expectNothing(t)
	if len(h.srv.Current().ReceivedMethod("notifications/cancelled")) != 0 {
		t.Fatal("closing a session must not cancel the upstream call")
	}
	if err := h.router.HandleMessage(context.Background(), a.id, []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for a closed session, got %v", err)
	}
}

func TestUpstreamCrashFailsPendingRequest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release), upstreamtest.EchoTool())
	h := newHarness(t, srv)
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	waitFor(t, "forwarded call", func() bool {
		p := srv.Current()
		return p != nil && len(p.ReceivedMethod("tools/call")) == 1
	})
	srv.Current().Crash()

	resp := a.next(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %+v", resp)
	}

	// The next request re-spawns the child.
	h.send(a, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"again"}}}`)
	resp = a.next(t)
	if resp.Error != nil || resp.ID.String() != "2" {
		t.Fatalf("expected success after respawn, got %+v", resp)
	}
	if srv.Launches() != 2 {
		t.Fatalf("expected two launches, got %d", srv.Launches())
	}
}

func TestLaunchFailureReportedToSession(t *testing.T) {
	srv := upstreamtest.NewServer()
	srv.FailLaunch = errors.New("npx: not found")
	h := newHarness(t, srv)
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	resp := a.next(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %+v", resp)
	}

	h.send(a, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp = a.next(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %+v", resp)
	}
}

func TestHandleMessageErrors(t *testing.T) {
	h := newHarness(t, upstreamtest.NewServer())
	a := h.open()
	ctx := context.Background()

	if err := h.router.HandleMessage(ctx, "no-such-session", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	for _, body := range []string{`not json`, `{"id":1,"method":"ping"}`, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, ``} {
		if err := h.router.HandleMessage(ctx, a.id, []byte(body)); !errors.Is(err, proxy.ErrMalformedMessage) {
			t.Fatalf("body %q: expected ErrMalformedMessage, got %v", body, err)
		}
	}

	// Responses from the browser are accepted and dropped.
	if err := h.router.HandleMessage(ctx, a.id, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)); err != nil {
		t.Fatalf("client response: %v", err)
	}
	a.expectNothing(t)
}

func TestToolsListPassesThrough(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.EchoTool())
	h := newHarness(t, srv)
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":"list","method":"tools/list"}`)
	resp := a.next(t)
	if resp.Error != nil || resp.ID.String() != "list" {
		t.Fatalf("unexpected response %+v", resp)
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools %+v", res.Tools)
	}
}

func TestClosedSessionRequestIsNotTimedOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, upstreamtest.NewServer(upstreamtest.BlockingTool("wait", release)), proxy.WithRequestTimeout(100*time.Millisecond))
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	waitFor(t, "forwarded call", func() bool {
		p := h.srv.Current()
		return p != nil && len(p.ReceivedMethod("tools/call")) == 1
	})
	h.router.CloseSession(context.Background(), a.id)
	if n := h.conn.Inflight(); n != 0 {
		t.Fatalf("expected the upstream call to be forgotten, got %d pending", n)
	}

	time.Sleep(300 * time.Millisecond)
	if n := len(h.srv.Current().ReceivedMethod("notifications/cancelled")); n != 0 {
		t.Fatalf("expected no cancellation for a closed session's request, got %d", n)
	}
}

func TestHandleMessageReturnsBeforeBootstrap(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.EchoTool())
	srv.InitializeDelay = 500 * time.Millisecond
	h := newHarness(t, srv)
	a := h.open()

	start := time.Now()
	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"first"}}}`)
	h.send(a, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected messages to be accepted immediately, took %s", elapsed)
	}

	// The ping waits behind the tools/call that was posted first.
	for _, want := range []string{"1", "2"} {
		resp := a.next(t)
		if resp.ID.String() != want || resp.Error != nil {
			t.Fatalf("expected reply %s, got %+v", want, resp)
		}
	}
}

func TestClosedSessionDropsQueuedMessages(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.EchoTool())
	srv.InitializeDelay = 300 * time.Millisecond
	h := newHarness(t, srv)
	a := h.open()

	h.send(a, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"x"}}}`)
	h.send(a, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"y"}}}`)
	h.router.CloseSession(context.Background(), a.id)

	waitFor(t, "upstream ready", func() bool { return h.conn.State() == upstream.StateReady })
	time.Sleep(100 * time.Millisecond)
	if n := len(srv.Current().ReceivedMethod("tools/call")); n != 0 {
		t.Fatalf("expected no calls forwarded for a closed session, got %d", n)
	}
	if n := h.router.Inflight(); n != 0 {
		t.Fatalf("expected empty in-flight table, got %d", n)
	}
}
