package outbound

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

// recordingTransport captures everything the dispatcher writes.
type recordingTransport struct {
	mu        sync.Mutex
	requests  []*jsonrpc.Request
	cancelled []string
	failSend  error
}

func (r *recordingTransport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSend != nil {
		return r.failSend
	}
	r.requests = append(r.requests, req)
	return nil
}

func (r *recordingTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id.String())
	return nil
}

func (r *recordingTransport) waitRequests(t *testing.T, n int) []*jsonrpc.Request {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		got := append([]*jsonrpc.Request(nil), r.requests...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d requests, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_Call_OutOfOrder(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	d := New(tr)
	ctx := context.Background()

	resCh1 := make(chan *jsonrpc.Response, 1)
	resCh2 := make(chan *jsonrpc.Response, 1)
	go func() {
		resp, err := d.Call(ctx, "test/m1", map[string]any{"a": 1})
		if err != nil {
			t.Errorf("call1: %v", err)
			return
		}
		resCh1 <- resp
	}()
	go func() {
		resp, err := d.Call(ctx, "test/m2", map[string]any{"b": 2})
		if err != nil {
			t.Errorf("call2: %v", err)
			return
		}
		resCh2 <- resp
	}()

	reqs := tr.waitRequests(t, 2)
	byMethod := map[string]*jsonrpc.Request{}
	for _, r := range reqs {
		byMethod[r.Method] = r
	}

	resp2, _ := jsonrpc.NewResultResponse(byMethod["test/m2"].ID, map[string]any{"ok": 2})
	if !d.OnResponse(resp2) {
		t.Fatalf("response to m2 should match")
	}
	resp1, _ := jsonrpc.NewResultResponse(byMethod["test/m1"].ID, map[string]any{"ok": 1})
	if !d.OnResponse(resp1) {
		t.Fatalf("response to m1 should match")
	}

	if got := <-resCh2; string(got.Result) != `{"ok":2}` {
		t.Fatalf("call2 result: %s", got.Result)
	}
	if got := <-resCh1; string(got.Result) != `{"ok":1}` {
		t.Fatalf("call1 result: %s", got.Result)
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty table, got %d", d.Len())
	}
}

func TestDispatcher_Start_RewritesID(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	d := New(tr)

	orig := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "tools/call", ID: jsonrpc.NewRequestID("browser-1")}
	id, err := d.Start(context.Background(), orig, 0, func(*jsonrpc.Response, error) {})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if orig.ID.String() != "browser-1" {
		t.Fatalf("caller's request was modified: %s", orig.ID.String())
	}
	sent := tr.waitRequests(t, 1)[0]
	if sent.ID.Key() != id.Key() {
		t.Fatalf("sent id %s, returned id %s", sent.ID.Key(), id.Key())
	}
	if sent.ID.Key() == orig.ID.Key() {
		t.Fatalf("id was not rewritten")
	}
}

func TestDispatcher_UnmatchedResponse(t *testing.T) {
	t.Parallel()

	d := New(&recordingTransport{})
	resp, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(42), map[string]any{})
	if d.OnResponse(resp) {
		t.Fatalf("unexpected match for unknown id")
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	var timedOut atomic.Int32
	d := New(tr, WithTimeoutHook(func(string) { timedOut.Add(1) }))

	errCh := make(chan error, 1)
	req := &jsonrpc.Request{Method: "tools/call", ID: jsonrpc.NewRequestID(1)}
	id, err := d.Start(context.Background(), req, 20*time.Millisecond, func(_ *jsonrpc.Response, err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout never fired")
	}

	tr.mu.Lock()
	cancelled := append([]string(nil), tr.cancelled...)
	tr.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != id.String() {
		t.Fatalf("expected cancellation of %s, got %v", id.String(), cancelled)
	}
	if timedOut.Load() != 1 {
		t.Fatalf("timeout hook calls = %d", timedOut.Load())
	}

	late, _ := jsonrpc.NewResultResponse(id, map[string]any{})
	if d.OnResponse(late) {
		t.Fatalf("late response should not match after timeout")
	}
}

func TestDispatcher_CancelContext_SendsCancelled(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	d := New(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, "test/m", nil)
		done <- err
	}()

	req := tr.waitRequests(t, 1)[0]
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.cancelled) != 1 || tr.cancelled[0] != req.ID.String() {
		t.Fatalf("expected cancellation for %s, got %v", req.ID.String(), tr.cancelled)
	}
}

func TestDispatcher_Abandon(t *testing.T) {
	t.Parallel()

	d := New(&recordingTransport{})
	called := false
	id, err := d.Start(context.Background(), &jsonrpc.Request{Method: "m", ID: jsonrpc.NewRequestID(7)}, 0, func(*jsonrpc.Response, error) {
		called = true
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.Abandon(id) {
		t.Fatalf("abandon should find the call")
	}
	if d.Abandon(id) {
		t.Fatalf("second abandon should be a no-op")
	}
	resp, _ := jsonrpc.NewResultResponse(id, map[string]any{})
	if d.OnResponse(resp) || called {
		t.Fatalf("abandoned call must not complete")
	}
}

func TestDispatcher_SendFailureUnregisters(t *testing.T) {
	t.Parallel()

	boom := errors.New("pipe closed")
	d := New(&recordingTransport{failSend: boom})
	_, err := d.Start(context.Background(), &jsonrpc.Request{Method: "m"}, time.Minute, func(*jsonrpc.Response, error) {
		t.Errorf("completion must not run after a failed send")
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
	if d.Len() != 0 {
		t.Fatalf("pending table should be empty, got %d", d.Len())
	}
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	t.Parallel()

	d := New(&recordingTransport{})
	boom := errors.New("child exited")

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		_, err := d.Start(context.Background(), &jsonrpc.Request{Method: "m"}, 0, func(_ *jsonrpc.Response, err error) {
			errs <- err
			wg.Done()
		})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	d.Close(boom)
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("expected close error, got %v", err)
		}
	}
	if d.Len() != 0 {
		t.Fatalf("pending table should be empty, got %d", d.Len())
	}
	if _, err := d.Start(context.Background(), &jsonrpc.Request{Method: "m"}, 0, func(*jsonrpc.Response, error) {}); !errors.Is(err, boom) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestDispatcher_SharedCounterAcrossInstances(t *testing.T) {
	t.Parallel()

	var counter atomic.Uint64
	d1 := New(&recordingTransport{}, WithCounter(&counter))
	d2 := New(&recordingTransport{}, WithCounter(&counter))

	id1, _ := d1.Start(context.Background(), &jsonrpc.Request{Method: "m"}, 0, func(*jsonrpc.Response, error) {})
	id2, _ := d2.Start(context.Background(), &jsonrpc.Request{Method: "m"}, 0, func(*jsonrpc.Response, error) {})
	if id1.Key() == id2.Key() {
		t.Fatalf("ids collided across dispatchers: %s", id1.Key())
	}
}
