// Package sessionhosttest is a conformance suite shared by every
// sessions.SessionHost implementation.
package sessionhosttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishThenSubscribeDeliversQueued", func(t *testing.T) { testQueuedBeforeSubscribe(t, factory) })
	t.Run("Messaging_LiveDelivery", func(t *testing.T) { testLiveDelivery(t, factory) })
	t.Run("Messaging_ConsumedMessagesNotRedelivered", func(t *testing.T) { testConsumedNotRedelivered(t, factory) })
	t.Run("Messaging_OrderPreserved", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Messaging_CleanupDropsPendingMessages", func(t *testing.T) { testCleanupDropsPending(t, factory) })
}

type received struct {
	id   string
	data string
}

// collect subscribes until n messages have been handled, then cancels the
// subscription so all n are consumed.
func collect(t *testing.T, h sessions.SessionHost, sessionID string, n int) []received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []received
	err := h.SubscribeSession(ctx, sessionID, func(_ context.Context, msgID string, msg []byte) error {
		got = append(got, received{id: msgID, data: string(msg)})
		if len(got) == n {
			cancel()
		}
		return nil
	})
	if len(got) != n || !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe ended after %d/%d messages: %v", len(got), n, err)
	}
	return got
}

func testQueuedBeforeSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	var ids []string
	for _, m := range []string{"a", "b", "c"} {
		id, err := h.PublishSession(ctx, "sess-queued", []byte(m))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if id == "" {
			t.Fatalf("expected non-empty event id")
		}
		ids = append(ids, id)
	}

	got := collect(t, h, "sess-queued", 3)
	for i, r := range got {
		if r.id != ids[i] || r.data != []string{"a", "b", "c"}[i] {
			t.Fatalf("message %d: got %+v, want id=%s", i, r, ids[i])
		}
	}
}

func testLiveDelivery(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan received, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-live", func(_ context.Context, msgID string, msg []byte) error {
			got <- received{id: msgID, data: string(msg)}
			cancel()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	evID, err := h.PublishSession(ctx, "sess-live", []byte("hello"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case r := <-got:
		if r.id != evID || r.data != "hello" {
			t.Fatalf("unexpected message %+v (want id %s)", r, evID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for live message")
	}
	<-done
}

func testConsumedNotRedelivered(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := h.PublishSession(ctx, "sess-consume", []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	first := collect(t, h, "sess-consume", 2)
	if first[0].data != "0" || first[1].data != "1" {
		t.Fatalf("unexpected first batch %+v", first)
	}
	second := collect(t, h, "sess-consume", 2)
	if second[0].data != "2" || second[1].data != "3" {
		t.Fatalf("expected consumed messages to be gone, got %+v", second)
	}
}

func testOrderPreserved(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 100
	var (
		mu  sync.Mutex
		got []string
	)
	errDone := errors.New("done")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-order", func(_ context.Context, _ string, msg []byte) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg))
			if len(got) == n {
				return errDone
			}
			return nil
		})
	}()

	for i := 0; i < n; i++ {
		if _, err := h.PublishSession(ctx, "sess-order", []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	if err := <-done; !errors.Is(err, errDone) {
		t.Fatalf("subscription ended with %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, m := range got {
		if m != strconv.Itoa(i) {
			t.Fatalf("position %d: got %s", i, m)
		}
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if _, err := h.PublishSession(ctx, "sess-a", []byte("for-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishSession(ctx, "sess-b", []byte("for-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	if got := collect(t, h, "sess-a", 1); got[0].data != "for-a" {
		t.Fatalf("session a saw %q", got[0].data)
	}
	if got := collect(t, h, "sess-b", 1); got[0].data != "for-b" {
		t.Fatalf("session b saw %q", got[0].data)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-cancel", func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	for _, m := range []string{"1", "2"} {
		if _, err := h.PublishSession(ctx, "sess-err", []byte(m)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	boom := errors.New("boom")
	calls := 0
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := h.SubscribeSession(sctx, "sess-err", func(context.Context, string, []byte) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}

	// The failed message was not consumed.
	if got := collect(t, h, "sess-err", 2); got[0].data != "1" || got[1].data != "2" {
		t.Fatalf("expected the failed message to be redelivered, got %+v", got)
	}
}

func testCleanupDropsPending(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if _, err := h.PublishSession(ctx, "sess-clean", []byte("old")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := h.CleanupSession(ctx, "sess-clean"); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := h.PublishSession(ctx, "sess-clean", []byte("new")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if got := collect(t, h, "sess-clean", 1); got[0].data != "new" {
		t.Fatalf("expected only the post-cleanup message, got %q", got[0].data)
	}
}
