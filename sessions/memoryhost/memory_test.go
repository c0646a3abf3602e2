package memoryhost

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/ggoodman/mcp-sse-bridge/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}

func pendingBytes(h *Host, sessionID string) (n, size int) {
	st := h.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range st.pending {
		size += len(m.data)
	}
	return len(st.pending), size
}

func TestDeliveredMessagesAreReleased(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const total = 256
	payload := bytes.Repeat([]byte("x"), 64<<10)

	delivered := make(chan struct{}, total)
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "s", func(context.Context, string, []byte) error {
			delivered <- struct{}{}
			return nil
		})
	}()

	for i := 0; i < total; i++ {
		if _, err := h.PublishSession(ctx, "s", payload); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < total; i++ {
		select {
		case <-delivered:
		case <-ctx.Done():
			t.Fatalf("only %d of %d messages delivered", i, total)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, size := pendingBytes(h, "s")
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still holding %d delivered messages (%d bytes)", n, size)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

func TestPendingBoundDropsOldest(t *testing.T) {
	h := New(WithMaxPending(3))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := h.PublishSession(ctx, "s", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if n, _ := pendingBytes(h, "s"); n != 3 {
		t.Fatalf("expected 3 pending messages, got %d", n)
	}

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var got string
	stop := errors.New("stop")
	err := h.SubscribeSession(sctx, "s", func(_ context.Context, _ string, msg []byte) error {
		got += string(msg)
		if len(got) == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if got != "cde" {
		t.Fatalf("expected newest messages cde, got %q", got)
	}
	// The message whose handler failed stays queued.
	if n, _ := pendingBytes(h, "s"); n != 1 {
		t.Fatalf("expected the failed message to stay queued, got %d pending", n)
	}
}

func TestCleanupEndsSubscription(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "s", func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	if err := h.CleanupSession(ctx, "s"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cleanup, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("subscription did not end after cleanup")
	}
}
