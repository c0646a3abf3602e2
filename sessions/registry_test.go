package sessions_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/ggoodman/mcp-sse-bridge/sessions/memoryhost"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCreateIssuesDistinctIDs(t *testing.T) {
	reg := sessions.NewRegistry(memoryhost.New())
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := reg.Create(context.Background())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate id %s", s.ID())
		}
		seen[s.ID()] = true
	}
	if reg.Len() != 50 {
		t.Fatalf("expected 50 sessions, got %d", reg.Len())
	}
}

func TestCreateRedrawsOnCollision(t *testing.T) {
	ids := []string{"a", "a", "a", "b"}
	n := 0
	reg := sessions.NewRegistry(memoryhost.New(), sessions.WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))
	first, err := reg.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := reg.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID() != "a" || second.ID() != "b" {
		t.Fatalf("got %s, %s", first.ID(), second.ID())
	}
}

func TestCreateGivesUp(t *testing.T) {
	reg := sessions.NewRegistry(memoryhost.New(), sessions.WithIDGenerator(func() string { return "same" }))
	if _, err := reg.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(context.Background()); err == nil {
		t.Fatal("expected an error when every id collides")
	}
}

func TestLookupAndClose(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	reg := sessions.NewRegistry(memoryhost.New(), sessions.WithMetrics(m))

	s, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, err := reg.Lookup(s.ID()); err != nil || got != s {
		t.Fatalf("lookup: %v %v", got, err)
	}
	if _, err := reg.Lookup("nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if !reg.Close(ctx, s.ID()) {
		t.Fatal("expected first close to report true")
	}
	if reg.Close(ctx, s.ID()) {
		t.Fatal("expected second close to be a no-op")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	if _, err := reg.Lookup(s.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after close, got %v", err)
	}
	if _, err := reg.Deliver(ctx, s.ID(), []byte("x")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected deliver after close to fail, got %v", err)
	}
	const want = `
# HELP mcp_bridge_sessions_active Number of open SSE sessions
# TYPE mcp_bridge_sessions_active gauge
mcp_bridge_sessions_active 0
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "mcp_bridge_sessions_active"); err != nil {
		t.Fatal(err)
	}
}

func TestDeliverIsPerSessionAndOrdered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg := sessions.NewRegistry(memoryhost.New())
	a, _ := reg.Create(ctx)
	b, _ := reg.Create(ctx)

	for i := 0; i < 10; i++ {
		if _, err := reg.Deliver(ctx, a.ID(), []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if _, err := reg.Deliver(ctx, b.ID(), []byte("b-only")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var got []string
	stop := errors.New("stop")
	err := reg.Subscribe(ctx, a.ID(), func(_ context.Context, _ string, msg []byte) error {
		got = append(got, string(msg))
		if len(got) == 10 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("subscribe: %v", err)
	}
	for i, m := range got {
		if m != strconv.Itoa(i) {
			t.Fatalf("position %d got %s", i, m)
		}
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg := sessions.NewRegistry(memoryhost.New())

	var ids []string
	for i := 0; i < 3; i++ {
		s, _ := reg.Create(ctx)
		ids = append(ids, s.ID())
	}
	closed, _ := reg.Create(ctx)
	reg.Close(ctx, closed.ID())

	if n := reg.Broadcast(ctx, []byte("note")); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			stop := errors.New("stop")
			err := reg.Subscribe(ctx, id, func(_ context.Context, _ string, msg []byte) error {
				if string(msg) != "note" {
					t.Errorf("session %s got %q", id, msg)
				}
				return stop
			})
			if !errors.Is(err, stop) {
				t.Errorf("session %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

func TestSubscribeEndsWhenSessionCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg := sessions.NewRegistry(memoryhost.New())
	s, _ := reg.Create(ctx)

	done := make(chan error, 1)
	go func() {
		done <- reg.Subscribe(ctx, s.ID(), func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	reg.Close(ctx, s.ID())

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("subscription outlived the session")
	}
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	reg := sessions.NewRegistry(memoryhost.New())
	for i := 0; i < 4; i++ {
		if _, err := reg.Create(ctx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if len(reg.IDs()) != 4 {
		t.Fatalf("expected 4 ids, got %v", reg.IDs())
	}
	reg.CloseAll(ctx)
	if reg.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", reg.Len())
	}
}
