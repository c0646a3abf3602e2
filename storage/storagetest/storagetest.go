// Package storagetest holds a conformance suite shared by storage backends.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/storage"
)

// Factory returns a fresh, empty backend for each subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests exercises the storage.Storage contract.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if err := s.Set(ctx, "tools", []byte(`[{"name":"listProjects"}]`)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		item, err := s.Get(ctx, "tools")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item == nil {
			t.Fatal("Get() returned nil item")
		}
		if string(item.Data) != `[{"name":"listProjects"}]` {
			t.Fatalf("Get() returned wrong data: %s", item.Data)
		}
		if item.CreatedAt.IsZero() {
			t.Fatalf("CreatedAt not set")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		item, err := s.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item, got %+v", item)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(50*time.Millisecond)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		item, err := s.Get(ctx, "short")
		if err != nil || item == nil || item.ExpiresAt == nil {
			t.Fatalf("expected live item with expiry, got %+v err=%v", item, err)
		}
		time.Sleep(120 * time.Millisecond)
		item, err = s.Get(ctx, "short")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item != nil {
			t.Fatalf("expected expired item to be gone")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_ = s.Set(ctx, "tools", []byte("global"))
		_ = s.Set(ctx, "tools", []byte("a"), storage.WithNamespace("upstream-a"))
		_ = s.Set(ctx, "tools", []byte("b"), storage.WithNamespace("upstream-b"))

		for ns, want := range map[string]string{"": "global", "upstream-a": "a", "upstream-b": "b"} {
			item, err := s.Get(ctx, "tools", storage.WithNamespace(ns))
			if err != nil || item == nil {
				t.Fatalf("%q: Get() = %+v, %v", ns, item, err)
			}
			if string(item.Data) != want {
				t.Fatalf("%q: got %s want %s", ns, item.Data, want)
			}
		}
	})

	t.Run("DeleteKey", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_ = s.Set(ctx, "k1", []byte("1"), storage.WithNamespace("ns"))
		_ = s.Set(ctx, "k2", []byte("2"), storage.WithNamespace("ns"))

		if err := s.Delete(ctx, storage.WithNamespace("ns"), storage.WithKey("k1")); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if item, _ := s.Get(ctx, "k1", storage.WithNamespace("ns")); item != nil {
			t.Fatalf("k1 should be deleted")
		}
		if item, _ := s.Get(ctx, "k2", storage.WithNamespace("ns")); item == nil {
			t.Fatalf("k2 should remain")
		}
	})

	t.Run("DeleteNamespace", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_ = s.Set(ctx, "k1", []byte("1"), storage.WithNamespace("ns"))
		_ = s.Set(ctx, "k2", []byte("2"), storage.WithNamespace("ns"))
		_ = s.Set(ctx, "k1", []byte("other"), storage.WithNamespace("other"))

		if err := s.Delete(ctx, storage.WithNamespace("ns")); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		for _, k := range []string{"k1", "k2"} {
			if item, _ := s.Get(ctx, k, storage.WithNamespace("ns")); item != nil {
				t.Fatalf("%s should be deleted", k)
			}
		}
		if item, _ := s.Get(ctx, "k1", storage.WithNamespace("other")); item == nil {
			t.Fatalf("other namespace should be untouched")
		}
	})
}
