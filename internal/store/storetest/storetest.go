// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/loykin/creditwatch/internal/store"
)

// Run exercises the Store contract. newStore must return an empty store
// limited to quota bytes.
func Run(t *testing.T, newStore func(t *testing.T, quota int64) store.Store) {
	t.Run("GetSetRemove", func(t *testing.T) {
		s := newStore(t, 0)
		ctx := context.Background()
		if err := s.Set(ctx, map[string]any{"a": 1, "b": map[string]int{"count": 2}}); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, err := s.Get(ctx, "a", "missing")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got["a"]) != "1" {
			t.Fatalf("unexpected a=%s", got["a"])
		}
		if _, ok := got["missing"]; ok {
			t.Fatalf("missing key should be absent")
		}
		var b struct{ Count int }
		ok, err := store.GetJSON(ctx, s, "b", &b)
		if err != nil || !ok || b.Count != 2 {
			t.Fatalf("GetJSON: ok=%v err=%v b=%+v", ok, err, b)
		}
		all, err := s.Get(ctx)
		if err != nil || len(all) != 2 {
			t.Fatalf("get all: %v %v", all, err)
		}
		if err := s.Remove(ctx, "a"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if ok, _ := store.GetJSON(ctx, s, "a", new(int)); ok {
			t.Fatalf("a should be removed")
		}
	})

	t.Run("Quota", func(t *testing.T) {
		s := newStore(t, 64)
		ctx := context.Background()
		if err := s.Set(ctx, map[string]any{"k": "small"}); err != nil {
			t.Fatalf("set small: %v", err)
		}
		err := s.Set(ctx, map[string]any{"big": strings.Repeat("x", 100), "k": "changed"})
		if !errors.Is(err, store.ErrQuotaExceeded) {
			t.Fatalf("expected ErrQuotaExceeded, got %v", err)
		}
		var v string
		if ok, _ := store.GetJSON(ctx, s, "k", &v); !ok || v != "small" {
			t.Fatalf("failed write must not apply partially, k=%q", v)
		}
		n, err := s.BytesInUse(ctx)
		if err != nil || n <= 0 || n > 64 {
			t.Fatalf("bytes in use: %d %v", n, err)
		}
	})

	t.Run("OnChanged", func(t *testing.T) {
		s := newStore(t, 0)
		ctx := context.Background()
		var mu sync.Mutex
		var seen []store.Change
		cancel := s.OnChanged(func(cs []store.Change) {
			mu.Lock()
			seen = append(seen, cs...)
			mu.Unlock()
		})
		if err := s.Set(ctx, map[string]any{"x": 1}); err != nil {
			t.Fatal(err)
		}
		if err := s.Set(ctx, map[string]any{"x": json.RawMessage(`2`)}); err != nil {
			t.Fatal(err)
		}
		cancel()
		if err := s.Set(ctx, map[string]any{"x": 3}); err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 2 {
			t.Fatalf("expected 2 changes, got %d", len(seen))
		}
		if seen[1].Key != "x" || string(seen[1].Old) != "1" || string(seen[1].New) != "2" {
			t.Fatalf("unexpected change %+v", seen[1])
		}
	})
}
