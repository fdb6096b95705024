package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/creditwatch/internal/store"
	"github.com/loykin/creditwatch/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, quota int64) store.Store {
		return store.NewMemory(quota)
	})
}

func TestMemoryClosed(t *testing.T) {
	m := store.NewMemory(0)
	_ = m.Close()
	if _, err := m.Get(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Set(context.Background(), map[string]any{"a": 1}); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEncodeRejectsUnmarshalable(t *testing.T) {
	if _, err := store.Encode(map[string]any{"c": make(chan int)}); err == nil {
		t.Fatalf("expected encode error for channel")
	}
}
