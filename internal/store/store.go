package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// DefaultQuota matches the 5 MiB budget of browser extension local storage.
const DefaultQuota int64 = 5 * 1024 * 1024

var (
	// ErrQuotaExceeded is returned by Set when the write would push the
	// store over its quota. Nothing is written in that case.
	ErrQuotaExceeded = errors.New("store quota exceeded")
	ErrClosed        = errors.New("store closed")
)

// Change describes one key written or removed. New is nil on removal.
type Change struct {
	Key string
	Old json.RawMessage
	New json.RawMessage
}

// Store is a small JSON key-value store with a byte quota.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the stored values for keys. Missing keys are absent from
	// the result. With no keys every entry is returned.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	// Set writes all items atomically.
	Set(ctx context.Context, items map[string]any) error
	Remove(ctx context.Context, keys ...string) error
	BytesInUse(ctx context.Context) (int64, error)
	// OnChanged registers fn for every subsequent write. The returned func
	// unregisters it.
	OnChanged(fn func([]Change)) (cancel func())
	Close() error
}

// Encode marshals items to JSON, keyed as given.
func Encode(items map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(items))
	for k, v := range items {
		if raw, ok := v.(json.RawMessage); ok {
			out[k] = raw
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

// EntrySize is the number of bytes a key/value pair counts against the quota.
func EntrySize(key string, value []byte) int64 { return int64(len(key) + len(value)) }

// GetJSON decodes key into dst. It reports false when the key is missing.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	m, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := m[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Listeners fans out change notifications. The zero value is ready to use.
type Listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func([]Change)
}

func (l *Listeners) Add(fn func([]Change)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func([]Change))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Notify calls every listener synchronously, outside the lock.
func (l *Listeners) Notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	l.mu.Lock()
	fns := make([]func([]Change), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(changes)
	}
}
