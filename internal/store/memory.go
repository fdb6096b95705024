package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store, used for tests and ephemeral runs.
type Memory struct {
	mu        sync.RWMutex
	data      map[string][]byte
	quota     int64
	closed    bool
	listeners Listeners
}

// NewMemory returns an empty store. quota <= 0 disables the limit.
func NewMemory(quota int64) *Memory {
	return &Memory{data: make(map[string][]byte), quota: quota}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		for k, v := range m.data {
			out[k] = append(json.RawMessage(nil), v...)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, items map[string]any) error {
	enc, err := Encode(items)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.quota > 0 {
		total := m.usedLocked()
		for k, v := range enc {
			if old, ok := m.data[k]; ok {
				total -= EntrySize(k, old)
			}
			total += EntrySize(k, v)
		}
		if total > m.quota {
			m.mu.Unlock()
			return ErrQuotaExceeded
		}
	}
	changes := make([]Change, 0, len(enc))
	for k, v := range enc {
		changes = append(changes, Change{Key: k, Old: m.data[k], New: v})
		m.data[k] = v
	}
	m.mu.Unlock()
	m.listeners.Notify(changes)
	return nil
}

func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var changes []Change
	for _, k := range keys {
		if old, ok := m.data[k]; ok {
			changes = append(changes, Change{Key: k, Old: old})
			delete(m.data, k)
		}
	}
	m.mu.Unlock()
	m.listeners.Notify(changes)
	return nil
}

func (m *Memory) BytesInUse(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.usedLocked(), nil
}

func (m *Memory) usedLocked() int64 {
	var n int64
	for k, v := range m.data {
		n += EntrySize(k, v)
	}
	return n
}

func (m *Memory) OnChanged(fn func([]Change)) func() { return m.listeners.Add(fn) }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
