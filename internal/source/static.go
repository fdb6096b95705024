package source

import (
	"context"
	"sync"

	"github.com/loykin/creditwatch/internal/document"
)

// Static serves a document held in memory. Every SetHTML counts as one
// mutation for all observers.
type Static struct {
	mu     sync.RWMutex
	url    string
	doc    document.Document
	closed bool
	obs    observers
}

func NewStatic(html, url string) (*Static, error) {
	s := &Static{url: url}
	doc, err := document.ParseString(html, url)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// SetHTML replaces the document and notifies observers.
func (s *Static) SetHTML(html string) error {
	doc, err := document.ParseString(html, s.url)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.doc = doc
	s.mu.Unlock()
	s.obs.notify()
	return nil
}

func (s *Static) Snapshot(context.Context) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.doc, nil
}

func (s *Static) Observe(_ context.Context, _ ObserveOptions, fn func()) (func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.obs.add(fn), nil
}

func (s *Static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.obs.clear()
	return nil
}
