// Package source provides live documents and change notifications for the
// page that shows the value.
package source

import (
	"context"
	"errors"
	"sync"

	"github.com/loykin/creditwatch/internal/document"
)

var ErrClosed = errors.New("source closed")

// ObserveOptions selects which mutations wake an observer. Subtree reports
// changes anywhere below the root; Attributes reports attribute changes,
// narrowed to AttributeFilter when it is non-empty.
type ObserveOptions struct {
	Subtree         bool
	Attributes      bool
	AttributeFilter []string
}

// Source is where documents come from. Observe callbacks may run on any
// goroutine and must not block.
type Source interface {
	Snapshot(ctx context.Context) (document.Document, error)
	Observe(ctx context.Context, opts ObserveOptions, fn func()) (stop func(), err error)
	Close() error
}

// observers is a set of change callbacks shared by the in-process sources.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (o *observers) add(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = map[int]func(){}
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) notify() {
	o.mu.Lock()
	fns := make([]func(), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (o *observers) clear() {
	o.mu.Lock()
	o.fns = nil
	o.mu.Unlock()
}
