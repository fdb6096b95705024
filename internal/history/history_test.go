package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testEvent() Event {
	v := 1234
	return Event{Type: EventConfirmed, OccurredAt: time.Now().UTC(), SessionID: "s1", Path: "primary", Value: &v, Rule: "quick_confirm", Strategy: 1, Attempts: 2, Values: []int{1234, 1234}}
}

func TestMultiSendsToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("down")}
	c := &recordingSink{}
	m := Multi{a, b, c}

	err := m.Send(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &recordingSink{err: errors.New("connection refused")}
	b := NewBreakerSink("test", inner, BreakerConfig{MinExecutions: 5, Delay: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Send(ctx, testEvent())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrOpen)
	}
	assert.Equal(t, "open", b.State())

	inner.mu.Lock()
	inner.err = nil
	inner.mu.Unlock()
	err := b.Send(ctx, testEvent())
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 0, inner.count())
}

func TestBreakerPassesThroughWhenHealthy(t *testing.T) {
	inner := &recordingSink{}
	b := NewBreakerSink("ok", inner, BreakerConfig{}, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(context.Background(), testEvent()))
	}
	assert.Equal(t, 10, inner.count())
	assert.Equal(t, "closed", b.State())
	require.NoError(t, b.Close())
	assert.True(t, inner.closed)
}
