// Package notify is an in-process fan-out of confirmed values and settings
// changes. Publishing never blocks: a subscriber that falls behind loses
// messages.
package notify

import (
	"encoding/json"
	"sync"
)

// Kind names a message type.
type Kind string

const (
	ValueConfirmed  Kind = "ValueConfirmed"
	SettingsChanged Kind = "SettingsChanged"
)

// Message is one notification. Payload is the JSON form of the value.
type Message struct {
	Kind    Kind            `json:"type"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const defaultBuffer = 16

// Subscription is an active subscription. Close it when done.
type Subscription struct {
	Ch <-chan Message

	bus  *Bus
	id   int
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

type Bus struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Message
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Message{}}
}

// Subscribe returns a subscription receiving messages of the given kinds,
// or every kind when none are given.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	in := make(chan Message, defaultBuffer)
	b.mu.Lock()
	id := b.next
	b.next++
	if b.closed {
		close(in)
	} else {
		b.subs[id] = in
	}
	b.mu.Unlock()
	if len(kinds) == 0 {
		return &Subscription{Ch: in, bus: b, id: id}
	}
	return &Subscription{Ch: filter(in, kinds), bus: b, id: id}
}

func filter(in <-chan Message, kinds []Kind) <-chan Message {
	want := map[Kind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	out := make(chan Message, defaultBuffer)
	go func() {
		defer close(out)
		for m := range in {
			if !want[m.Kind] {
				continue
			}
			select {
			case out <- m:
			default:
			}
		}
	}()
	return out
}

// Publish delivers m to every subscriber that has room for it and reports
// how many received it.
func (b *Bus) Publish(m Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- m:
			n++
		default:
		}
	}
	return n
}

// PublishValue publishes kind with v encoded as the payload.
func (b *Bus) PublishValue(kind Kind, key string, v any) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return b.Publish(Message{Kind: kind, Key: key, Payload: raw}), nil
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
