package events

import (
	"context"
	"sync"
)

const (
	defaultHubHistory = 256
	subscriberBuffer  = 32
)

// Sequenced pairs an event with its position in the hub's stream.
type Sequenced struct {
	Sequence uint64
	Event    Event
}

// Hub fans committed events out to live subscribers and keeps a bounded
// history so late subscribers can resume from a cursor. Subscribers that fall
// behind lose events rather than blocking the emitter.
type Hub struct {
	mu      sync.Mutex
	next    uint64
	history []Sequenced
	limit   int
	subs    map[uint64]chan Sequenced
	subID   uint64
}

// NewHub returns a hub retaining up to history events.
func NewHub(history int) *Hub {
	if history <= 0 {
		history = defaultHubHistory
	}
	return &Hub{limit: history, subs: make(map[uint64]chan Sequenced)}
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	entry := Sequenced{Sequence: h.next, Event: evt}
	h.history = append(h.history, entry)
	if len(h.history) > h.limit {
		h.history = append([]Sequenced(nil), h.history[len(h.history)-h.limit:]...)
	}
	for _, sub := range h.subs {
		select {
		case sub <- entry:
		default:
		}
	}
}

// Subscribe registers a listener. The backlog holds retained events with a
// sequence above since. The returned cancel func is idempotent and also runs
// when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, since uint64) (<-chan Sequenced, func(), []Sequenced) {
	updates := make(chan Sequenced, subscriberBuffer)

	h.mu.Lock()
	id := h.subID
	h.subID++
	h.subs[id] = updates
	backlog := make([]Sequenced, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports how many listeners are attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
