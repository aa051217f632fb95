// Package events provides the in-process publisher for trade lifecycle
// events, with fan-out to any number of subscribers (WebSocket clients, gRPC
// streams, the daemon log).
package events

import (
	"log/slog"
	"sync"

	"autotrader/internal/domain"
)

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	log *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.Event
	dropped   map[int]int
}

// NewBus creates an empty Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:     log.With("component", "events"),
		subs:    make(map[int]chan domain.Event),
		dropped: make(map[int]int),
	}
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (b *Bus) Subscribe(bufSize int) (int, <-chan domain.Event) {
	ch := make(chan domain.Event, bufSize)
	b.subsMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.subsMu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
		if n := b.dropped[id]; n > 0 {
			b.log.Warn("subscriber dropped events", "sub_id", id, "dropped", n)
		}
		delete(b.dropped, id)
	}
	b.subsMu.Unlock()
}

// Publish sends ev to all subscribers without blocking.
func (b *Bus) Publish(ev domain.Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return len(b.subs)
}
