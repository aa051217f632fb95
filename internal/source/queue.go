// Package source implements the pull-based opportunity feed. Producers
// (the HTTP API, the CLI) push candidates; the engine drains the queue once
// per cycle.
package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"autotrader/internal/domain"
)

// ErrQueueFull is returned by Push when the queue is at capacity.
var ErrQueueFull = errors.New("candidate queue full")

// Queue is a bounded FIFO of candidates. For each symbol only the newest
// candidate is kept.
type Queue struct {
	mu       sync.Mutex
	items    []domain.Candidate
	capacity int
	now      func() time.Time
}

// NewQueue creates a Queue holding at most capacity candidates.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{capacity: capacity, now: time.Now}
}

// Push enqueues candidates, replacing any queued candidate for the same
// symbol. ReceivedAt is stamped when unset. A batch that would overflow the
// queue is refused whole with ErrQueueFull.
func (q *Queue) Push(cs ...domain.Candidate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := make(map[string]int, len(q.items)+len(cs))
	for i, c := range q.items {
		queued[c.Symbol] = i
	}
	added := 0
	for i := range cs {
		sym := strings.ToUpper(strings.TrimSpace(cs[i].Symbol))
		if _, ok := queued[sym]; !ok {
			queued[sym] = -1
			added++
		}
	}
	if len(q.items)+added > q.capacity {
		return ErrQueueFull
	}

	for _, c := range cs {
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		if c.ReceivedAt.IsZero() {
			c.ReceivedAt = q.now()
		}
		if i, ok := queued[c.Symbol]; ok && i >= 0 {
			q.items[i] = c
			continue
		}
		queued[c.Symbol] = len(q.items)
		q.items = append(q.items, c)
	}
	return nil
}

// Pull drains the queue.
func (q *Queue) Pull(ctx context.Context) ([]domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out, nil
}

// Len returns the number of queued candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
