package source

import (
	"context"
	"errors"
	"testing"

	"autotrader/internal/domain"
)

func TestQueuePushPull(t *testing.T) {
	q := NewQueue(2)
	if err := q.Push(
		domain.Candidate{Symbol: " aapl ", Score: 50},
		domain.Candidate{Symbol: "MSFT", Score: 60},
		domain.Candidate{Symbol: "AAPL", Score: 70},
	); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	got, err := q.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "AAPL" || got[0].Score != 70 {
		t.Errorf("Pull() = %+v, want newest AAPL first", got)
	}
	if got[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
	if q.Len() != 0 {
		t.Error("queue not drained")
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	if err := q.Push(domain.Candidate{Symbol: "A"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(domain.Candidate{Symbol: "B"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push error = %v, want ErrQueueFull", err)
	}
}

func TestQueuePullCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewQueue(0).Pull(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Pull error = %v, want context.Canceled", err)
	}
}

func TestQueueRefusesOverflowingBatchWhole(t *testing.T) {
	q := NewQueue(2)
	if err := q.Push(domain.Candidate{Symbol: "A"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	err := q.Push(domain.Candidate{Symbol: "B"}, domain.Candidate{Symbol: "C"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push error = %v, want ErrQueueFull", err)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("Len() = %d after refused batch, want 1", got)
	}

	// Replacing a queued symbol takes no extra room.
	if err := q.Push(domain.Candidate{Symbol: "a", Score: 9}, domain.Candidate{Symbol: "B"}); err != nil {
		t.Fatalf("Push with replacement: %v", err)
	}
	got, _ := q.Pull(context.Background())
	if len(got) != 2 || got[0].Symbol != "A" || got[0].Score != 9 {
		t.Errorf("Pull() = %+v, want replaced A then B", got)
	}
}
