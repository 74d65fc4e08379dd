package senderqueue

import (
	"context"
	"testing"
	"time"

	"github.com/snarg/edge-agent/internal/payload"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := NewQueue(4, 0)
	ctx := context.Background()

	if ok := q.Enqueue(ctx, payload.Payload{EventID: "e1"}); !ok {
		t.Fatal("Enqueue should succeed with room available")
	}
	p, ok := q.Dequeue(ctx)
	if !ok || p.EventID != "e1" {
		t.Fatalf("Dequeue = (%+v, %v), want e1/true", p, ok)
	}
}

func TestEnqueueDropsOnBackpressureTimeout(t *testing.T) {
	q := NewQueue(1, 20*time.Millisecond)
	ctx := context.Background()

	q.Enqueue(ctx, payload.Payload{EventID: "e1"}) // fills capacity
	ok := q.Enqueue(ctx, payload.Payload{EventID: "e2"})
	if ok {
		t.Fatal("Enqueue should fail once the queue is full and the timeout elapses")
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestEnqueueDropsOnContextCancel(t *testing.T) {
	q := NewQueue(1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	q.Enqueue(context.Background(), payload.Payload{EventID: "e1"})
	cancel()
	ok := q.Enqueue(ctx, payload.Payload{EventID: "e2"})
	if ok {
		t.Fatal("Enqueue should fail once ctx is already cancelled")
	}
}

func TestDequeueUnblocksOnContextCancel(t *testing.T) {
	q := NewQueue(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	if ok {
		t.Fatal("Dequeue on an already-cancelled context should return false")
	}
}

func TestLenReflectsQueuedCount(t *testing.T) {
	q := NewQueue(4, 0)
	ctx := context.Background()
	q.Enqueue(ctx, payload.Payload{EventID: "e1"})
	q.Enqueue(ctx, payload.Payload{EventID: "e2"})
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
}
