// Package senderqueue implements the Sender Queue and Payload Manager
// (spec.md §4.6): a bounded FIFO between the Payload Assembler and a single
// sender task, backed by an on-disk store for at-least-once delivery across
// transport outages and process restarts.
package senderqueue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/snarg/edge-agent/internal/payload"
)

// Queue is the bounded FIFO of ready Payloads (spec.md §4.6, §5: "the Sender
// Queue between them is bounded"). Enqueue blocks up to a configured
// timeout under backpressure; on timeout, the assembly is dropped and a
// counter incremented (spec.md §4.6 Backpressure).
type Queue struct {
	ch      chan payload.Payload
	timeout time.Duration
	dropped atomic.Uint64
}

func NewQueue(capacity int, backpressureTimeout time.Duration) *Queue {
	if capacity < 1 {
		capacity = 64
	}
	return &Queue{ch: make(chan payload.Payload, capacity), timeout: backpressureTimeout}
}

// Enqueue blocks for up to q.timeout waiting for room. Returns false if the
// timeout elapsed or ctx was cancelled first, in which case the payload was
// dropped and the drop counter incremented.
func (q *Queue) Enqueue(ctx context.Context, p payload.Payload) bool {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if q.timeout > 0 {
		timer = time.NewTimer(q.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case q.ch <- p:
		return true
	case <-ctx.Done():
		q.dropped.Add(1)
		return false
	case <-timeoutCh:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until a Payload is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (payload.Payload, bool) {
	select {
	case p := <-q.ch:
		return p, true
	case <-ctx.Done():
		return payload.Payload{}, false
	}
}

// Dropped reports the backpressure-timeout drop count, for telemetry.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len reports the number of queued but not yet dequeued payloads.
func (q *Queue) Len() int { return len(q.ch) }
