package retry

import (
	"context"
	"testing"
	"time"
)

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	d := NewDriver(RetryableFunc(func(ctx context.Context) Outcome { return Success }), time.Millisecond, time.Second)
	if !d.Run(context.Background()) {
		t.Fatal("Run() = false, want true for an immediately succeeding subject")
	}
}

func TestRunAbortsWithoutRetrying(t *testing.T) {
	var calls int
	d := NewDriver(RetryableFunc(func(ctx context.Context) Outcome {
		calls++
		return Abort
	}), time.Millisecond, time.Second)

	if d.Run(context.Background()) {
		t.Fatal("Run() = true, want false for an aborted subject")
	}
	if calls != 1 {
		t.Fatalf("Attempt called %d times, want exactly 1 after Abort", calls)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	var calls int
	d := NewDriver(RetryableFunc(func(ctx context.Context) Outcome {
		calls++
		if calls < 3 {
			return Retry
		}
		return Success
	}), time.Millisecond, 10*time.Millisecond)

	if !d.Run(context.Background()) {
		t.Fatal("Run() = false, want true once the subject eventually succeeds")
	}
	if calls != 3 {
		t.Fatalf("Attempt called %d times, want 3", calls)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDriver(RetryableFunc(func(ctx context.Context) Outcome { return Retry }), time.Hour, time.Hour)
	if d.Run(ctx) {
		t.Fatal("Run() = true, want false when ctx is already cancelled")
	}
}

func TestBackoffDoublesAndCapsAtMax(t *testing.T) {
	var calls int
	start := time.Now()
	d := NewDriver(RetryableFunc(func(ctx context.Context) Outcome {
		calls++
		if calls < 4 {
			return Retry
		}
		return Success
	}), 5*time.Millisecond, 10*time.Millisecond)

	d.Run(context.Background())
	// Backoffs: 5ms, 10ms (doubled+capped), 10ms (capped) = at least 25ms total.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("elapsed = %v, want backoff to have grown across retries", elapsed)
	}
}

func TestRestartResetsBackoffToStart(t *testing.T) {
	d := NewDriver(RetryableFunc(func(ctx context.Context) Outcome { return Success }), time.Millisecond, time.Second)
	d.backoff = 500 * time.Millisecond
	d.Restart()
	if d.backoff != d.startBackoff {
		t.Fatalf("backoff = %v after Restart, want %v", d.backoff, d.startBackoff)
	}
}
