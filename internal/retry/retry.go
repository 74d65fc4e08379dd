// Package retry implements the Check-in & Retry Driver (spec.md §4.8): a
// generic exponential-backoff loop over any Retryable, grounded on the
// source's RetryThread (start/double/cap backoff, restart() resets it).
package retry

import (
	"context"
	"time"
)

// Outcome is the tri-state result a Retryable reports for one attempt.
type Outcome int

const (
	Success Outcome = iota
	Retry
	Abort
)

// Retryable performs one attempt and reports how the driver should proceed.
type Retryable interface {
	Attempt(ctx context.Context) Outcome
}

// RetryableFunc adapts a plain function to Retryable.
type RetryableFunc func(ctx context.Context) Outcome

func (f RetryableFunc) Attempt(ctx context.Context) Outcome { return f(ctx) }

// Driver runs one Retryable with exponential backoff. One Driver instance
// per retried subject (spec.md §4.8).
type Driver struct {
	subject      Retryable
	startBackoff time.Duration
	maxBackoff   time.Duration
	backoff      time.Duration
}

func NewDriver(subject Retryable, startBackoff, maxBackoff time.Duration) *Driver {
	return &Driver{
		subject:      subject,
		startBackoff: startBackoff,
		maxBackoff:   maxBackoff,
		backoff:      startBackoff,
	}
}

// Restart resets backoff to start_backoff_ms (spec.md §4.8 restart()).
func (d *Driver) Restart() { d.backoff = d.startBackoff }

// Run attempts the subject until it reports Success or Abort, or ctx is
// cancelled. Between Retry outcomes it sleeps the current backoff, then
// doubles it up to maxBackoff.
func (d *Driver) Run(ctx context.Context) bool {
	for {
		switch d.subject.Attempt(ctx) {
		case Success:
			d.Restart()
			return true
		case Abort:
			return false
		case Retry:
			select {
			case <-ctx.Done():
				return false
			case <-time.After(d.backoff):
			}
			d.backoff *= 2
			if d.backoff > d.maxBackoff {
				d.backoff = d.maxBackoff
			}
		}
	}
}
