// Package distributor implements the Signal Buffer Distributor (spec.md
// §2, §5): fan-in of decoded signal samples from all source adapters into
// the Inspection Engine, plus any number of raw-buffer consumers. Each
// producer gets its own bounded channel with a drop-oldest-on-overflow
// policy, matching spec.md §5 ("a multi-producer single-consumer bounded
// queue with drop-oldest-on-overflow on the producer side, per source").
//
// Grounded on the teacher's ingest/eventbus.go (ring-buffer fan-out to
// many subscribers) and ingest/batcher.go (bounded accumulation with a
// background flush goroutine) — the same "one goroutine per producer,
// channel as the queue, drop counter on overflow" shape, adapted from
// radio-call events to vehicle signal samples.
package distributor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/snarg/edge-agent/internal/signalid"
)

// Consumer receives every sample that makes it past a source's queue.
type Consumer interface {
	Consume(signalid.Sample)
}

// ConsumerFunc adapts a plain function to Consumer.
type ConsumerFunc func(signalid.Sample)

func (f ConsumerFunc) Consume(s signalid.Sample) { f(s) }

// sourceQueue is one bounded, drop-oldest producer-side queue.
type sourceQueue struct {
	ch      chan signalid.Sample
	dropped atomic.Uint64
}

// Distributor fans samples from any number of named sources into any
// number of registered consumers (typically exactly one: the Inspection
// Engine's history ingest, per spec.md §3 ownership summary — plus zero or
// more raw-buffer consumers such as a raw-message recorder).
type Distributor struct {
	mu        sync.RWMutex
	queues    map[string]*sourceQueue
	consumers []Consumer
	queueSize int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a Distributor whose per-source queues hold queueSize
// samples before the oldest is dropped to make room for the newest.
func New(queueSize int) *Distributor {
	if queueSize < 1 {
		queueSize = 256
	}
	return &Distributor{
		queues:    make(map[string]*sourceQueue),
		queueSize: queueSize,
	}
}

// AddConsumer registers a consumer. Must be called before Start.
func (d *Distributor) AddConsumer(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, c)
}

// Start derives a cancellable context from ctx and keeps its cancel func
// for Stop. It launches no goroutines: each source's queue is created
// lazily on its first Push, together with a drain goroutine that runs until
// the ctx passed to that Push is done.
func (d *Distributor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
}

// Stop cancels the context derived in Start and waits for the drain
// goroutines to exit. The drain goroutines watch the ctx given to Push, not
// that derived context, so Stop returns only once those contexts are done.
func (d *Distributor) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Push enqueues a sample from a named source. If that source's queue is
// full, the oldest queued sample is dropped to make room (spec.md §5) and
// a per-source drop counter is incremented; Push itself never blocks and
// never fails.
func (d *Distributor) Push(ctx context.Context, source string, s signalid.Sample) {
	q := d.queueFor(ctx, source)
	for {
		select {
		case q.ch <- s:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

func (d *Distributor) queueFor(ctx context.Context, source string) *sourceQueue {
	d.mu.RLock()
	q, ok := d.queues[source]
	d.mu.RUnlock()
	if ok {
		return q
	}

	d.mu.Lock()
	q, ok = d.queues[source]
	if !ok {
		q = &sourceQueue{ch: make(chan signalid.Sample, d.queueSize)}
		d.queues[source] = q
		d.wg.Add(1)
		go d.drain(ctx, q)
	}
	d.mu.Unlock()
	return q
}

func (d *Distributor) drain(ctx context.Context, q *sourceQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-q.ch:
			d.mu.RLock()
			consumers := d.consumers
			d.mu.RUnlock()
			for _, c := range consumers {
				c.Consume(s)
			}
		}
	}
}

// DropCounts reports the per-source overflow drop counter, for telemetry
// (spec.md §7: "every dropped sample ... increments a named counter").
func (d *Distributor) DropCounts() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]uint64, len(d.queues))
	for name, q := range d.queues {
		out[name] = q.dropped.Load()
	}
	return out
}
