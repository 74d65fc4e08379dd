package senderqueue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/payload"
)

// Transport is the core's view of the outbound wire (package
// internal/transport/mqtt implements it). Send returning a non-nil error is
// treated as a transient failure per spec.md §4.6 step 2-4.
type Transport interface {
	Send(ctx context.Context, raw []byte) error
}

// Encoder turns an assembled Payload into wire bytes. Cloud wire formats are
// out of this core's scope (spec.md §1 Non-goals); callers supply whatever
// concrete codec the transport expects.
type Encoder func(payload.Payload) ([]byte, error)

// Sender is the single consumer task draining the Queue (spec.md §5: "The
// Sender thread is independent of the evaluator").
type Sender struct {
	queue     *Queue
	store     *Store
	transport Transport
	encode    Encoder
	log       zerolog.Logger

	retryInterval time.Duration

	sentTotal    atomic.Uint64
	droppedTotal atomic.Uint64
}

func NewSender(q *Queue, store *Store, t Transport, enc Encoder, retryInterval time.Duration, log zerolog.Logger) *Sender {
	return &Sender{
		queue:         q,
		store:         store,
		transport:     t,
		encode:        enc,
		log:           log.With().Str("component", "sender").Logger(),
		retryInterval: retryInterval,
	}
}

// Run drains the queue until ctx is cancelled, and in parallel retries the
// on-disk store at retryInterval (spec.md §6
// persistency_upload_retry_interval_ms).
func (s *Sender) Run(ctx context.Context) {
	go s.retryLoop(ctx)
	for {
		p, ok := s.queue.Dequeue(ctx)
		if !ok {
			return
		}
		s.handle(ctx, p)
	}
}

func (s *Sender) handle(ctx context.Context, p payload.Payload) {
	raw, err := s.encode(p)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", p.EventID).Msg("encode payload failed, dropping")
		s.droppedTotal.Add(1)
		return
	}

	if err := s.transport.Send(ctx, raw); err == nil {
		s.sentTotal.Add(1)
		return
	}

	if !p.Persist {
		s.log.Warn().Str("event_id", p.EventID).Msg("send failed, persist=false, dropping")
		s.droppedTotal.Add(1)
		return
	}

	if err := s.store.Put(p.EventID, p.CampaignID, p.WallTS, raw); err != nil {
		s.log.Error().Err(err).Str("event_id", p.EventID).Msg("persist payload failed")
		s.droppedTotal.Add(1)
	}
}

func (s *Sender) retryLoop(ctx context.Context) {
	if s.retryInterval <= 0 {
		return
	}
	t := time.NewTicker(s.retryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.store.ResendAll(func(_ string, raw []byte) error {
				return s.transport.Send(ctx, raw)
			})
		}
	}
}

func (s *Sender) SentTotal() uint64    { return s.sentTotal.Load() }
func (s *Sender) DroppedTotal() uint64 { return s.droppedTotal.Load() }
