// Package payload implements the Payload Assembler (spec.md §4.5): it
// materializes a snapshot of retained history for a firing campaign,
// optionally deferred by after_duration_ms, and hands the result to a
// consumer (the Sender Queue, package senderqueue).
package payload

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/signalid"
)

// SignalSamples is the materialized history for one signal within a Payload.
type SignalSamples struct {
	SignalID signalid.ID
	Samples  []signalid.Sample // oldest-first
}

// Payload is the in-memory assembly handed to the Sender Queue.
type Payload struct {
	EventID    string
	CampaignID campaign.SyncID
	WallTS     int64
	Persist    bool
	Compress   bool
	Signals    []SignalSamples

	// CollectedSignalIDs lists every signal actually included in Signals.
	CollectedSignalIDs []signalid.ID
}

// EventIDFunc mints a new, unique event id at fire time (spec.md GLOSSARY:
// "a unique identifier assigned at trigger time"). Injected so tests get
// deterministic ids; production wires a counter or UUID source.
type EventIDFunc func() string

// Assembler materializes Payloads from a shared history.History. One
// Assembler instance serves every campaign — state specific to a single
// campaign's pending after_duration_ms job is keyed by campaign id.
type Assembler struct {
	hist    *history.History
	mintID  EventIDFunc
	onReady func(Payload)
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[campaign.SyncID]*time.Timer
}

func NewAssembler(hist *history.History, mintID EventIDFunc, onReady func(Payload), log zerolog.Logger) *Assembler {
	return &Assembler{
		hist:    hist,
		mintID:  mintID,
		onReady: onReady,
		log:     log.With().Str("component", "payload_assembler").Logger(),
		pending: make(map[campaign.SyncID]*time.Timer),
	}
}

// Fire is called by the Inspection Engine when a campaign's collect_condition
// fires. now is the wall-clock timestamp captured atomically at fire time
// (spec.md §4.3 step 5).
func (a *Assembler) Fire(c *campaign.Campaign, now int64) {
	if c.AfterDurationMs <= 0 {
		a.onReady(a.materialize(c, now))
		return
	}

	a.mu.Lock()
	if _, busy := a.pending[c.ID]; busy {
		a.mu.Unlock()
		a.log.Debug().Str("campaign_id", c.ID).Msg("deferred assembly already pending, dropping fire")
		return
	}
	t := time.AfterFunc(time.Duration(c.AfterDurationMs)*time.Millisecond, func() {
		a.mu.Lock()
		delete(a.pending, c.ID)
		a.mu.Unlock()
		a.onReady(a.materialize(c, now+c.AfterDurationMs))
	})
	a.pending[c.ID] = t
	a.mu.Unlock()
}

func (a *Assembler) materialize(c *campaign.Campaign, now int64) Payload {
	p := Payload{
		EventID:    a.mintID(),
		CampaignID: c.ID,
		WallTS:     now,
		Persist:    c.Persist,
		Compress:   c.Compress,
	}
	for _, cs := range c.CollectSignals {
		lo := now - cs.Retention.WindowMs
		samples := a.hist.SamplesSince(cs.SignalID, lo, cs.Retention.MaxSamples)
		if len(samples) == 0 {
			continue
		}
		p.Signals = append(p.Signals, SignalSamples{SignalID: cs.SignalID, Samples: samples})
		p.CollectedSignalIDs = append(p.CollectedSignalIDs, cs.SignalID)
	}
	return p
}
