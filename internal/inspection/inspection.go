// Package inspection implements the Inspection Engine (spec.md §4.3): the
// single evaluator task that, per wake, walks active campaigns in
// priority-then-id order, evaluates fetch specs and the collect_condition,
// applies rising-edge and min-publish-interval trigger rules, and delegates
// firing campaigns to the Payload Assembler.
package inspection

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/customfn"
	"github.com/snarg/edge-agent/internal/expr"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/payload"
	"github.com/snarg/edge-agent/internal/signalid"
)

const collectTreeTag = "collect"

// Engine is the Inspection Engine: the sole writer and reader of the
// Signal History Buffer (spec.md §5), and the sole owner of per-campaign
// runtime state including custom-function invocation ids.
type Engine struct {
	mgr        *campaign.Manager
	hist       *history.History
	fnRegistry *customfn.Registry
	assembler  *payload.Assembler
	nowMono    func() int64
	nowWall    func() int64
	maxTickMs  int64
	log        zerolog.Logger

	mu      sync.Mutex
	runtime map[campaign.SyncID]*campaignRuntime

	wake     chan struct{}
	nextID   atomic.Uint64
	cyclesRu atomic.Uint64
}

func NewEngine(
	mgr *campaign.Manager,
	hist *history.History,
	fnRegistry *customfn.Registry,
	assembler *payload.Assembler,
	nowMono, nowWall func() int64,
	maxTickMs int64,
	log zerolog.Logger,
) *Engine {
	if maxTickMs <= 0 {
		maxTickMs = 1000
	}
	e := &Engine{
		mgr:        mgr,
		hist:       hist,
		fnRegistry: fnRegistry,
		assembler:  assembler,
		nowMono:    nowMono,
		nowWall:    nowWall,
		maxTickMs:  maxTickMs,
		log:        log.With().Str("component", "inspection_engine").Logger(),
		runtime:    make(map[campaign.SyncID]*campaignRuntime),
		wake:       make(chan struct{}, 1),
	}
	mgr.SetListener(e)
	return e
}

// Consume implements distributor.Consumer: every newly-distributed sample is
// ingested into history and wakes the scheduler (spec.md §4.3 wake source 1).
func (e *Engine) Consume(s signalid.Sample) {
	e.hist.Ingest(s)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop: wakes on a new sample or a periodic timer
// capped at maxTickMs, recomputed from the gcd of active campaigns'
// min_publish_interval_ms (spec.md §4.3 wake source 2).
func (e *Engine) Run(ctx context.Context) {
	interval := e.maxTickMs
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}

		e.tick()

		if next := e.computeTickMs(); next != interval {
			interval = next
			ticker.Reset(time.Duration(interval) * time.Millisecond)
		}
	}
}

func (e *Engine) computeTickMs() int64 {
	campaigns := e.mgr.ActiveCampaigns()
	var g int64
	for _, c := range campaigns {
		if c.MinPublishIntervalMs <= 0 {
			continue
		}
		g = gcd(g, c.MinPublishIntervalMs)
	}
	if g <= 0 || g > e.maxTickMs {
		return e.maxTickMs
	}
	return g
}

func gcd(a, b int64) int64 {
	if a == 0 {
		return b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// tick runs exactly one evaluation cycle over the current Active campaign
// snapshot (spec.md §4.3).
func (e *Engine) tick() {
	wallNow := e.nowWall()
	monoNow := e.nowMono()

	e.mgr.Reconcile(wallNow)
	campaigns := e.mgr.ActiveCampaigns()

	out := &customfn.Output{}
	var firedThisCycle []*campaign.Campaign
	collected := make(map[campaign.SyncID][]signalid.ID, len(campaigns))

	for _, c := range campaigns {
		rt := e.runtimeFor(c.ID)

		for idx, fs := range c.FetchInformation {
			condIDs := &treeIDs{rt: rt, tag: fetchCondTag(idx), tree: fs.Condition, allocID: e.allocID}
			cond := expr.Evaluate(fs.Condition, monoNow, e.hist, e.fnRegistry, condIDs)
			if !cond.Bool() {
				continue
			}
			if !rt.fetchRateOK(idx, wallNow, fs.ExecutionIntervalMs, fs.MaxExecutionPerInterval) {
				continue
			}
			actIDs := &treeIDs{rt: rt, tag: fetchActionTag(idx), tree: fs.Action, allocID: e.allocID}
			expr.Evaluate(fs.Action, monoNow, e.hist, e.fnRegistry, actIDs)
		}

		collectIDs := &treeIDs{rt: rt, tag: collectTreeTag, tree: c.CollectCondition, allocID: e.allocID}
		cur := expr.Evaluate(c.CollectCondition, monoNow, e.hist, e.fnRegistry, collectIDs).Bool()

		fire := cur &&
			(!c.TriggerOnlyOnRisingEdge || !rt.prevCondition) &&
			(rt.lastFireTime == 0 || wallNow-rt.lastFireTime >= c.MinPublishIntervalMs)

		if fire {
			e.assembler.Fire(c, wallNow)
			rt.lastFireTime = wallNow
			firedThisCycle = append(firedThisCycle, c)
			ids := make([]signalid.ID, 0, len(c.CollectSignals))
			for _, cs := range c.CollectSignals {
				ids = append(ids, cs.SignalID)
			}
			collected[c.ID] = ids
		}
		rt.prevCondition = cur
	}

	e.conditionEnd(campaigns, collected, wallNow, out)
	for _, s := range out.Extra {
		e.hist.Ingest(s)
	}
	e.cyclesRu.Add(1)
}

// conditionEnd fans the per-cycle hook out to every custom function
// invocation allocated for each active campaign (spec.md §4.3 step 6).
func (e *Engine) conditionEnd(campaigns []*campaign.Campaign, collected map[campaign.SyncID][]signalid.ID, wallNow int64, out *customfn.Output) {
	for _, c := range campaigns {
		rt := e.runtimeFor(c.ID)
		ids := collected[c.ID]
		for key, invID := range rt.invocationIDs {
			name, ok := rt.invocationFuncs[key]
			if !ok {
				continue
			}
			e.fnRegistry.ConditionEnd(name, invID, ids, wallNow, out)
		}
	}
}

func (e *Engine) allocID() uint64 { return e.nextID.Add(1) }

func (e *Engine) runtimeFor(id campaign.SyncID) *campaignRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtime[id]
	if !ok {
		rt = newCampaignRuntime()
		e.runtime[id] = rt
	}
	return rt
}

func fetchCondTag(idx int) string   { return "fetch_cond_" + strconv.Itoa(idx) }
func fetchActionTag(idx int) string { return "fetch_action_" + strconv.Itoa(idx) }

// OnCampaignActivated implements campaign.Listener. Entering Active resets
// rising-edge tracking to false regardless of prior state (spec.md §4.3
// "Rising-edge semantics across manifest changes") and sizes the history
// buffer's retention for every signal the campaign references.
func (e *Engine) OnCampaignActivated(c *campaign.Campaign) {
	rt := e.runtimeFor(c.ID)
	rt.prevCondition = false
	for _, cs := range c.CollectSignals {
		e.hist.SetRetention(cs.SignalID, cs.Retention)
	}
}

// OnCampaignIdle implements campaign.Listener: leaving Active releases
// custom-function per-invocation state (spec.md §4.3 custom-function
// lifetime; S6), but keeps the invocation id table itself so re-activation
// reuses the same stable ids.
func (e *Engine) OnCampaignIdle(c *campaign.Campaign) { e.cleanupInvocations(c.ID) }

// OnCampaignExpired implements campaign.Listener: expiry is terminal (a
// campaign cannot un-expire), so runtime state is fully released.
func (e *Engine) OnCampaignExpired(c *campaign.Campaign) {
	e.cleanupInvocations(c.ID)
	e.dropRuntime(c.ID)
}

// OnCampaignRemoved implements campaign.Listener: releases all runtime
// state and forgets history for any signal no longer referenced by a
// remaining known campaign.
func (e *Engine) OnCampaignRemoved(c *campaign.Campaign) {
	e.cleanupInvocations(c.ID)
	e.dropRuntime(c.ID)
	e.forgetOrphanedSignals(c)
}

func (e *Engine) cleanupInvocations(id campaign.SyncID) {
	rt := e.runtimeFor(id)
	for key, invID := range rt.invocationIDs {
		if name, ok := rt.invocationFuncs[key]; ok {
			e.fnRegistry.Cleanup(name, invID)
		}
	}
}

func (e *Engine) dropRuntime(id campaign.SyncID) {
	e.mu.Lock()
	delete(e.runtime, id)
	e.mu.Unlock()
}

func (e *Engine) forgetOrphanedSignals(removed *campaign.Campaign) {
	stillNeeded := make(map[signalid.ID]bool)
	for _, c := range e.mgr.AllCampaigns() {
		if c.ID == removed.ID {
			continue
		}
		for _, cs := range c.CollectSignals {
			stillNeeded[cs.SignalID] = true
		}
	}
	for _, cs := range removed.CollectSignals {
		if !stillNeeded[cs.SignalID] {
			e.hist.Forget(cs.SignalID)
		}
	}
}

// CyclesRun reports the number of evaluation cycles completed, for diagnostics.
func (e *Engine) CyclesRun() uint64 { return e.cyclesRu.Load() }
