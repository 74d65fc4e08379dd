package inspection

import (
	"github.com/snarg/edge-agent/internal/expr"
)

// invocationKey identifies one custom-function call site within a campaign:
// which tree it belongs to (collect_condition, or a given fetch spec's
// condition/action) and which node index within that tree (spec.md §4.3:
// "invocation id is deterministic per (campaign_id, node_index)" — treeTag
// disambiguates a campaign's several independent trees).
type invocationKey struct {
	tree string
	node int
}

// campaignRuntime is the Inspection Engine's private state for one active
// (or previously active) campaign: rising-edge tracking, publish-interval
// throttling, fetch rate limiting, and the stable custom-function
// invocation id table. Owned exclusively by the Engine's single evaluator
// goroutine — never shared, so no locking (spec.md §5).
type campaignRuntime struct {
	prevCondition bool
	lastFireTime  int64

	invocationIDs   map[invocationKey]uint64
	invocationFuncs map[invocationKey]string

	fetchWindowStart map[int]int64
	fetchWindowCount map[int]int
}

func newCampaignRuntime() *campaignRuntime {
	return &campaignRuntime{
		invocationIDs:    make(map[invocationKey]uint64),
		invocationFuncs:  make(map[invocationKey]string),
		fetchWindowStart: make(map[int]int64),
		fetchWindowCount: make(map[int]int),
	}
}

// treeIDs adapts one (campaignRuntime, tree) pair to expr.InvocationIDs,
// lazily allocating a globally-unique invocation id the first time a given
// node is evaluated and caching it for the lifetime of the campaign
// (spec.md §4.3 custom-function lifetime; spec.md §9 "invocation ids keyed
// by (campaign_id, node_index)").
type treeIDs struct {
	rt      *campaignRuntime
	tag     string
	tree    expr.Tree
	allocID func() uint64
}

func (t *treeIDs) InvocationID(nodeIndex int) uint64 {
	key := invocationKey{tree: t.tag, node: nodeIndex}
	if id, ok := t.rt.invocationIDs[key]; ok {
		return id
	}
	id := t.allocID()
	t.rt.invocationIDs[key] = id
	if nodeIndex >= 0 && nodeIndex < len(t.tree) {
		t.rt.invocationFuncs[key] = t.tree[nodeIndex].FuncName
	}
	return id
}

// fetchRateOK reports whether idx's fetch spec may fire its action this
// cycle, and records the attempt if so (spec.md §4.3 step 2).
func (rt *campaignRuntime) fetchRateOK(idx int, wallNow, intervalMs int64, maxPerInterval int) bool {
	if maxPerInterval <= 0 {
		return true
	}
	start, ok := rt.fetchWindowStart[idx]
	if !ok || wallNow-start >= intervalMs {
		rt.fetchWindowStart[idx] = wallNow
		rt.fetchWindowCount[idx] = 0
		start = wallNow
	}
	if rt.fetchWindowCount[idx] >= maxPerInterval {
		return false
	}
	rt.fetchWindowCount[idx]++
	return true
}
