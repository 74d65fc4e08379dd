// Package campaign implements the campaign/manifest document model (spec.md
// §3) and the Campaign Manager (spec.md §4.4): ingestion, validation,
// reconciliation, persistence, and check-in of cloud-issued collection
// campaigns and decoder manifests.
package campaign

import (
	"github.com/snarg/edge-agent/internal/expr"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/signalid"
)

// SyncID is an opaque cloud-assigned identifier for a campaign or manifest
// document (spec.md GLOSSARY).
type SyncID = string

// State is a campaign's lifecycle state (spec.md §3).
type State int

const (
	StatePending State = iota
	StateActive
	StateIdle
	StateExpired
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateExpired:
		return "expired"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// CollectSignal pairs a signal with the retention the campaign requires of
// it (spec.md §3 HistoryWindow).
type CollectSignal struct {
	SignalID  signalid.ID
	Retention history.Retention
}

// FetchSpec is a side-effecting fetch action gated by a condition (spec.md
// §3, §4.5).
type FetchSpec struct {
	SignalID                signalid.ID
	Condition                expr.Tree
	Action                   expr.Tree
	MaxExecutionPerInterval  int
	ExecutionIntervalMs      int64
}

// StoreAndForwardConfig is carried opaquely: spec.md names the field but
// leaves its semantics to store-and-forward, which is out of the core's
// scope (spec.md §1 Non-goals implicitly — no concrete store-and-forward
// mechanics are specified). Round-tripped byte-for-byte.
type StoreAndForwardConfig struct {
	Raw []byte
}

// Campaign is the cloud-issued document describing what to collect, when,
// and how to deliver it (spec.md §3).
type Campaign struct {
	ID                      SyncID
	DecoderManifestID       SyncID
	StartTime               int64
	ExpiryTime              int64
	Priority                int
	Persist                 bool
	Compress                bool
	MinPublishIntervalMs    int64
	AfterDurationMs         int64
	TriggerOnlyOnRisingEdge bool
	CollectSignals          []CollectSignal
	CollectCondition        expr.Tree
	FetchInformation        []FetchSpec
	StoreAndForward         *StoreAndForwardConfig
}

// Equal reports structural equality, used by the reconciler to decide
// whether a campaign present in both the old and new list should be left
// untouched (spec.md §4.4: "identity by structural equality of the parsed
// campaign").
func (c *Campaign) Equal(o *Campaign) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.ID != o.ID || c.DecoderManifestID != o.DecoderManifestID ||
		c.StartTime != o.StartTime || c.ExpiryTime != o.ExpiryTime ||
		c.Priority != o.Priority || c.Persist != o.Persist || c.Compress != o.Compress ||
		c.MinPublishIntervalMs != o.MinPublishIntervalMs || c.AfterDurationMs != o.AfterDurationMs ||
		c.TriggerOnlyOnRisingEdge != o.TriggerOnlyOnRisingEdge {
		return false
	}
	if len(c.CollectSignals) != len(o.CollectSignals) || len(c.FetchInformation) != len(o.FetchInformation) {
		return false
	}
	if (c.StoreAndForward == nil) != (o.StoreAndForward == nil) ||
		(c.StoreAndForward != nil && string(c.StoreAndForward.Raw) != string(o.StoreAndForward.Raw)) {
		return false
	}
	for i := range c.CollectSignals {
		if c.CollectSignals[i] != o.CollectSignals[i] {
			return false
		}
	}
	return treeEqual(c.CollectCondition, o.CollectCondition) && fetchEqual(c.FetchInformation, o.FetchInformation)
}

func fetchEqual(a, b []FetchSpec) bool {
	for i := range a {
		if a[i].SignalID != b[i].SignalID ||
			a[i].MaxExecutionPerInterval != b[i].MaxExecutionPerInterval ||
			a[i].ExecutionIntervalMs != b[i].ExecutionIntervalMs {
			return false
		}
		if !treeEqual(a[i].Condition, b[i].Condition) || !treeEqual(a[i].Action, b[i].Action) {
			return false
		}
	}
	return true
}

func treeEqual(a, b expr.Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].SignalID != b[i].SignalID ||
			a[i].WindowFn != b[i].WindowFn || a[i].WindowMs != b[i].WindowMs ||
			a[i].Op != b[i].Op || a[i].Left != b[i].Left || a[i].Right != b[i].Right ||
			a[i].UOp != b[i].UOp || a[i].Child != b[i].Child || a[i].FuncName != b[i].FuncName ||
			a[i].Const != b[i].Const || len(a[i].Args) != len(b[i].Args) {
			return false
		}
		for j := range a[i].Args {
			if a[i].Args[j] != b[i].Args[j] {
				return false
			}
		}
	}
	return true
}

// priority-then-id ordering for Inspection Engine scheduling (spec.md §4.3).
func Less(a, b *Campaign) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
