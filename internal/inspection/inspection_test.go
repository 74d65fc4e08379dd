package inspection

import (
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/customfn"
	"github.com/snarg/edge-agent/internal/decoder"
	"github.com/snarg/edge-agent/internal/expr"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/payload"
	"github.com/snarg/edge-agent/internal/signalid"
	"github.com/snarg/edge-agent/internal/stringarena"
)

type firedCollector struct {
	mu   sync.Mutex
	docs []payload.Payload
}

func (f *firedCollector) onReady(p payload.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, p)
}

func (f *firedCollector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func eventIDCounter() payload.EventIDFunc {
	var n int
	return func() string {
		n++
		return "evt"
	}
}

func buildManifest() campaign.ManifestDoc {
	return campaign.ManifestDoc{
		ID: "m1",
		CAN: []struct {
			Key    decoder.CANKey
			Format decoder.FrameFormat
		}{
			{Key: decoder.CANKey{InterfaceID: "can0", FrameID: 0x100}, Format: decoder.FrameFormat{SignalID: 1, Type: signalid.TypeF64}},
		},
	}
}

func alwaysTrue() expr.Tree {
	return expr.Tree{{Kind: expr.KindConstant, Const: signalid.BoolValue(true)}}
}

// signalGreaterThan builds a tree equivalent to "signal(id) > threshold".
func signalGreaterThan(id signalid.ID, threshold float64) expr.Tree {
	return expr.Tree{
		{Kind: expr.KindBinaryOp, Op: expr.OpGt, Left: 1, Right: 2},
		{Kind: expr.KindSignalRef, SignalID: id},
		{Kind: expr.KindConstant, Const: signalid.NumValue(signalid.TypeF64, threshold)},
	}
}

func setup(t *testing.T) (*Engine, *campaign.Manager, *history.History, *firedCollector) {
	t.Helper()
	mgr := campaign.NewManager(t.TempDir(), zerolog.Nop())
	hist := history.New(stringarena.New())
	reg := customfn.NewRegistry()
	customfn.RegisterBuiltins(reg, mgr)
	fc := &firedCollector{}
	asm := payload.NewAssembler(hist, eventIDCounter(), fc.onReady, zerolog.Nop())

	now := int64(1000) // nonzero: distinguishes "never fired" (lastFireTime==0) from "fired at now"
	e := NewEngine(mgr, hist, reg, asm, func() int64 { return now }, func() int64 { return now }, 1000, zerolog.Nop())
	mgr.SetListener(e)

	mgr.IngestManifest(buildManifest(), 0)
	return e, mgr, hist, fc
}

func TestTickFiresWhenConditionTrue(t *testing.T) {
	e, mgr, hist, fc := setup(t)
	hist.SetRetention(1, history.Retention{WindowMs: 60000, MaxSamples: 10})
	hist.Ingest(signalid.Sample{SignalID: 1, MonotonicTS: 0, WallTS: 0, Value: signalid.NumValue(signalid.TypeF64, 42)})

	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		CollectSignals:   []campaign.CollectSignal{{SignalID: 1, Retention: history.Retention{WindowMs: 60000, MaxSamples: 10}}},
		CollectCondition: alwaysTrue(),
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)

	e.tick()

	if fc.count() != 1 {
		t.Fatalf("fc.count() = %d, want 1 fired payload", fc.count())
	}
}

func TestTickDoesNotFireWhenConditionFalse(t *testing.T) {
	e, mgr, _, fc := setup(t)
	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		CollectCondition: expr.Tree{{Kind: expr.KindConstant, Const: signalid.BoolValue(false)}},
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)

	e.tick()

	if fc.count() != 0 {
		t.Fatalf("fc.count() = %d, want 0", fc.count())
	}
}

func TestRisingEdgeOnlyFiresOnTransition(t *testing.T) {
	e, mgr, hist, fc := setup(t)
	hist.SetRetention(1, history.Retention{WindowMs: 60000, MaxSamples: 10})

	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		TriggerOnlyOnRisingEdge: true,
		CollectSignals:          []campaign.CollectSignal{{SignalID: 1, Retention: history.Retention{WindowMs: 60000, MaxSamples: 10}}},
		CollectCondition:        signalGreaterThan(1, 1000),
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)

	hist.Ingest(signalid.Sample{SignalID: 1, MonotonicTS: 0, WallTS: 0, Value: signalid.NumValue(signalid.TypeF64, 2000)})
	e.tick() // rising edge: condition goes false -> true, should fire
	e.tick() // still high, no edge: should not fire again

	if fc.count() != 1 {
		t.Fatalf("fc.count() = %d, want exactly 1 fire across the rising edge", fc.count())
	}
}

func TestMinPublishIntervalThrottlesRefires(t *testing.T) {
	e, mgr, hist, fc := setup(t)
	hist.SetRetention(1, history.Retention{WindowMs: 60000, MaxSamples: 10})
	hist.Ingest(signalid.Sample{SignalID: 1, MonotonicTS: 0, WallTS: 0, Value: signalid.NumValue(signalid.TypeF64, 2000)})

	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		MinPublishIntervalMs: 5000,
		CollectSignals:        []campaign.CollectSignal{{SignalID: 1, Retention: history.Retention{WindowMs: 60000, MaxSamples: 10}}},
		CollectCondition:      signalGreaterThan(1, 1000),
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)

	e.tick()
	e.tick() // same wall time: still inside min_publish_interval_ms window

	if fc.count() != 1 {
		t.Fatalf("fc.count() = %d, want 1 (second tick should be throttled)", fc.count())
	}
}

func TestOnCampaignActivatedResetsRisingEdge(t *testing.T) {
	e, mgr, hist, fc := setup(t)
	hist.SetRetention(1, history.Retention{WindowMs: 60000, MaxSamples: 10})
	hist.Ingest(signalid.Sample{SignalID: 1, MonotonicTS: 0, WallTS: 0, Value: signalid.NumValue(signalid.TypeF64, 2000)})

	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		TriggerOnlyOnRisingEdge: true,
		CollectSignals:          []campaign.CollectSignal{{SignalID: 1, Retention: history.Retention{WindowMs: 60000, MaxSamples: 10}}},
		CollectCondition:        signalGreaterThan(1, 1000),
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)
	e.tick() // fires once on the rising edge

	// Swapping the manifest away and back moves the campaign Idle then
	// Active again: re-activation must reset rising-edge tracking so the
	// still-high condition fires again.
	mgr.IngestManifest(campaign.ManifestDoc{ID: "m2"}, 0)
	mgr.IngestManifest(buildManifest(), 0)
	e.tick()

	if fc.count() != 2 {
		t.Fatalf("fc.count() = %d, want 2 (re-activation should reset rising-edge state)", fc.count())
	}
}

func TestForgetOrphanedSignalsOnCampaignRemoved(t *testing.T) {
	e, mgr, hist, _ := setup(t)
	hist.SetRetention(1, history.Retention{WindowMs: 60000, MaxSamples: 10})
	hist.Ingest(signalid.Sample{SignalID: 1, MonotonicTS: 0, WallTS: 0, Value: signalid.NumValue(signalid.TypeF64, 1)})

	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		CollectSignals:   []campaign.CollectSignal{{SignalID: 1}},
		CollectCondition: alwaysTrue(),
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)
	e.tick()

	mgr.IngestCollectionSchemeList([]*campaign.Campaign{}, 0) // drop c1 entirely

	if _, _, ok := hist.Latest(1); ok {
		t.Fatal("history for signal 1 should be forgotten once no remaining campaign references it")
	}
}

func TestComputeTickMsUsesGCDOfActiveIntervals(t *testing.T) {
	e, mgr, _, _ := setup(t)
	c1 := &campaign.Campaign{ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000, MinPublishIntervalMs: 200, CollectCondition: alwaysTrue()}
	c2 := &campaign.Campaign{ID: "c2", DecoderManifestID: "m1", ExpiryTime: 100000, MinPublishIntervalMs: 300, CollectCondition: alwaysTrue()}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c1, c2}, 0)

	if got := e.computeTickMs(); got != 100 {
		t.Fatalf("computeTickMs() = %d, want 100 (gcd of 200 and 300)", got)
	}
}

func TestConditionEndWiresCustomFnOutputBackIntoHistory(t *testing.T) {
	e, mgr, hist, _ := setup(t)

	doc := buildManifest()
	doc.Custom = append(doc.Custom, struct {
		InterfaceID   string
		DecoderString string
		Entry         decoder.CustomEntry
	}{InterfaceID: campaign.NamedSignalInterfaceID, DecoderString: "Vehicle.FileSize", Entry: decoder.CustomEntry{SignalID: 99, Type: signalid.TypeF64}})
	mgr.IngestManifest(doc, 0)

	tmp := t.TempDir() + "/probe.txt"
	if err := os.WriteFile(tmp, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write probe file: %v", err)
	}

	c := &campaign.Campaign{
		ID: "c1", DecoderManifestID: "m1", ExpiryTime: 100000,
		CollectSignals: []campaign.CollectSignal{{SignalID: 99}},
		CollectCondition: expr.Tree{
			{Kind: expr.KindCustomFunction, FuncName: "file_size", Args: []int{1}},
			{Kind: expr.KindConstant, Const: signalid.StringValue(tmp)},
		},
	}
	mgr.IngestCollectionSchemeList([]*campaign.Campaign{c}, 0)

	e.tick()

	if _, _, ok := hist.Latest(99); !ok {
		t.Fatal("expected the file_size ConditionEnd output to be ingested into history for signal 99")
	}
}
