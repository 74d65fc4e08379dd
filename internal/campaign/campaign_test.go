package campaign

import "testing"

func TestEqualIdenticalCampaigns(t *testing.T) {
	a := &Campaign{ID: "c1", Priority: 1, CollectSignals: []CollectSignal{{SignalID: 1}}}
	b := &Campaign{ID: "c1", Priority: 1, CollectSignals: []CollectSignal{{SignalID: 1}}}
	if !a.Equal(b) {
		t.Fatal("structurally identical campaigns should be Equal")
	}
}

func TestEqualDiffersOnPriority(t *testing.T) {
	a := &Campaign{ID: "c1", Priority: 1}
	b := &Campaign{ID: "c1", Priority: 2}
	if a.Equal(b) {
		t.Fatal("campaigns differing in priority should not be Equal")
	}
}

func TestEqualDiffersOnCollectSignals(t *testing.T) {
	a := &Campaign{ID: "c1", CollectSignals: []CollectSignal{{SignalID: 1}}}
	b := &Campaign{ID: "c1", CollectSignals: []CollectSignal{{SignalID: 2}}}
	if a.Equal(b) {
		t.Fatal("campaigns with different collect signals should not be Equal")
	}
}

func TestEqualNilHandling(t *testing.T) {
	var a, b *Campaign
	if !a.Equal(b) {
		t.Fatal("two nil campaigns should be Equal")
	}
	c := &Campaign{ID: "c1"}
	if c.Equal(nil) || (*Campaign)(nil).Equal(c) {
		t.Fatal("a nil and a non-nil campaign should never be Equal")
	}
}

func TestLessOrdersByPriorityThenID(t *testing.T) {
	low := &Campaign{ID: "b", Priority: 1}
	high := &Campaign{ID: "a", Priority: 5}
	if !Less(low, high) {
		t.Fatal("lower priority should sort first regardless of id")
	}

	a := &Campaign{ID: "a", Priority: 1}
	b := &Campaign{ID: "b", Priority: 1}
	if !Less(a, b) {
		t.Fatal("equal priority should fall back to id ordering")
	}
}
