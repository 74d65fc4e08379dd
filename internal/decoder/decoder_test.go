package decoder

import (
	"testing"

	"github.com/snarg/edge-agent/internal/signalid"
)

func TestBuildAndResolve(t *testing.T) {
	d, err := Build("manifest-1",
		[]struct {
			Key    CANKey
			Format FrameFormat
		}{
			{Key: CANKey{InterfaceID: "can0", FrameID: 0x100}, Format: FrameFormat{SignalID: 1, Type: signalid.TypeU16}},
		},
		[]struct {
			Pid    uint8
			Format PidFormat
		}{
			{Pid: 0x0C, Format: PidFormat{SignalID: 2, Type: signalid.TypeF64}},
		},
		[]struct {
			InterfaceID   string
			DecoderString string
			Entry         CustomEntry
		}{
			{InterfaceID: "ros2", DecoderString: "/gps/fix", Entry: CustomEntry{SignalID: 3, Type: signalid.TypeF64}},
		},
	)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	typ, ok := d.TypeOf(1)
	if !ok || typ != signalid.TypeU16 {
		t.Errorf("TypeOf(1) = %v, %v, want TypeU16, true", typ, ok)
	}

	if !d.HasSignal(2) {
		t.Error("HasSignal(2) = false, want true")
	}
	if d.HasSignal(999) {
		t.Error("HasSignal(999) = true, want false")
	}

	entry, ok := d.ResolveCustom("ros2", "/gps/fix")
	if !ok || entry.SignalID != 3 {
		t.Errorf("ResolveCustom() = %+v, %v, want SignalID=3, true", entry, ok)
	}

	if _, ok := d.ResolveCustom("ros2", "/unknown"); ok {
		t.Error("ResolveCustom() for unknown decoder string should report not-ok")
	}
	if _, ok := d.ResolveCustom("unknown-iface", "/gps/fix"); ok {
		t.Error("ResolveCustom() for unknown interface should report not-ok")
	}
}

func TestBuildConflictingTypeBinding(t *testing.T) {
	// Same SignalID bound to two different types within one manifest must
	// be rejected (spec.md §3: changing type requires a new SignalID).
	_, err := Build("manifest-1",
		[]struct {
			Key    CANKey
			Format FrameFormat
		}{
			{Key: CANKey{InterfaceID: "can0", FrameID: 0x100}, Format: FrameFormat{SignalID: 1, Type: signalid.TypeU16}},
		},
		[]struct {
			Pid    uint8
			Format PidFormat
		}{
			{Pid: 0x0C, Format: PidFormat{SignalID: 1, Type: signalid.TypeF64}},
		},
		nil,
	)
	if err == nil {
		t.Fatal("expected an error for conflicting type bindings on the same SignalID")
	}
}

func TestTypeOfUnknownSignal(t *testing.T) {
	d, err := Build("manifest-1", nil, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, ok := d.TypeOf(42); ok {
		t.Error("TypeOf on an unknown signal should report not-ok")
	}
}
