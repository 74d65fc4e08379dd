// Package decoder implements the Decoder Dictionary (spec.md §3): an
// immutable, versioned mapping from wire-level identifiers (CAN frame+bit
// range, OBD PID, custom decoder string, SOME/IP path) to internal
// SignalIDs and types. Grounded on the source's IDecoderDictionary.h /
// CANDecoderDictionary, generalized from CAN-only to the four interface
// kinds spec.md names.
package decoder

import (
	"fmt"

	"github.com/snarg/edge-agent/internal/signalid"
)

// CANKey identifies a CAN frame by interface and arbitration ID.
type CANKey struct {
	InterfaceID string
	FrameID     uint32
}

// FrameFormat describes how to extract a signal's raw bits from a CAN
// frame's payload.
type FrameFormat struct {
	SignalID  signalid.ID
	Type      signalid.Type
	StartBit  uint16
	LengthBit uint16
	BigEndian bool
	Factor    float64
	Offset    float64
}

// PidFormat describes how to decode an OBD-II PID response into a signal.
type PidFormat struct {
	SignalID signalid.ID
	Type     signalid.Type
	ByteOffset int
	ByteLength int
	Factor     float64
	Offset     float64
}

// CustomEntry is one decoder_string -> (SignalID, Type) binding for a given
// custom interface (SOME/IP path, ROS2 topic, GPS field, etc).
type CustomEntry struct {
	SignalID signalid.ID
	Type     signalid.Type
}

// Dictionary is an immutable snapshot published atomically on manifest
// change (spec.md §3, §5, §9 "Shared immutable snapshots"). Never mutated
// in place: the Campaign Manager builds and swaps in a new *Dictionary on
// every manifest ingest or reload.
type Dictionary struct {
	ManifestID  string
	CANDecode   map[CANKey]FrameFormat
	OBDDecode   map[uint8]PidFormat
	Custom      map[string]map[string]CustomEntry // interfaceID -> decoderString -> entry
	reverse     map[signalid.ID]signalid.Type
}

// Build validates and constructs a Dictionary from raw manifest entries.
// Returns ManifestInvalid-flavored errors (spec.md §7) on conflicting type
// bindings for the same SignalID, which is disallowed by spec.md §3
// ("changing type requires a new SignalID").
func Build(manifestID string, can []struct {
	Key    CANKey
	Format FrameFormat
}, obd []struct {
	Pid    uint8
	Format PidFormat
}, custom []struct {
	InterfaceID   string
	DecoderString string
	Entry         CustomEntry
}) (*Dictionary, error) {
	d := &Dictionary{
		ManifestID: manifestID,
		CANDecode:  make(map[CANKey]FrameFormat, len(can)),
		OBDDecode:  make(map[uint8]PidFormat, len(obd)),
		Custom:     make(map[string]map[string]CustomEntry),
		reverse:    make(map[signalid.ID]signalid.Type),
	}

	bindType := func(id signalid.ID, t signalid.Type) error {
		if existing, ok := d.reverse[id]; ok && existing != t {
			return fmt.Errorf("manifest %s: signal %d bound to both %s and %s", manifestID, id, existing, t)
		}
		d.reverse[id] = t
		return nil
	}

	for _, c := range can {
		if err := bindType(c.Format.SignalID, c.Format.Type); err != nil {
			return nil, err
		}
		d.CANDecode[c.Key] = c.Format
	}
	for _, o := range obd {
		if err := bindType(o.Format.SignalID, o.Format.Type); err != nil {
			return nil, err
		}
		d.OBDDecode[o.Pid] = o.Format
	}
	for _, c := range custom {
		if err := bindType(c.Entry.SignalID, c.Entry.Type); err != nil {
			return nil, err
		}
		if d.Custom[c.InterfaceID] == nil {
			d.Custom[c.InterfaceID] = make(map[string]CustomEntry)
		}
		d.Custom[c.InterfaceID][c.DecoderString] = c.Entry
	}

	return d, nil
}

// TypeOf returns the type bound to a SignalID in this dictionary.
func (d *Dictionary) TypeOf(id signalid.ID) (signalid.Type, bool) {
	t, ok := d.reverse[id]
	return t, ok
}

// ResolveCustom looks up a named signal on a custom interface, used by the
// NamedSignalDataSource.ingest_value contract (spec.md §6).
func (d *Dictionary) ResolveCustom(interfaceID, decoderString string) (CustomEntry, bool) {
	m, ok := d.Custom[interfaceID]
	if !ok {
		return CustomEntry{}, false
	}
	e, ok := m[decoderString]
	return e, ok
}

// HasSignal reports whether this dictionary defines the given SignalID at
// all. The Campaign Manager does not use it: it matches a campaign to the
// active manifest by comparing manifest ids.
func (d *Dictionary) HasSignal(id signalid.ID) bool {
	_, ok := d.reverse[id]
	return ok
}
