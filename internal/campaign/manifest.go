package campaign

import "github.com/snarg/edge-agent/internal/decoder"

// ManifestDoc is the raw, already-parsed decoder manifest document as
// received from the cloud — the inputs decoder.Build needs (spec.md §3
// DecoderDictionary). The wire parsing itself (protobuf/JSON/whatever the
// transport hands us) lives in internal/transport; this package only deals
// with the parsed shape.
type ManifestDoc struct {
	ID  SyncID
	CAN []struct {
		Key    decoder.CANKey
		Format decoder.FrameFormat
	}
	OBD []struct {
		Pid    uint8
		Format decoder.PidFormat
	}
	Custom []struct {
		InterfaceID   string
		DecoderString string
		Entry         decoder.CustomEntry
	}
}

func (m ManifestDoc) build() (*decoder.Dictionary, error) {
	return decoder.Build(m.ID, m.CAN, m.OBD, m.Custom)
}
