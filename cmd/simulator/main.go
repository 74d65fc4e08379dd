// Command simulator runs a standalone MQTT broker acting as the cloud side
// of spec.md §6's exchange: it pushes a decoder manifest and a collection
// campaign to the vehicle topics, then logs every message the vehicle
// publishes back (telemetry payloads, check-ins, command responses).
//
// Grounded on the teacher's cmd/tr-engine/main.go for the flag/signal/
// graceful-shutdown skeleton; the broker and cloud roles themselves are
// internal/simulator.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/decoder"
	"github.com/snarg/edge-agent/internal/expr"
	"github.com/snarg/edge-agent/internal/signalid"
	"github.com/snarg/edge-agent/internal/simulator"
)

func main() {
	addr := flag.String("addr", ":1883", "MQTT listen address")
	vehicleID := flag.String("vehicle-id", "sim-vehicle-1", "Vehicle id used to build the vehicles/<id>/* topics")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cloud *simulator.Cloud
	broker, err := simulator.NewBroker(*addr, log.With().Str("component", "broker").Logger(), func(topic string, payload []byte) {
		cloud.OnPublish(topic, payload)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct simulator broker")
	}
	cloud = simulator.NewCloud(broker, *vehicleID, log.With().Str("component", "cloud").Logger())

	errCh := make(chan error, 1)
	go func() { errCh <- broker.Serve() }()

	// Give the listener a moment to come up before the first push.
	time.Sleep(200 * time.Millisecond)

	doc := sampleManifest()
	if err := cloud.PushManifest(doc); err != nil {
		log.Error().Err(err).Msg("failed to push sample manifest")
	} else {
		log.Info().Str("manifest_id", doc.ID).Msg("pushed sample decoder manifest")
	}

	campaigns := []*campaign.Campaign{sampleCampaign(doc.ID)}
	if err := cloud.PushCampaigns(campaigns); err != nil {
		log.Error().Err(err).Msg("failed to push sample campaign")
	} else {
		log.Info().Int("count", len(campaigns)).Msg("pushed sample collection scheme list")
	}

	log.Info().Str("addr", *addr).Str("vehicle_id", *vehicleID).Msg("simulator ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("broker error")
		}
	}

	if err := broker.Stop(); err != nil {
		log.Error().Err(err).Msg("broker shutdown error")
	}
	log.Info().Int("messages_observed", len(cloud.Received())).Msg("simulator stopped")
}

// sampleManifest builds a small decoder manifest: one CAN signal (engine
// speed) and one OBD PID (vehicle speed), enough to exercise both decode
// paths end to end.
func sampleManifest() campaign.ManifestDoc {
	return campaign.ManifestDoc{
		ID: "manifest-sim-1",
		CAN: []struct {
			Key    decoder.CANKey
			Format decoder.FrameFormat
		}{
			{
				Key: decoder.CANKey{InterfaceID: "can0", FrameID: 0x201},
				Format: decoder.FrameFormat{
					SignalID:  1001,
					Type:      signalid.TypeF64,
					StartBit:  0,
					LengthBit: 16,
					BigEndian: false,
					Factor:    0.25,
					Offset:    0,
				},
			},
		},
		OBD: []struct {
			Pid    uint8
			Format decoder.PidFormat
		}{
			{
				Pid: 0x0D,
				Format: decoder.PidFormat{
					SignalID:   1002,
					Type:       signalid.TypeF64,
					ByteOffset: 0,
					ByteLength: 1,
					Factor:     1,
					Offset:     0,
				},
			},
		},
	}
}

// sampleCampaign builds a campaign collecting both sample manifest signals
// whenever engine speed exceeds 1000 rpm.
func sampleCampaign(manifestID campaign.SyncID) *campaign.Campaign {
	now := time.Now().UnixMilli()
	condition := expr.Tree{
		{Kind: expr.KindBinaryOp, Op: expr.OpGt, Left: 1, Right: 2},
		{Kind: expr.KindSignalRef, SignalID: 1001},
		{Kind: expr.KindConstant, Const: signalid.NumValue(signalid.TypeF64, 1000)},
	}
	return &campaign.Campaign{
		ID:                   "campaign-sim-1",
		DecoderManifestID:    manifestID,
		StartTime:            now,
		ExpiryTime:           now + int64(24*time.Hour/time.Millisecond),
		Priority:             5,
		Persist:              false,
		Compress:             false,
		MinPublishIntervalMs: 5000,
		CollectSignals: []campaign.CollectSignal{
			{SignalID: 1001},
			{SignalID: 1002},
		},
		CollectCondition: condition,
	}
}
