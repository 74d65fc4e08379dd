package simulator

import (
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/signalid"
)

func TestCloudTopicNaming(t *testing.T) {
	c := &Cloud{vehicleID: "veh-1"}
	if got := c.topic("manifest"); got != "vehicles/veh-1/manifest" {
		t.Fatalf("topic = %q, want vehicles/veh-1/manifest", got)
	}
	if got := c.topic("campaigns"); got != "vehicles/veh-1/campaigns" {
		t.Fatalf("topic = %q, want vehicles/veh-1/campaigns", got)
	}
}

func TestCloudOnPublishAccumulatesReceived(t *testing.T) {
	c := &Cloud{log: zerolog.Nop()}
	c.OnPublish("vehicles/veh-1/telemetry", []byte("sample-1"))
	c.OnPublish("vehicles/veh-1/checkin", []byte("sample-2"))

	got := c.Received()
	if len(got) != 2 {
		t.Fatalf("Received() returned %d entries, want 2", len(got))
	}
	if got[0].Topic != "vehicles/veh-1/telemetry" || string(got[0].Payload) != "sample-1" {
		t.Fatalf("entry 0 = %+v, want telemetry/sample-1", got[0])
	}
}

func TestCloudOnPublishCopiesPayload(t *testing.T) {
	c := &Cloud{log: zerolog.Nop()}
	buf := []byte("mutate-me")
	c.OnPublish("t", buf)
	buf[0] = 'X'

	got := c.Received()
	if string(got[0].Payload) != "mutate-me" {
		t.Fatalf("Received payload = %q, want an independent copy unaffected by later mutation", got[0].Payload)
	}
}

func TestSniffHookForwardsPublishedPackets(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	h := &sniffHook{onPublish: func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}}

	pk := packets.Packet{TopicName: "vehicles/veh-1/telemetry", Payload: []byte("hello")}
	out, err := h.OnPublish(nil, pk)
	if err != nil {
		t.Fatalf("OnPublish: %v", err)
	}
	if out.TopicName != pk.TopicName {
		t.Fatalf("OnPublish must return the packet unmodified, got topic %q", out.TopicName)
	}
	if gotTopic != "vehicles/veh-1/telemetry" || string(gotPayload) != "hello" {
		t.Fatalf("onPublish callback got (%q, %q), want the forwarded packet", gotTopic, gotPayload)
	}
}

func TestSniffHookNilCallbackIsNoop(t *testing.T) {
	h := &sniffHook{}
	_, err := h.OnPublish(nil, packets.Packet{TopicName: "t"})
	if err != nil {
		t.Fatalf("OnPublish with a nil callback should not error, got %v", err)
	}
}

func TestBrokerServeAndStop(t *testing.T) {
	broker, err := NewBroker("127.0.0.1:0", zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- broker.Serve() }()
	time.Sleep(50 * time.Millisecond)

	if err := broker.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestCloudPushManifestAndCampaigns(t *testing.T) {
	var published []Received
	broker, err := NewBroker("127.0.0.1:0", zerolog.Nop(), func(topic string, payload []byte) {
		published = append(published, Received{Topic: topic, Payload: payload})
	})
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	go broker.Serve()
	defer broker.Stop()
	time.Sleep(50 * time.Millisecond)

	cloud := NewCloud(broker, "veh-1", zerolog.Nop())

	doc := campaign.ManifestDoc{ID: "m1"}
	if err := cloud.PushManifest(doc); err != nil {
		t.Fatalf("PushManifest: %v", err)
	}

	c := &campaign.Campaign{ID: "c1", CollectSignals: []campaign.CollectSignal{{SignalID: signalid.ID(1)}}}
	if err := cloud.PushCampaigns([]*campaign.Campaign{c}); err != nil {
		t.Fatalf("PushCampaigns: %v", err)
	}
}
