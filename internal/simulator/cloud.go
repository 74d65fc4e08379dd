package simulator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
)

// Cloud plays the role of the cloud backend in spec.md §6's exchange: it
// pushes decoder manifests and collection campaigns down to the vehicle and
// observes whatever the vehicle publishes back (telemetry payloads,
// check-ins, command responses).
type Cloud struct {
	broker    *Broker
	log       zerolog.Logger
	vehicleID string

	mu       sync.Mutex
	received []Received
}

// Received is one message the simulated vehicle published.
type Received struct {
	Topic   string
	Payload []byte
}

// NewCloud wires a Cloud on top of an already-constructed Broker, capturing
// every message the vehicle publishes.
func NewCloud(broker *Broker, vehicleID string, log zerolog.Logger) *Cloud {
	c := &Cloud{broker: broker, vehicleID: vehicleID, log: log}
	return c
}

// OnPublish is passed to NewBroker as its onPublish callback.
func (c *Cloud) OnPublish(topic string, payload []byte) {
	c.mu.Lock()
	c.received = append(c.received, Received{Topic: topic, Payload: append([]byte(nil), payload...)})
	c.mu.Unlock()
	c.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("simulator: vehicle published")
}

// Received returns every message observed so far.
func (c *Cloud) Received() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Received(nil), c.received...)
}

// PushManifest publishes doc to the vehicle's manifest topic.
func (c *Cloud) PushManifest(doc campaign.ManifestDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("simulator: marshal manifest: %w", err)
	}
	return c.broker.Publish(c.topic("manifest"), raw, true)
}

// PushCampaigns publishes the full collection scheme list to the vehicle's
// campaigns topic.
func (c *Cloud) PushCampaigns(list []*campaign.Campaign) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("simulator: marshal campaigns: %w", err)
	}
	return c.broker.Publish(c.topic("campaigns"), raw, true)
}

func (c *Cloud) topic(kind string) string {
	return fmt.Sprintf("vehicles/%s/%s", c.vehicleID, kind)
}
