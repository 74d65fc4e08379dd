// Package simulator embeds an MQTT broker standing in for the cloud side of
// the wire protocol (spec.md §6), for local development and integration
// tests that would otherwise need a real broker and a real cloud backend.
//
// Grounded on the teacher's use of paho for the client half of MQTT
// (internal/mqttclient, internal/transport/mqtt); the server half has no
// teacher analogue, so it is built directly against mochi-mqtt/server/v2's
// documented hook-based API, the broker library declared in the teacher's
// go.mod.
package simulator

import (
	"fmt"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
)

// Broker is an embedded MQTT broker used by cmd/simulator and integration
// tests in place of a real cloud-side broker.
type Broker struct {
	server *mqtt.Server
	log    zerolog.Logger
	sniff  *sniffHook
}

// NewBroker constructs (but does not start) a broker listening on addr
// (e.g. ":1883"). onPublish, if non-nil, is invoked for every message
// published by any connected client — used by Cloud to observe vehicle
// telemetry and check-ins.
func NewBroker(addr string, log zerolog.Logger, onPublish func(topic string, payload []byte)) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("simulator: add auth hook: %w", err)
	}

	sniff := &sniffHook{onPublish: onPublish}
	if err := server.AddHook(sniff, nil); err != nil {
		return nil, fmt.Errorf("simulator: add sniff hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "simulator-tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("simulator: add listener: %w", err)
	}

	return &Broker{server: server, log: log, sniff: sniff}, nil
}

// Serve starts accepting connections. Blocks until Stop is called.
func (b *Broker) Serve() error {
	b.log.Info().Msg("simulator broker starting")
	return b.server.Serve()
}

// Stop shuts the broker down.
func (b *Broker) Stop() error {
	b.log.Info().Msg("simulator broker stopping")
	return b.server.Close()
}

// Publish publishes raw to topic as the broker itself — used by Cloud to
// push manifests and campaigns down to the vehicle.
func (b *Broker) Publish(topic string, raw []byte, retain bool) error {
	return b.server.Publish(topic, raw, retain, 1)
}

// sniffHook observes every inbound PUBLISH without altering it, letting
// Cloud watch vehicle-originated traffic (telemetry, check-ins, command
// responses) on the same broker instance it feeds manifests/campaigns into.
type sniffHook struct {
	mqtt.HookBase
	onPublish func(topic string, payload []byte)
}

func (h *sniffHook) ID() string { return "simulator-sniff" }

func (h *sniffHook) Provides(b byte) bool {
	return b == mqtt.OnPublish
}

func (h *sniffHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if h.onPublish != nil {
		h.onPublish(pk.TopicName, pk.Payload)
	}
	return pk, nil
}
