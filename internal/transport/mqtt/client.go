// Package mqtt implements the core's transport adapter over an MQTT broker,
// satisfying senderqueue.Transport for outbound sends and routing inbound
// messages to per-concern handlers (telemetry, commands, campaigns,
// manifest).
//
// Grounded on the teacher's internal/mqttclient package: same
// paho.mqtt.golang client construction (auto-reconnect, connect/lost
// handlers), generalized from a single default publish handler to four
// topic-routed subscriptions, since this core has more than one inbound
// message shape.
package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Handler processes one inbound message's raw payload.
type Handler func(payload []byte)

// Options configures Connect.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	PublishTopic string // outbound VehicleData/Checkin/CommandResponse topic

	TelemetryTopic string
	CommandsTopic  string
	CampaignsTopic string
	ManifestTopic  string

	OnTelemetry Handler
	OnCommand   Handler
	OnCampaigns Handler
	OnManifest  Handler

	Log zerolog.Logger
}

// Client wraps a paho MQTT client, implementing senderqueue.Transport.
type Client struct {
	conn      mqtt.Client
	opts      Options
	connected atomic.Bool
	log       zerolog.Logger
}

// Connect dials the broker and subscribes every configured inbound topic.
// Reconnects are handled transparently by the underlying paho client; topic
// subscriptions are re-established in onConnect, which fires again after
// every reconnect.
func Connect(opts Options) (*Client, error) {
	c := &Client{opts: opts, log: opts.Log.With().Str("component", "mqtt_transport").Logger()}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Msg("mqtt connected, subscribing")

	subscribe := func(topic string, h Handler) {
		if topic == "" || h == nil {
			return
		}
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			h(msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("mqtt subscribe failed")
		}
	}

	subscribe(c.opts.TelemetryTopic, c.opts.OnTelemetry)
	subscribe(c.opts.CommandsTopic, c.opts.OnCommand)
	subscribe(c.opts.CampaignsTopic, c.opts.OnCampaigns)
	subscribe(c.opts.ManifestTopic, c.opts.OnManifest)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Send implements senderqueue.Transport: publishes raw bytes to the
// configured outbound topic. Returns an error (never panics) on publish
// failure or when not currently connected, which the Sender treats as a
// transient failure (spec.md §4.6).
func (c *Client) Send(ctx context.Context, raw []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("mqtt: not connected")
	}
	token := c.conn.Publish(c.opts.PublishTopic, 1, false, raw)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
