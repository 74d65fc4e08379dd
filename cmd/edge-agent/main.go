// Command edge-agent is the on-vehicle core: it decodes signals, retains
// recent history, evaluates collection campaigns, assembles and delivers
// payloads to the cloud, and executes inbound actuator commands.
//
// Grounded on the teacher's cmd/tr-engine/main.go: same flag/config/signal-
// context/graceful-shutdown wiring skeleton, generalized from the radio
// ingest pipeline to the signal collection pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/auditdb"
	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/clock"
	"github.com/snarg/edge-agent/internal/command"
	"github.com/snarg/edge-agent/internal/config"
	"github.com/snarg/edge-agent/internal/customfn"
	"github.com/snarg/edge-agent/internal/diagnostics"
	"github.com/snarg/edge-agent/internal/distributor"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/inspection"
	"github.com/snarg/edge-agent/internal/metrics"
	"github.com/snarg/edge-agent/internal/payload"
	"github.com/snarg/edge-agent/internal/retry"
	"github.com/snarg/edge-agent/internal/senderqueue"
	"github.com/snarg/edge-agent/internal/signalid"
	"github.com/snarg/edge-agent/internal/stringarena"
	mqtttransport "github.com/snarg/edge-agent/internal/transport/mqtt"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.DiagnosticsAddr, "diagnostics-addr", "", "Diagnostics HTTP/WS listen address (overrides DIAGNOSTICS_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.PersistencyPath, "persistency-path", "", "Directory for campaign/payload persistence (overrides PERSISTENCY_PATH)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("commit", commit).Str("built", buildTime).Msg("edge-agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.PersistencyPath, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create persistency directory")
	}

	// Optional audit-trail database.
	var audit *auditdb.DB
	if cfg.AuditDBURL != "" {
		auditLog := log.With().Str("component", "auditdb").Logger()
		audit, err = auditdb.Connect(ctx, cfg.AuditDBURL, auditLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to audit database")
		}
		defer audit.Close()
		if err := audit.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("audit schema initialization failed")
		}
	}

	// Core evaluation plumbing.
	clk := clock.NewReal()
	arena := stringarena.New()
	hist := history.New(arena)

	mgr := campaign.NewManager(cfg.PersistencyPath, log.With().Str("component", "campaign_manager").Logger())
	if err := mgr.LoadPersisted(clk.WallMs()); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted campaign state")
	}

	campaignWatcher := campaign.NewFileWatcher(mgr, cfg.PersistencyPath, clk.WallMs, log)
	campaignWatcher.Start()
	defer campaignWatcher.Stop()

	fnRegistry := customfn.NewRegistry()
	customfn.RegisterBuiltins(fnRegistry, mgr)

	dist := distributor.New(cfg.DistributorQueueSize)

	sendQueue := senderqueue.NewQueue(cfg.SenderQueueSize, cfg.SenderBackpressure)
	store := senderqueue.NewStore(cfg.PersistencyPath+"/payloads", cfg.PayloadStoreQuotaBytes, log.With().Str("component", "payload_store").Logger())
	if err := store.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted payload store")
	}

	hub := diagnostics.NewHub()

	eventSeq := newEventIDFunc()
	assembler := payload.NewAssembler(hist, eventSeq, func(p payload.Payload) {
		metrics.PayloadsFiredTotal.Inc()
		hub.Publish(diagnostics.Event{Type: "payload_fired", Data: p})
		if !sendQueue.Enqueue(ctx, p) {
			metrics.SenderQueueDroppedTotal.Inc()
			log.Warn().Str("campaign_id", p.CampaignID).Msg("sender queue full past backpressure timeout, payload dropped")
		}
	}, log.With().Str("component", "payload_assembler").Logger())

	engine := inspection.NewEngine(mgr, hist, fnRegistry, assembler, clk.MonotonicMs, clk.WallMs, cfg.InspectionMaxTickMs,
		log.With().Str("component", "inspection_engine").Logger())

	// Fan campaign lifecycle transitions out to the engine (which owns
	// invocation/runtime cleanup) and to the audit trail, rather than letting
	// NewEngine's self-registration be the only listener.
	mgr.SetListener(campaignAuditListener{inner: engine, audit: audit, log: log})

	var conn *mqtttransport.Client
	var cmdExecutor *command.Executor
	cmdExecutor = command.NewExecutor(func(r command.Response) {
		metrics.CommandsInFlight.Set(float64(cmdExecutor.InFlightCount()))
		if r.Status == command.TimedOut {
			metrics.CommandTimeoutsTotal.Inc()
		}
		hub.Publish(diagnostics.Event{Type: "command_status", Data: r})
		if audit != nil {
			if err := audit.RecordCommandStatus(ctx, r.CommandID, r.Status.String(), fmt.Sprint(r.ReasonCode), r.ReasonDescription); err != nil {
				log.Warn().Err(err).Msg("failed to record command status to audit trail")
			}
		}
		raw, err := json.Marshal(r)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal command response")
			return
		}
		if err := conn.Send(ctx, raw); err != nil {
			log.Warn().Err(err).Str("command_id", r.CommandID).Msg("failed to publish command response")
		}
		metrics.MQTTMessagesTotal.WithLabelValues(cfg.MQTTTopicTelemetry, "out").Inc()
	}, log.With().Str("component", "command_executor").Logger())
	// No concrete actuator dispatchers are registered: commands addressing
	// unrecognized signal names are rejected by the executor itself.

	mqttLog := log.With().Str("component", "mqtt").Logger()
	conn, err = mqtttransport.Connect(mqtttransport.Options{
		BrokerURL:      cfg.MQTTBrokerURL,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		PublishTopic:   cfg.MQTTTopicTelemetry,
		TelemetryTopic: cfg.MQTTTopicTelemetry,
		CommandsTopic:  cfg.MQTTTopicCommands,
		CampaignsTopic: cfg.MQTTTopicCampaigns,
		ManifestTopic:  cfg.MQTTTopicManifest,
		OnTelemetry: func(raw []byte) {
			metrics.MQTTMessagesTotal.WithLabelValues(cfg.MQTTTopicTelemetry, "in").Inc()
			var samples []signalid.Sample
			if err := json.Unmarshal(raw, &samples); err != nil {
				log.Warn().Err(err).Msg("failed to decode inbound telemetry batch")
				return
			}
			for _, s := range samples {
				dist.Push(ctx, "mqtt", s)
			}
		},
		OnCommand: func(raw []byte) {
			metrics.MQTTMessagesTotal.WithLabelValues(cfg.MQTTTopicCommands, "in").Inc()
			var req command.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				log.Warn().Err(err).Msg("failed to decode inbound command request")
				return
			}
			cmdExecutor.Handle(req)
		},
		OnCampaigns: func(raw []byte) {
			metrics.MQTTMessagesTotal.WithLabelValues(cfg.MQTTTopicCampaigns, "in").Inc()
			var list []*campaign.Campaign
			if err := json.Unmarshal(raw, &list); err != nil {
				log.Warn().Err(err).Msg("failed to decode inbound collection scheme list")
				return
			}
			if err := mgr.IngestCollectionSchemeList(list, clk.WallMs()); err != nil {
				log.Warn().Err(err).Msg("failed to ingest collection scheme list")
			}
		},
		OnManifest: func(raw []byte) {
			metrics.MQTTMessagesTotal.WithLabelValues(cfg.MQTTTopicManifest, "in").Inc()
			var doc campaign.ManifestDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				log.Warn().Err(err).Msg("failed to decode inbound decoder manifest")
				return
			}
			if err := mgr.IngestManifest(doc, clk.WallMs()); err != nil {
				log.Warn().Err(err).Msg("failed to ingest decoder manifest")
			}
		},
		Log: mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer conn.Close()

	retryInterval := time.Duration(cfg.PersistencyUploadRetryIntervalMs) * time.Millisecond
	sender := senderqueue.NewSender(sendQueue, store, conn, jsonEncoder, retryInterval, log.With().Str("component", "sender").Logger())

	// Background tasks.
	dist.AddConsumer(engine)
	dist.Start(ctx)
	defer dist.Stop()
	go engine.Run(ctx)
	go sender.Run(ctx)
	go runCheckinLoop(ctx, conn, mgr, time.Duration(cfg.CheckinIntervalMs)*time.Millisecond,
		time.Duration(cfg.CheckinStartBackoffMs)*time.Millisecond, time.Duration(cfg.CheckinMaxBackoffMs)*time.Millisecond, log)

	diagSrv := diagnostics.NewServer(diagnostics.Options{
		Addr:         cfg.DiagnosticsAddr,
		Engine:       engineStatus{conn: conn, engine: engine},
		Campaigns:    mgr,
		History:      hist,
		SenderQueue:  sendQueue,
		PayloadStore: store,
		Hub:          hub,
		Version:      fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:    startTime,
		ReadTimeout:  cfg.ReadTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		Log:          log.With().Str("component", "diagnostics").Logger(),
	})
	errCh := make(chan error, 1)
	go func() { errCh <- diagSrv.Start() }()

	log.Info().Str("diagnostics_addr", cfg.DiagnosticsAddr).Dur("startup_ms", time.Since(startTime)).Msg("edge-agent ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("diagnostics server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := diagSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("diagnostics server shutdown error")
	}
	log.Info().Msg("edge-agent stopped")
}

// jsonEncoder implements senderqueue.Encoder.
func jsonEncoder(p payload.Payload) ([]byte, error) {
	return json.Marshal(p)
}

// newEventIDFunc returns a payload.EventIDFunc minting monotonically
// increasing event ids.
func newEventIDFunc() payload.EventIDFunc {
	var n uint64
	return func() string {
		n++
		return fmt.Sprintf("evt-%d-%d", time.Now().UnixNano(), n)
	}
}

type checkinMessage struct {
	DocumentSyncIds []campaign.SyncID `json:"document_sync_ids"`
	WallTS          int64             `json:"wall_ts"`
}

// runCheckinLoop periodically publishes the set of campaign/manifest
// document ids currently known to the vehicle (spec.md §6 Checkin), letting
// the cloud decide what to (re)send. Each checkin is driven through a
// retry.Driver (spec.md §4.8): a publish failure backs off exponentially and
// retries against the *same* checkin document rather than waiting out the
// full interval again, so a flaky connection doesn't silently starve the
// cloud's view of vehicle state.
func runCheckinLoop(ctx context.Context, conn *mqtttransport.Client, mgr *campaign.Manager, interval, startBackoff, maxBackoff time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendCheckin(ctx, conn, mgr, startBackoff, maxBackoff, log)
		}
	}
}

func sendCheckin(ctx context.Context, conn *mqtttransport.Client, mgr *campaign.Manager, startBackoff, maxBackoff time.Duration, log zerolog.Logger) {
	msg := checkinMessage{DocumentSyncIds: mgr.CheckinDocs(), WallTS: time.Now().UnixMilli()}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal checkin message")
		return
	}

	attempt := retry.RetryableFunc(func(ctx context.Context) retry.Outcome {
		if err := conn.Send(ctx, raw); err != nil {
			log.Warn().Err(err).Msg("checkin publish failed, backing off")
			return retry.Retry
		}
		return retry.Success
	})
	driver := retry.NewDriver(attempt, startBackoff, maxBackoff)
	if !driver.Run(ctx) {
		log.Warn().Msg("checkin publish abandoned, will try again next interval")
	}
}

// campaignAuditListener fans campaign lifecycle transitions out to the
// Inspection Engine (which owns invocation/runtime cleanup) and to the
// optional audit trail.
type campaignAuditListener struct {
	inner interface {
		OnCampaignActivated(*campaign.Campaign)
		OnCampaignIdle(*campaign.Campaign)
		OnCampaignExpired(*campaign.Campaign)
		OnCampaignRemoved(*campaign.Campaign)
	}
	audit *auditdb.DB
	log   zerolog.Logger
}

func (l campaignAuditListener) OnCampaignActivated(c *campaign.Campaign) {
	l.inner.OnCampaignActivated(c)
	l.record(c.ID, "activated")
}

func (l campaignAuditListener) OnCampaignIdle(c *campaign.Campaign) {
	l.inner.OnCampaignIdle(c)
	l.record(c.ID, "idle")
}

func (l campaignAuditListener) OnCampaignExpired(c *campaign.Campaign) {
	l.inner.OnCampaignExpired(c)
	l.record(c.ID, "expired")
}

func (l campaignAuditListener) OnCampaignRemoved(c *campaign.Campaign) {
	l.inner.OnCampaignRemoved(c)
	l.record(c.ID, "removed")
}

func (l campaignAuditListener) record(id campaign.SyncID, event string) {
	if l.audit == nil {
		return
	}
	if err := l.audit.RecordCampaignEvent(context.Background(), id, event); err != nil {
		l.log.Warn().Err(err).Str("campaign_id", id).Msg("failed to record campaign event to audit trail")
	}
}

// engineStatus adapts the mqtt connection and inspection engine to
// diagnostics.EngineStatus.
type engineStatus struct {
	conn   *mqtttransport.Client
	engine *inspection.Engine
}

func (e engineStatus) MQTTConnected() bool { return e.conn.IsConnected() }
func (e engineStatus) CyclesRun() uint64   { return e.engine.CyclesRun() }
