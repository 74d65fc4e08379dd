package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats gives the metrics collector read access to live engine state
// that isn't naturally expressed as a counter/gauge updated inline (queue
// depth, in-flight command count) — scraped on demand rather than tracked.
type EngineStats interface {
	SenderQueueLen() int
	PayloadStoreCount() int
	CommandsInFlightCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape
// time, grounded on the teacher's metrics.Collector (same scrape-time
// pattern, generalized from ingest-pipeline/database stats to engine/audit
// database stats).
type Collector struct {
	pool  *pgxpool.Pool
	stats EngineStats

	senderQueueLen  *prometheus.Desc
	payloadStoreLen *prometheus.Desc
	commandsInFlight *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when the optional audit-trail database is not configured;
// stats may be nil before the engine has started.
func NewCollector(pool *pgxpool.Pool, stats EngineStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		senderQueueLen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sender_queue_length"),
			"Current number of payloads queued awaiting send.",
			nil, nil,
		),
		payloadStoreLen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "payload_store_length"),
			"Current number of payloads held in the on-disk store.",
			nil, nil,
		),
		commandsInFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "commands_in_flight_gauge"),
			"Current number of commands awaiting a terminal status.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auditdb_pool", "total_conns"),
			"Total audit-trail database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auditdb_pool", "acquired_conns"),
			"Audit-trail database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auditdb_pool", "idle_conns"),
			"Audit-trail database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.senderQueueLen
	ch <- c.payloadStoreLen
	ch <- c.commandsInFlight
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.senderQueueLen, prometheus.GaugeValue, float64(c.stats.SenderQueueLen()))
		ch <- prometheus.MustNewConstMetric(c.payloadStoreLen, prometheus.GaugeValue, float64(c.stats.PayloadStoreCount()))
		ch <- prometheus.MustNewConstMetric(c.commandsInFlight, prometheus.GaugeValue, float64(c.stats.CommandsInFlightCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.senderQueueLen, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.payloadStoreLen, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.commandsInFlight, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
