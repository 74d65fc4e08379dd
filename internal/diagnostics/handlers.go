package diagnostics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/senderqueue"
	"github.com/snarg/edge-agent/internal/signalid"
)

// EngineStatus reports liveness of the engine's moving parts, grounded on
// the teacher's internal/api.HealthHandler (per-subsystem check map).
type EngineStatus interface {
	MQTTConnected() bool
	CyclesRun() uint64
}

// HealthHandler answers GET /healthz.
type HealthHandler struct {
	engine    EngineStatus
	version   string
	startTime time.Time
}

func NewHealthHandler(engine EngineStatus, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{engine: engine, version: version, startTime: startTime}
}

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	CyclesRun     uint64            `json:"cycles_run"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	if h.engine.MQTTConnected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "disconnected"
		status = "degraded"
	}

	WriteJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		CyclesRun:     h.engine.CyclesRun(),
	})
}

// CampaignsHandler answers GET /campaigns.
type CampaignsHandler struct {
	mgr *campaign.Manager
}

func NewCampaignsHandler(mgr *campaign.Manager) *CampaignsHandler {
	return &CampaignsHandler{mgr: mgr}
}

type campaignStatus struct {
	ID    campaign.SyncID `json:"id"`
	State string          `json:"state"`
}

func (h *CampaignsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.mgr.Snapshot()
	out := make([]campaignStatus, 0, len(snap))
	for id, st := range snap {
		out = append(out, campaignStatus{ID: id, State: st.String()})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *CampaignsHandler) Routes(r chi.Router) {
	r.Get("/campaigns", h.ServeHTTP)
}

// SignalsHandler answers GET /signals/{id}.
type SignalsHandler struct {
	hist *history.History
}

func NewSignalsHandler(hist *history.History) *SignalsHandler {
	return &SignalsHandler{hist: hist}
}

type signalSample struct {
	MonotonicTS int64  `json:"monotonic_ts"`
	WallTS      int64  `json:"wall_ts"`
	Value       string `json:"value"`
}

func (h *SignalsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	id := signalid.ID(n)

	samples := h.hist.SamplesSince(id, 0, 0)
	out := make([]signalSample, len(samples))
	for i, s := range samples {
		out[i] = signalSample{MonotonicTS: s.MonotonicTS, WallTS: s.WallTS, Value: s.Value.String()}
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *SignalsHandler) Routes(r chi.Router) {
	r.Get("/signals/{id}", h.ServeHTTP)
}

// QueueHandler answers GET /queue.
type QueueHandler struct {
	queue *senderqueue.Queue
	store *senderqueue.Store
}

func NewQueueHandler(queue *senderqueue.Queue, store *senderqueue.Store) *QueueHandler {
	return &QueueHandler{queue: queue, store: store}
}

type queueStatus struct {
	QueueLength   int    `json:"queue_length"`
	QueueDropped  uint64 `json:"queue_dropped_total"`
	StoreCount    int    `json:"store_count"`
	StoreBytes    int64  `json:"store_bytes"`
}

func (h *QueueHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, queueStatus{
		QueueLength:  h.queue.Len(),
		QueueDropped: h.queue.Dropped(),
		StoreCount:   h.store.Count(),
		StoreBytes:   h.store.TotalBytes(),
	})
}

func (h *QueueHandler) Routes(r chi.Router) {
	r.Get("/queue", h.ServeHTTP)
}
