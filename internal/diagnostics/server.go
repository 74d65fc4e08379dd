// Package diagnostics exposes a read-only HTTP/WS status surface over the
// engine's live state: active campaigns, signal history occupancy, sender
// queue depth, and a live stream of payload fires and command terminal
// statuses. Grounded on the teacher's internal/api package: same chi router
// composition and middleware chain (internal/api/server.go), generalized
// from an authenticated radio-call REST API to an unauthenticated on-vehicle
// operator surface — there is no separate caller to authenticate against on
// the vehicle itself.
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/campaign"
	"github.com/snarg/edge-agent/internal/history"
	"github.com/snarg/edge-agent/internal/metrics"
	"github.com/snarg/edge-agent/internal/senderqueue"
)

// Options configures NewServer.
type Options struct {
	Addr         string
	Engine       EngineStatus
	Campaigns    *campaign.Manager
	History      *history.History
	SenderQueue  *senderqueue.Queue
	PayloadStore *senderqueue.Store
	Hub          *Hub
	Version      string
	StartTime    time.Time
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	Log          zerolog.Logger
}

// Server wraps an http.Server exposing the diagnostics surface.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts Options) *Server {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", NewHealthHandler(opts.Engine, opts.Version, opts.StartTime).ServeHTTP)
	NewCampaignsHandler(opts.Campaigns).Routes(r)
	NewSignalsHandler(opts.History).Routes(r)
	NewQueueHandler(opts.SenderQueue, opts.PayloadStore).Routes(r)
	r.Get("/ws/events", opts.Hub.ServeWS)

	srv := &http.Server{
		Addr:        opts.Addr,
		Handler:     r,
		ReadTimeout: opts.ReadTimeout,
		IdleTimeout: opts.IdleTimeout,
		// WriteTimeout left at 0 so /ws/events can stay open indefinitely.
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("diagnostics server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("diagnostics server shutting down")
	return s.http.Shutdown(ctx)
}
