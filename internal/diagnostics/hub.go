package diagnostics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/edge-agent/internal/metrics"
)

// Event is one live diagnostics event pushed to /ws/events — a payload fire
// or a command terminal status, the on-vehicle analogue of the teacher's SSE
// EventBus (internal/api/events.go).
type Event struct {
	Type string `json:"type"` // "payload_fired" | "command_status"
	Data any    `json:"data"`
}

// Hub fans one Event out to every connected /ws/events subscriber. A slow
// subscriber is never allowed to block publishers: when its buffer is full,
// the new event is discarded for that subscriber, which stays connected.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every current subscriber, non-blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a websocket connection and streams Events
// until the client disconnects or the keepalive write fails.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	log := hlog.FromRequest(r)
	log.Info().Msg("ws client connected")

	// Reader goroutine: discard inbound frames, notice disconnects via read
	// error, which is the documented way to detect a closed gorilla/websocket
	// connection without a dedicated ping handler.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-closed:
			log.Info().Msg("ws client disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
			metrics.SSEEventsPublishedTotal.Inc()
		case <-keepalive.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
