// Package command implements the Command Executor (spec.md §4.7): resolves
// an inbound actuator command to a registered Dispatcher, tracks it in an
// in-flight map with a timeout, and publishes exactly one terminal
// CommandResponse per handled request. A command_id is remembered only
// while its command is in flight.
//
// Grounded on the source's network-agnostic actuator command dispatch
// contract (a name-keyed Dispatcher exposing names()/set(...)), generalized
// from the vehicle-network-specific dispatchers to a plain Go interface.
package command

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/signalid"
)

// Status is the outcome of a command, per spec.md §6 CommandResponse.
type Status int

const (
	Succeeded Status = iota
	Failed
	TimedOut
	Rejected
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	case TimedOut:
		return "TIMED_OUT"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) terminal() bool { return true } // every Status value defined here is terminal

// Request is an inbound CommandRequest (spec.md §6).
type Request struct {
	CommandID          string
	SignalName         string
	Value              signalid.Value
	IssuedTS           int64
	ExecutionTimeoutMs int64
}

// Response is an outbound CommandResponse (spec.md §6).
type Response struct {
	CommandID         string
	Status            Status
	ReasonCode        uint32
	ReasonDescription string
}

// Dispatcher owns one or more actuator signal names and executes commands
// against them, reporting status asynchronously via the callback passed to
// Set (spec.md §6 Dispatcher.set/names).
type Dispatcher interface {
	Names() []string
	Set(name string, value signalid.Value, commandID string, issuedTS, timeoutMs int64, statusCB func(Response)) error
}

type inflight struct {
	req   Request
	timer *time.Timer
}

// Executor dispatches commands and publishes exactly one terminal
// CommandResponse per handled request. A request whose command_id matches a
// command that has already reached a terminal status is handled again and
// gets its own terminal response.
type Executor struct {
	mu          sync.Mutex
	dispatchers map[string]Dispatcher
	inflight    map[string]*inflight
	publish     func(Response)
	log         zerolog.Logger
}

func NewExecutor(publish func(Response), log zerolog.Logger) *Executor {
	return &Executor{
		dispatchers: make(map[string]Dispatcher),
		inflight:    make(map[string]*inflight),
		publish:     publish,
		log:         log.With().Str("component", "command_executor").Logger(),
	}
}

// RegisterDispatcher indexes d under every name it owns.
func (e *Executor) RegisterDispatcher(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range d.Names() {
		e.dispatchers[name] = d
	}
}

// Handle processes an inbound command request (spec.md §4.7 steps 1-3).
// A request whose command_id is still in flight is ignored — the first wins.
// Ids of rejected, finished or timed-out commands are not kept, so a
// repeated request arriving after that is dispatched as a new command.
func (e *Executor) Handle(req Request) {
	e.mu.Lock()
	if _, dup := e.inflight[req.CommandID]; dup {
		e.mu.Unlock()
		e.log.Debug().Str("command_id", req.CommandID).Msg("duplicate command_id ignored")
		return
	}

	d, ok := e.dispatchers[req.SignalName]
	if !ok {
		e.mu.Unlock()
		e.reply(Response{CommandID: req.CommandID, Status: Rejected, ReasonDescription: "no dispatcher for signal " + req.SignalName})
		return
	}

	entry := &inflight{req: req}
	if req.ExecutionTimeoutMs > 0 {
		entry.timer = time.AfterFunc(time.Duration(req.ExecutionTimeoutMs)*time.Millisecond, func() {
			e.onTimeout(req.CommandID)
		})
	}
	e.inflight[req.CommandID] = entry
	e.mu.Unlock()

	if err := d.Set(req.SignalName, req.Value, req.CommandID, req.IssuedTS, req.ExecutionTimeoutMs, func(r Response) {
		e.onStatus(req.CommandID, r)
	}); err != nil {
		e.onStatus(req.CommandID, Response{CommandID: req.CommandID, Status: Rejected, ReasonDescription: err.Error()})
	}
}

// onStatus is the dispatcher's status callback (spec.md §4.7 step 4). A
// callback for a command_id no longer in the map (already timed out, or a
// late duplicate) is ignored.
func (e *Executor) onStatus(commandID string, r Response) {
	e.mu.Lock()
	entry, ok := e.inflight[commandID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if r.Status.terminal() {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.inflight, commandID)
	}
	e.mu.Unlock()
	r.CommandID = commandID
	e.reply(r)
}

// onTimeout fires when execution_timeout_ms elapses with no terminal status
// (spec.md §4.7 step 5).
func (e *Executor) onTimeout(commandID string) {
	e.mu.Lock()
	_, ok := e.inflight[commandID]
	if ok {
		delete(e.inflight, commandID)
	}
	e.mu.Unlock()
	if ok {
		e.reply(Response{CommandID: commandID, Status: TimedOut})
	}
}

func (e *Executor) reply(r Response) {
	if e.publish != nil {
		e.publish(r)
	}
}

// InFlightCount reports how many commands are currently awaiting a terminal
// status, for diagnostics.
func (e *Executor) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}
