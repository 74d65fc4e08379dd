// Package customfn implements the Custom Function Registry (spec.md §3,
// §4.3): named functions of shape (invocationId, args) -> (code, value),
// plus optional conditionEnd and cleanup hooks.
//
// Grounded on the source's examples/custom_function/ (CustomFunctionCounter,
// CustomFunctionFileSize, CustomFunctionSin) and src/CustomFunctionMath.cpp
// (abs/min/max): those functions are carried forward in spirit as
// customfn.Counter, customfn.FileSize, customfn.Sin, and customfn.MathAbs/
// MathMin/MathMax,
// registered under the names "counter", "file_size", "sin",
// "abs"/"min"/"max".
package customfn

import (
	"math"
	"os"
	"sync"

	"github.com/snarg/edge-agent/internal/expr"
	"github.com/snarg/edge-agent/internal/signalid"
)

// Function is one registered custom function implementation.
type Function interface {
	// Invoke is called left-to-right with already-evaluated arguments; an
	// Undefined argument does not block the call (spec.md §4.2) — each
	// function decides its own undefined-propagation.
	Invoke(invocationID uint64, args []expr.Result) expr.Result
}

// ConditionEnder is implemented by functions that want to observe the end
// of an Inspection Engine tick and optionally contribute extra signals to
// this cycle's payload output (spec.md §4.3).
type ConditionEnder interface {
	ConditionEnd(invocationID uint64, collectedSignalIDs []signalid.ID, wallTS int64, out *Output)
}

// Cleanuper is implemented by stateful functions that need to release
// per-invocation state when a campaign leaves Active.
type Cleanuper interface {
	Cleanup(invocationID uint64)
}

// Output accumulates extra signals a ConditionEnder wants appended to the
// current cycle's payload (spec.md §4.3: "functions may append additional
// signals to the current cycle's outputs").
type Output struct {
	mu      sync.Mutex
	Extra   []signalid.Sample
}

func (o *Output) Append(s signalid.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Extra = append(o.Extra, s)
}

// Registry holds named function implementations, shared process-wide (the
// functions themselves are stateless aside from per-invocation-id maps they
// manage internally, keyed by the invocation ids campaign runtime state
// hands them — see package inspection).
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Function)}
}

func (r *Registry) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Invoke implements expr.FunctionInvoker.
func (r *Registry) Invoke(invocationID uint64, name string, args []expr.Result) expr.Result {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return expr.Undefined(expr.UndefinedValue)
	}
	return fn.Invoke(invocationID, args)
}

// ConditionEnd forwards the per-cycle conditionEnd hook to the function
// registered under name, if it implements ConditionEnder (spec.md §4.3 step
// 6). The Inspection Engine calls it once per invocation id of each active
// campaign, after every campaign of the tick has been evaluated.
func (r *Registry) ConditionEnd(name string, invocationID uint64, collected []signalid.ID, wallTS int64, out *Output) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if ce, ok := fn.(ConditionEnder); ok {
		ce.ConditionEnd(invocationID, collected, wallTS, out)
	}
}

// Cleanup releases per-invocation state for functions that registered it.
func (r *Registry) Cleanup(name string, invocationID uint64) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if c, ok := fn.(Cleanuper); ok {
		c.Cleanup(invocationID)
	}
}

// RegisterBuiltins installs the functions shipped with the original
// distribution's examples/custom_function and CustomFunctionMath.cpp.
// resolver may be nil (file_size's conditionEnd becomes a no-op, matching
// the source's behavior when Vehicle.FileSize is absent from the manifest).
func RegisterBuiltins(r *Registry, resolver NamedSignalResolver) {
	r.Register("counter", NewCounter())
	r.Register("file_size", NewFileSize(resolver))
	r.Register("sin", Sin{})
	r.Register("abs", MathAbs{})
	r.Register("min", MathMin{})
	r.Register("max", MathMax{})
}

// Counter returns a monotonically increasing integer per invocation id,
// starting at 0, grounded on CustomFunctionCounter.cpp.
type Counter struct {
	mu       sync.Mutex
	counters map[uint64]int64
}

func NewCounter() *Counter {
	return &Counter{counters: make(map[uint64]int64)}
}

func (c *Counter) Invoke(invocationID uint64, _ []expr.Result) expr.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counters[invocationID]
	c.counters[invocationID] = n + 1
	return expr.Defined(signalid.NumValue(signalid.TypeI64, float64(n)))
}

func (c *Counter) Cleanup(invocationID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, invocationID)
}

// Sin computes sin() of its single numeric argument, grounded on
// CustomFunctionSin.cpp.
type Sin struct{}

func (Sin) Invoke(_ uint64, args []expr.Result) expr.Result {
	if len(args) != 1 {
		return expr.Undefined(expr.TypeMismatch)
	}
	if !args[0].Defined {
		return expr.Undefined(expr.UndefinedValue)
	}
	f, ok := args[0].Value.AsFloat64()
	if !ok {
		return expr.Undefined(expr.TypeMismatch)
	}
	return expr.Defined(signalid.NumValue(signalid.TypeF64, math.Sin(f)))
}

// MathAbs, MathMin, MathMax are grounded on CustomFunctionMath.cpp's
// absFunc/minFunc/maxFunc.
type MathAbs struct{}

func (MathAbs) Invoke(_ uint64, args []expr.Result) expr.Result {
	if len(args) != 1 {
		return expr.Undefined(expr.TypeMismatch)
	}
	if !args[0].Defined {
		return expr.Undefined(expr.UndefinedValue)
	}
	f, ok := args[0].Value.AsFloat64()
	if !ok {
		return expr.Undefined(expr.TypeMismatch)
	}
	return expr.Defined(signalid.NumValue(signalid.TypeF64, math.Abs(f)))
}

type MathMin struct{}

func (MathMin) Invoke(_ uint64, args []expr.Result) expr.Result {
	if len(args) < 2 {
		return expr.Undefined(expr.TypeMismatch)
	}
	min := math.MaxFloat64
	for _, a := range args {
		if !a.Defined {
			return expr.Undefined(expr.UndefinedValue)
		}
		f, ok := a.Value.AsFloat64()
		if !ok {
			return expr.Undefined(expr.TypeMismatch)
		}
		if f < min {
			min = f
		}
	}
	return expr.Defined(signalid.NumValue(signalid.TypeF64, min))
}

type MathMax struct{}

func (MathMax) Invoke(_ uint64, args []expr.Result) expr.Result {
	if len(args) < 2 {
		return expr.Undefined(expr.TypeMismatch)
	}
	max := -math.MaxFloat64
	for _, a := range args {
		if !a.Defined {
			return expr.Undefined(expr.UndefinedValue)
		}
		f, ok := a.Value.AsFloat64()
		if !ok {
			return expr.Undefined(expr.TypeMismatch)
		}
		if f > max {
			max = f
		}
	}
	return expr.Defined(signalid.NumValue(signalid.TypeF64, max))
}

// NamedSignalResolver resolves a human-readable signal name (e.g.
// "Vehicle.FileSize") to its SignalID under the active decoder manifest,
// mirroring NamedSignalDataSource.getNamedSignalID. Implemented by
// *campaign.Manager.
type NamedSignalResolver interface {
	ResolveNamedSignal(name string) (signalid.ID, bool)
}

// FileSize stat()s the path given as its single string argument and
// reports its size in bytes, grounded on CustomFunctionFileSize.cpp. The
// result is also appended as a Vehicle.FileSize sample to any campaign that
// fires this cycle and collects that signal, via ConditionEnd.
type FileSize struct {
	resolver NamedSignalResolver

	mu      sync.Mutex
	pending map[uint64]int64
}

func NewFileSize(resolver NamedSignalResolver) *FileSize {
	return &FileSize{resolver: resolver, pending: make(map[uint64]int64)}
}

func (f *FileSize) Invoke(invocationID uint64, args []expr.Result) expr.Result {
	if len(args) != 1 || !args[0].Defined || args[0].Value.Type != signalid.TypeString {
		return expr.Undefined(expr.TypeMismatch)
	}
	info, err := os.Stat(args[0].Value.Str)
	if err != nil {
		return expr.Undefined(expr.TypeMismatch)
	}

	size := info.Size()
	f.mu.Lock()
	f.pending[invocationID] = size
	f.mu.Unlock()

	return expr.Defined(signalid.NumValue(signalid.TypeF64, float64(size)))
}

// ConditionEnd appends the most recently computed file size as a
// Vehicle.FileSize sample, but only if this campaign fired this cycle and
// its collect_signals actually names Vehicle.FileSize — otherwise the value
// is silently dropped, matching the source's "only if collection was
// triggered" guard.
func (f *FileSize) ConditionEnd(invocationID uint64, collectedSignalIDs []signalid.ID, wallTS int64, out *Output) {
	f.mu.Lock()
	size, ok := f.pending[invocationID]
	delete(f.pending, invocationID)
	f.mu.Unlock()
	if !ok || f.resolver == nil {
		return
	}

	id, ok := f.resolver.ResolveNamedSignal("Vehicle.FileSize")
	if !ok {
		return
	}
	var collected bool
	for _, cid := range collectedSignalIDs {
		if cid == id {
			collected = true
			break
		}
	}
	if !collected {
		return
	}

	out.Append(signalid.Sample{SignalID: id, MonotonicTS: wallTS, WallTS: wallTS, Value: signalid.NumValue(signalid.TypeF64, float64(size))})
}

func (f *FileSize) Cleanup(invocationID uint64) {
	f.mu.Lock()
	delete(f.pending, invocationID)
	f.mu.Unlock()
}
