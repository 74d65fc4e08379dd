// Package history implements the Signal History Buffer (spec.md §4.1): a
// per-signal bounded ring of timestamped values, with retention sized to
// the maximum window/sample-count any active campaign requires of that
// signal (spec.md §3 HistoryWindow).
//
// Ownership: per spec.md §3's ownership summary, a History is exclusively
// owned by one Inspection Engine; it is not shared, so no locking would be
// strictly required. This implementation still takes a mutex per signal
// buffer because the diagnostics HTTP surface (internal/diagnostics) reads
// buffer stats concurrently for operator visibility — a reader-visible
// deviation from spec.md §5's "no locking required" note, cheap enough not
// to matter on the write-hot path.
package history

import (
	"sync"

	"github.com/snarg/edge-agent/internal/signalid"
	"github.com/snarg/edge-agent/internal/stringarena"
)

// ReduceFn is a window reduction kind understood by Reduce and by the
// expression evaluator's Window node (spec.md §3 ExpressionNode).
type ReduceFn int

const (
	ReduceMin ReduceFn = iota
	ReduceMax
	ReduceAvg
	ReduceLast
	ReduceCount
	ReducePrevLast
)

type entry struct {
	monoTS    int64
	wallTS    int64
	value     signalid.Value
	strHandle stringarena.Handle
}

// Retention is the retention requirement for one signal: the engine keeps
// the maximum over all active campaigns' requirements (spec.md §3).
type Retention struct {
	WindowMs   int64
	MaxSamples int
}

func (r Retention) merge(o Retention) Retention {
	out := r
	if o.WindowMs > out.WindowMs {
		out.WindowMs = o.WindowMs
	}
	if o.MaxSamples > out.MaxSamples {
		out.MaxSamples = o.MaxSamples
	}
	return out
}

const defaultCapacity = 16

type signalBuffer struct {
	mu         sync.RWMutex
	entries    []entry // fixed-capacity ring; entries[head] is oldest
	head       int
	count      int
	retention  Retention
	everSeen   bool
	evictions  uint64
	clampCount uint64
}

func newSignalBuffer(capacity int) *signalBuffer {
	if capacity < 1 {
		capacity = defaultCapacity
	}
	return &signalBuffer{entries: make([]entry, capacity)}
}

// History is the full multi-signal store.
type History struct {
	mu      sync.RWMutex
	arena   *stringarena.Arena
	signals map[signalid.ID]*signalBuffer
}

func New(arena *stringarena.Arena) *History {
	return &History{
		arena:   arena,
		signals: make(map[signalid.ID]*signalBuffer),
	}
}

// SetRetention (re)configures the retention requirement for a signal,
// reallocating its ring if the required capacity grew. Called by the
// Inspection Engine at reconcile time, computed as the max over all active
// campaigns' collect_signals/fetch entries referencing this signal.
func (h *History) SetRetention(id signalid.ID, r Retention) {
	h.mu.Lock()
	sb, ok := h.signals[id]
	if !ok {
		cap := r.MaxSamples
		if cap < 1 {
			cap = defaultCapacity
		}
		sb = newSignalBuffer(cap)
		h.signals[id] = sb
		h.mu.Unlock()
		sb.mu.Lock()
		sb.retention = r
		sb.mu.Unlock()
		return
	}
	h.mu.Unlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.retention = sb.retention.merge(r)
	needed := sb.retention.MaxSamples
	if needed < 1 {
		needed = defaultCapacity
	}
	if needed > len(sb.entries) {
		sb.resizeLocked(needed)
	}
}

func (sb *signalBuffer) resizeLocked(newCap int) {
	fresh := make([]entry, newCap)
	n := sb.count
	if n > newCap {
		n = newCap // keep the most recent entries if shrinking below current occupancy
	}
	for i := 0; i < n; i++ {
		// copy the newest n entries, oldest first, so the most recent samples survive a shrink
		srcIdx := (sb.head + sb.count - n + i) % len(sb.entries)
		fresh[i] = sb.entries[srcIdx]
	}
	sb.entries = fresh
	sb.head = 0
	sb.count = n
}

// Forget drops all retained samples and retention requirements for a
// signal, releasing any string handles. Called when a campaign referencing
// the signal is removed and no other active campaign still needs it.
func (h *History) Forget(id signalid.ID) {
	h.mu.Lock()
	sb, ok := h.signals[id]
	delete(h.signals, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for i := 0; i < sb.count; i++ {
		idx := (sb.head + i) % len(sb.entries)
		if sb.entries[idx].value.Type == signalid.TypeString {
			h.arena.Release(sb.entries[idx].strHandle)
		}
	}
}

// Ingest records a new sample. Non-monotonic timestamps are accepted but
// clamped: the effective ordering timestamp is max(last_ts, incoming_ts);
// the true wall-clock timestamp is preserved (spec.md §4.1 edge cases).
// Ingestion never fails for a non-full buffer; overflow silently evicts the
// oldest entry and increments a drop counter, never returned as an error.
func (h *History) Ingest(s signalid.Sample) {
	h.mu.Lock()
	sb, ok := h.signals[s.SignalID]
	if !ok {
		sb = newSignalBuffer(defaultCapacity)
		h.signals[s.SignalID] = sb
	}
	h.mu.Unlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	effMono := s.MonotonicTS
	if sb.count > 0 {
		last := sb.entries[(sb.head+sb.count-1)%len(sb.entries)].monoTS
		if effMono < last {
			effMono = last
			sb.clampCount++
		}
	}

	e := entry{monoTS: effMono, wallTS: s.WallTS, value: s.Value}
	if s.Value.Type == signalid.TypeString {
		e.strHandle = h.arena.Retain(s.Value.Str)
	}

	if sb.count == len(sb.entries) {
		// full: evict oldest in place, advance head
		old := sb.entries[sb.head]
		if old.value.Type == signalid.TypeString {
			h.arena.Release(old.strHandle)
		}
		sb.entries[sb.head] = e
		sb.head = (sb.head + 1) % len(sb.entries)
		sb.evictions++
	} else {
		idx := (sb.head + sb.count) % len(sb.entries)
		sb.entries[idx] = e
		sb.count++
	}
	sb.everSeen = true
}

// Latest returns the most recent sample for a signal, if any.
func (h *History) Latest(id signalid.ID) (signalid.Value, int64, bool) {
	sb := h.get(id)
	if sb == nil {
		return signalid.Value{}, 0, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if sb.count == 0 {
		return signalid.Value{}, 0, false
	}
	e := sb.entries[(sb.head+sb.count-1)%len(sb.entries)]
	return h.resolve(e), e.monoTS, true
}

// LastReceptionTime returns the monotonic timestamp of the most recent
// sample, for the expr.LastReceptionTime node.
func (h *History) LastReceptionTime(id signalid.ID) (int64, bool) {
	sb := h.get(id)
	if sb == nil {
		return 0, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if sb.count == 0 {
		return 0, false
	}
	return sb.entries[(sb.head+sb.count-1)%len(sb.entries)].monoTS, true
}

// AtOrBefore returns the latest sample with monoTS <= ts.
func (h *History) AtOrBefore(id signalid.ID, ts int64) (signalid.Value, int64, bool) {
	sb := h.get(id)
	if sb == nil {
		return signalid.Value{}, 0, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for i := sb.count - 1; i >= 0; i-- {
		e := sb.entries[(sb.head+i)%len(sb.entries)]
		if e.monoTS <= ts {
			return h.resolve(e), e.monoTS, true
		}
	}
	return signalid.Value{}, 0, false
}

// IsNull reports whether the buffer has never seen a sample for this
// signal (spec.md §4.2's IsNull node).
func (h *History) IsNull(id signalid.ID) bool {
	sb := h.get(id)
	if sb == nil {
		return true
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return !sb.everSeen
}

// Reduce computes a window reduction over [now-windowMs, now]. The second
// return value reports whether the result is "partial" — the window
// extended beyond the oldest retained sample. For prev_last, the window
// examined is [now-2*windowMs, now-windowMs) — upper bound exclusive, per
// spec.md §4.2's definition of prev_last as the last sample with
// now-2*windowMs <= ts < now-windowMs; an empty prior window yields
// ok=false (spec.md §9 Open Question: source leaves this undefined, this
// engine defines it as Undefined).
func (h *History) Reduce(id signalid.ID, fn ReduceFn, windowMs, now int64) (signalid.Value, bool, bool) {
	sb := h.get(id)
	if sb == nil {
		return signalid.Value{}, false, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if sb.count == 0 {
		return signalid.Value{}, false, false
	}

	var lo, hi int64
	if fn == ReducePrevLast {
		lo, hi = now-2*windowMs, now-windowMs
	} else {
		lo, hi = now-windowMs, now
	}

	oldestTS := sb.entries[sb.head].monoTS
	partial := lo < oldestTS

	var (
		sum      float64
		count    int
		last     signalid.Value
		lastTS   int64 = -1
		minV, maxV float64
		haveMM   bool
	)

	for i := 0; i < sb.count; i++ {
		e := sb.entries[(sb.head+i)%len(sb.entries)]
		if e.monoTS < lo || e.monoTS > hi {
			continue
		}
		if fn == ReducePrevLast && e.monoTS >= hi {
			continue // prev_last's upper bound is exclusive
		}
		count++
		if fn == ReducePrevLast || fn == ReduceLast {
			if e.monoTS >= lastTS {
				lastTS = e.monoTS
				last = h.resolve(e)
			}
			continue
		}
		v, ok := e.value.AsFloat64()
		if !ok {
			continue
		}
		sum += v
		if !haveMM {
			minV, maxV = v, v
			haveMM = true
		} else {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}

	if count == 0 {
		return signalid.Value{}, partial, false
	}

	switch fn {
	case ReduceMin:
		return signalid.NumValue(signalid.TypeF64, minV), partial, true
	case ReduceMax:
		return signalid.NumValue(signalid.TypeF64, maxV), partial, true
	case ReduceAvg:
		return signalid.NumValue(signalid.TypeF64, sum/float64(count)), partial, true
	case ReduceCount:
		return signalid.NumValue(signalid.TypeF64, float64(count)), partial, true
	case ReduceLast, ReducePrevLast:
		return last, partial, true
	default:
		return signalid.Value{}, partial, false
	}
}

func (h *History) get(id signalid.ID) *signalBuffer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.signals[id]
}

func (h *History) resolve(e entry) signalid.Value {
	if e.value.Type != signalid.TypeString {
		return e.value
	}
	s, ok := h.arena.Resolve(e.strHandle)
	if !ok {
		return e.value
	}
	v := e.value
	v.Str = s
	return v
}

// SamplesSince returns every retained sample for id with monoTS >= lo,
// oldest-first, capped to the most recent maxSamples (0 means unlimited).
// Used by the Payload Assembler to materialize a firing campaign's snapshot
// (spec.md §4.5).
func (h *History) SamplesSince(id signalid.ID, lo int64, maxSamples int) []signalid.Sample {
	sb := h.get(id)
	if sb == nil {
		return nil
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var out []signalid.Sample
	for i := 0; i < sb.count; i++ {
		e := sb.entries[(sb.head+i)%len(sb.entries)]
		if e.monoTS < lo {
			continue
		}
		out = append(out, signalid.Sample{
			SignalID:    id,
			MonotonicTS: e.monoTS,
			WallTS:      e.wallTS,
			Value:       h.resolve(e),
		})
	}
	if maxSamples > 0 && len(out) > maxSamples {
		out = out[len(out)-maxSamples:]
	}
	return out
}

// Stats is a diagnostics snapshot of one signal's buffer occupancy.
type Stats struct {
	SignalID   signalid.ID
	Count      int
	Capacity   int
	Evictions  uint64
	ClampCount uint64
	RetentionWindowMs int64
}

// AllStats returns a diagnostics snapshot across every tracked signal.
func (h *History) AllStats() []Stats {
	h.mu.RLock()
	ids := make([]signalid.ID, 0, len(h.signals))
	bufs := make([]*signalBuffer, 0, len(h.signals))
	for id, sb := range h.signals {
		ids = append(ids, id)
		bufs = append(bufs, sb)
	}
	h.mu.RUnlock()

	out := make([]Stats, len(ids))
	for i, sb := range bufs {
		sb.mu.RLock()
		out[i] = Stats{
			SignalID:          ids[i],
			Count:             sb.count,
			Capacity:          len(sb.entries),
			Evictions:         sb.evictions,
			ClampCount:        sb.clampCount,
			RetentionWindowMs: sb.retention.WindowMs,
		}
		sb.mu.RUnlock()
	}
	return out
}
