package campaign

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/decoder"
	"github.com/snarg/edge-agent/internal/signalid"
)

const (
	schemeListFile = "CollectionSchemeList.bin"
	manifestFile   = "DecoderManifest.bin"
)

// Listener is notified of campaign state transitions driven by Reconcile.
// Implemented by the Inspection Engine to allocate/release per-campaign
// runtime state (invocation ids, retention) in step with the Campaign
// Manager's view of the world (spec.md §4.3/§4.4 ownership split).
type Listener interface {
	OnCampaignActivated(c *Campaign)
	OnCampaignIdle(c *Campaign)
	OnCampaignExpired(c *Campaign)
	OnCampaignRemoved(c *Campaign)
}

type entry struct {
	doc   *Campaign
	state State
}

// Manager owns the set of known campaigns and the active decoder manifest,
// ingesting cloud documents, persisting them to disk for restart replay, and
// reconciling state on manifest or list change (spec.md §4.4).
type Manager struct {
	mu         sync.RWMutex
	persistDir string
	log        zerolog.Logger
	listener   Listener

	campaigns map[SyncID]*entry

	manifest atomic.Pointer[decoder.Dictionary]
	active   atomic.Pointer[[]*Campaign]
}

func NewManager(persistDir string, log zerolog.Logger) *Manager {
	m := &Manager{
		persistDir: persistDir,
		log:        log.With().Str("component", "campaign_manager").Logger(),
		campaigns:  make(map[SyncID]*entry),
	}
	empty := []*Campaign{}
	m.active.Store(&empty)
	return m
}

func (m *Manager) SetListener(l Listener) { m.listener = l }

// ActiveManifest returns the currently active decoder dictionary, or nil if
// none has been ingested yet. Lock-free: reads an atomic snapshot pointer
// (spec.md §5, §9 "shared immutable snapshots").
func (m *Manager) ActiveManifest() *decoder.Dictionary { return m.manifest.Load() }

// NamedSignalInterfaceID is the custom interface under which human-readable
// signal names (e.g. "Vehicle.FileSize") are bound in the decoder manifest,
// mirroring NamedSignalDataSource's single well-known interface.
const NamedSignalInterfaceID = "named_signal"

// ResolveNamedSignal implements customfn.NamedSignalResolver: it looks up a
// human-readable signal name against the active manifest's named-signal
// custom interface.
func (m *Manager) ResolveNamedSignal(name string) (signalid.ID, bool) {
	dict := m.ActiveManifest()
	if dict == nil {
		return 0, false
	}
	entry, ok := dict.ResolveCustom(NamedSignalInterfaceID, name)
	if !ok {
		return 0, false
	}
	return entry.SignalID, true
}

// ActiveCampaigns returns the current Active-state campaigns, ordered by
// priority then id (spec.md §4.3 scheduling order). Lock-free read of an
// atomically published snapshot — never mutated in place by the writer.
func (m *Manager) ActiveCampaigns() []*Campaign {
	p := m.active.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Snapshot returns every known campaign regardless of state, for diagnostics
// (spec.md §6 GET /campaigns).
func (m *Manager) Snapshot() map[SyncID]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[SyncID]State, len(m.campaigns))
	for id, e := range m.campaigns {
		out[id] = e.state
	}
	return out
}

// AllCampaigns returns every known campaign document regardless of state —
// used by the Inspection Engine to decide whether a removed campaign's
// signals are still referenced elsewhere before forgetting their history
// (spec.md §4.1/§4.4).
func (m *Manager) AllCampaigns() []*Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Campaign, 0, len(m.campaigns))
	for _, e := range m.campaigns {
		out = append(out, e.doc)
	}
	return out
}

// Reconcile re-evaluates every known campaign's state against now and the
// active manifest (spec.md §4.3 step 1 relies on this running every tick,
// not only on ingest, since start_time/expiry_time transitions are purely
// time-driven).
func (m *Manager) Reconcile(now int64) { m.reconcile(now) }

// LoadPersisted replays the last-persisted manifest and campaign list from
// disk at startup (spec.md §4.8 startup behavior). Missing files are not an
// error — a fresh install has none.
func (m *Manager) LoadPersisted(now int64) error {
	if doc, ok, err := m.readManifest(); err != nil {
		return fmt.Errorf("load persisted manifest: %w", err)
	} else if ok {
		dict, err := doc.build()
		if err != nil {
			return fmt.Errorf("rebuild persisted manifest: %w", err)
		}
		m.manifest.Store(dict)
	}

	list, ok, err := m.readSchemeList()
	if err != nil {
		return fmt.Errorf("load persisted campaign list: %w", err)
	}
	if !ok {
		return nil
	}
	m.mu.Lock()
	for _, c := range list {
		m.campaigns[c.ID] = &entry{doc: c, state: StatePending}
	}
	m.mu.Unlock()
	m.reconcile(now)
	return nil
}

// ReloadManifestFile re-reads DecoderManifest.bin from persistDir and
// activates it without rewriting the file, for the hot-reload path (an
// operator or local tool drops a replacement directly onto disk rather than
// publishing one over MQTT).
func (m *Manager) ReloadManifestFile(now int64) error {
	doc, ok, err := m.readManifest()
	if err != nil {
		return fmt.Errorf("reload decoder manifest: %w", err)
	}
	if !ok {
		return nil
	}
	dict, err := doc.build()
	if err != nil {
		return fmt.Errorf("invalid decoder manifest: %w", err)
	}
	m.manifest.Store(dict)
	m.reconcile(now)
	return nil
}

// ReloadSchemeListFile re-reads CollectionSchemeList.bin from persistDir and
// reconciles the known campaign set against it, for the same hot-reload path
// as ReloadManifestFile.
func (m *Manager) ReloadSchemeListFile(now int64) error {
	list, ok, err := m.readSchemeList()
	if err != nil {
		return fmt.Errorf("reload collection scheme list: %w", err)
	}
	if !ok {
		return nil
	}
	m.applySchemeList(list)
	m.reconcile(now)
	return nil
}

// IngestManifest parses, persists, and activates a new decoder manifest,
// then reconciles every known campaign against it (spec.md §4.4: a manifest
// swap can move campaigns between Active and Idle without any change to the
// campaign documents themselves).
func (m *Manager) IngestManifest(doc ManifestDoc, now int64) error {
	dict, err := doc.build()
	if err != nil {
		return fmt.Errorf("invalid decoder manifest: %w", err)
	}
	if err := m.writeManifest(doc); err != nil {
		return fmt.Errorf("persist decoder manifest: %w", err)
	}
	m.manifest.Store(dict)
	m.reconcile(now)
	return nil
}

// IngestCollectionSchemeList replaces the known campaign set with list,
// persists it, and reconciles (spec.md §4.4). Previously known campaigns
// absent from list are deleted from the known set and reported through
// Listener.OnCampaignRemoved.
func (m *Manager) IngestCollectionSchemeList(list []*Campaign, now int64) error {
	if err := m.writeSchemeList(list); err != nil {
		return fmt.Errorf("persist collection scheme list: %w", err)
	}
	m.applySchemeList(list)
	m.reconcile(now)
	return nil
}

// applySchemeList diffs list against the known campaign set without
// touching disk, shared by IngestCollectionSchemeList and the hot-reload
// path which has already read list from its on-disk canonical location.
//
// Listener notifications fire only after m.mu is released: notifyRemoved
// calls back into m.listener.OnCampaignRemoved, which in production
// (inspection.Engine.OnCampaignRemoved) calls back into this Manager
// (AllCampaigns, an RLock) to decide whether to forget orphaned signal
// history. Firing that callback while still holding m.mu.Lock() would
// deadlock the calling goroutine against itself, since sync.RWMutex is not
// reentrant.
func (m *Manager) applySchemeList(list []*Campaign) {
	m.mu.Lock()
	incoming := make(map[SyncID]*Campaign, len(list))
	for _, c := range list {
		incoming[c.ID] = c
	}
	var removed []*Campaign
	for id, old := range m.campaigns {
		next, ok := incoming[id]
		if !ok {
			removed = append(removed, old.doc)
			delete(m.campaigns, id)
			continue
		}
		if old.doc.Equal(next) {
			continue // unchanged document: no state recomputation, no notification
		}
		m.campaigns[id] = &entry{doc: next, state: StatePending}
	}
	for id, c := range incoming {
		if _, ok := m.campaigns[id]; !ok {
			m.campaigns[id] = &entry{doc: c, state: StatePending}
		}
	}
	m.mu.Unlock()

	for _, c := range removed {
		m.notifyRemoved(c)
	}
}

// transition pairs a campaign document with the state it just moved into,
// for deferred listener notification once reconcile has released m.mu.
type transition struct {
	doc  *Campaign
	next State
}

// reconcile recomputes each known campaign's state against the time window
// and active manifest id, firing Listener callbacks on transition, and
// republishes the Active-campaign snapshot (spec.md §4.4).
//
// Transitions are collected while m.mu is held but only fired after it is
// released (same reasoning as applySchemeList): a Listener method that
// calls back into the Manager must never run under m.mu.Lock().
func (m *Manager) reconcile(now int64) {
	dict := m.manifest.Load()

	m.mu.Lock()
	var activeList []*Campaign
	var transitions []transition
	for _, e := range m.campaigns {
		prev := e.state
		next := m.classify(e.doc, dict, now)
		e.state = next
		if next == StateActive {
			activeList = append(activeList, e.doc)
		}
		if prev == next {
			continue
		}
		switch next {
		case StateActive, StateIdle, StateExpired:
			transitions = append(transitions, transition{doc: e.doc, next: next})
		}
	}
	m.mu.Unlock()

	sort.Slice(activeList, func(i, j int) bool { return Less(activeList[i], activeList[j]) })
	m.active.Store(&activeList)

	for _, t := range transitions {
		switch t.next {
		case StateActive:
			m.notify(func() { m.listener.OnCampaignActivated(t.doc) })
		case StateIdle:
			m.notify(func() { m.listener.OnCampaignIdle(t.doc) })
		case StateExpired:
			m.notify(func() { m.listener.OnCampaignExpired(t.doc) })
		}
	}
}

func (m *Manager) classify(c *Campaign, dict *decoder.Dictionary, now int64) State {
	if now < c.StartTime {
		return StatePending
	}
	if now >= c.ExpiryTime {
		return StateExpired
	}
	if dict == nil || dict.ManifestID != c.DecoderManifestID {
		return StateIdle
	}
	return StateActive
}

func (m *Manager) notifyRemoved(c *Campaign) {
	if m.listener != nil {
		m.listener.OnCampaignRemoved(c)
	}
}

func (m *Manager) notify(f func()) {
	if m.listener != nil {
		f()
	}
}

// CheckinDocs returns the document ids the cloud check-in protocol reports
// as currently present on the vehicle: the active manifest plus every
// Active or Idle campaign (spec.md §4.4/§4.8: "active manifest plus active
// and idle campaigns"). Pending campaigns haven't started yet and Expired/
// Removed ones are no longer in effect, so none of them are reported.
func (m *Manager) CheckinDocs() []SyncID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SyncID, 0, len(m.campaigns)+1)
	if dict := m.manifest.Load(); dict != nil {
		out = append(out, dict.ManifestID)
	}
	for id, e := range m.campaigns {
		if e.state == StateActive || e.state == StateIdle {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) writeManifest(doc ManifestDoc) error {
	return atomicWriteJSON(filepath.Join(m.persistDir, manifestFile), doc)
}

func (m *Manager) readManifest() (ManifestDoc, bool, error) {
	var doc ManifestDoc
	ok, err := readJSON(filepath.Join(m.persistDir, manifestFile), &doc)
	return doc, ok, err
}

func (m *Manager) writeSchemeList(list []*Campaign) error {
	return atomicWriteJSON(filepath.Join(m.persistDir, schemeListFile), list)
}

func (m *Manager) readSchemeList() ([]*Campaign, bool, error) {
	var list []*Campaign
	ok, err := readJSON(filepath.Join(m.persistDir, schemeListFile), &list)
	return list, ok, err
}

// atomicWriteJSON writes v to path via a temp-file-then-rename so a crash
// mid-write never leaves a truncated document behind (spec.md §9,
// grounded on the source's CheckinAndPersistency atomic-replace behavior).
func atomicWriteJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, out any) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}
