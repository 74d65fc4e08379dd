package senderqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/errs"
)

// storedMeta is the per-entry metadata persisted alongside the raw payload
// bytes (spec.md §4.6: "<event_id>.json" + the aggregate index.json).
type storedMeta struct {
	EventID    string `json:"event_id"`
	CampaignID string `json:"campaign_id"`
	WallTS     int64  `json:"wall_ts"`
	Bytes      int64  `json:"bytes"`
}

// Store is the on-disk Payload Manager: a single-writer (spec.md §5: "called
// from the Sender thread only") byte-quota-bounded store of payloads that
// failed transmission and are awaiting retry.
type Store struct {
	mu    sync.Mutex
	root  string
	quota int64
	log   zerolog.Logger

	order      []string // event ids, oldest-first
	meta       map[string]storedMeta
	totalBytes int64
}

func NewStore(root string, quotaBytes int64, log zerolog.Logger) *Store {
	return &Store{
		root:  root,
		quota: quotaBytes,
		log:   log.With().Str("component", "payload_manager").Logger(),
		meta:  make(map[string]storedMeta),
	}
}

// Load rebuilds in-memory bookkeeping from the aggregate index at startup.
// A missing or corrupt index is not fatal — the store starts empty (spec.md
// §4.4's "corrupt file is logged and ignored" policy, applied the same way
// here).
func (s *Store) Load() error {
	b, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []storedMeta
	if err := json.Unmarshal(b, &entries); err != nil {
		s.log.Warn().Err(err).Msg("corrupt payload index, starting empty")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.order = append(s.order, e.EventID)
		s.meta[e.EventID] = e
		s.totalBytes += e.Bytes
	}
	return nil
}

// Put persists raw payload bytes under eventID, evicting oldest entries
// first if needed to stay within quota (spec.md §4.6 Global quota). Returns
// an errs.MemoryFull error if the store is already empty and the entry
// still doesn't fit.
func (s *Store) Put(eventID, campaignID string, wallTS int64, raw []byte) error {
	need := int64(len(raw))

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.quota > 0 && s.totalBytes+need > s.quota && len(s.order) > 0 {
		s.evictOldestLocked()
	}
	if s.quota > 0 && s.totalBytes+need > s.quota {
		return errs.New(errs.MemoryFull, "payload store quota exhausted")
	}

	binPath := s.binPath(eventID)
	if err := atomicWrite(binPath, raw); err != nil {
		return errs.Wrap(errs.FilesystemError, "write payload bytes", err)
	}

	m := storedMeta{EventID: eventID, CampaignID: campaignID, WallTS: wallTS, Bytes: need}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		os.Remove(binPath)
		return errs.Wrap(errs.SerializationFailure, "marshal payload metadata", err)
	}
	if err := atomicWrite(s.metaPath(eventID), metaBytes); err != nil {
		os.Remove(binPath)
		return errs.Wrap(errs.FilesystemError, "write payload metadata", err)
	}

	s.order = append(s.order, eventID)
	s.meta[eventID] = m
	s.totalBytes += need
	return s.writeIndexLocked()
}

// evictOldestLocked removes the oldest stored entry; caller holds s.mu.
func (s *Store) evictOldestLocked() {
	id := s.order[0]
	s.order = s.order[1:]
	m := s.meta[id]
	delete(s.meta, id)
	s.totalBytes -= m.Bytes
	os.Remove(s.binPath(id))
	os.Remove(s.metaPath(id))
}

// ResendAll iterates the store oldest-first, calling send for each entry's
// raw bytes; on success the entry is deleted, on failure it is left in
// place for the next call (spec.md §4.6 Read path).
func (s *Store) ResendAll(send func(eventID string, raw []byte) error) {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, id := range ids {
		raw, err := os.ReadFile(s.binPath(id))
		if err != nil {
			continue
		}
		if err := send(id, raw); err != nil {
			continue
		}
		s.remove(id)
	}
}

func (s *Store) remove(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[eventID]
	if !ok {
		return
	}
	delete(s.meta, eventID)
	s.totalBytes -= m.Bytes
	for i, id := range s.order {
		if id == eventID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	os.Remove(s.binPath(eventID))
	os.Remove(s.metaPath(eventID))
	s.writeIndexLocked()
}

// writeIndexLocked rewrites the aggregate index atomically; caller holds s.mu.
func (s *Store) writeIndexLocked() error {
	entries := make([]storedMeta, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.meta[id])
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return errs.Wrap(errs.SerializationFailure, "marshal payload index", err)
	}
	if err := atomicWrite(s.indexPath(), b); err != nil {
		return errs.Wrap(errs.FilesystemError, "write payload index", err)
	}
	return nil
}

func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) binPath(eventID string) string  { return filepath.Join(s.root, eventID+".bin") }
func (s *Store) metaPath(eventID string) string { return filepath.Join(s.root, eventID+".json") }
func (s *Store) indexPath() string              { return filepath.Join(s.root, "index.json") }

func atomicWrite(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
