package senderqueue

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/errs"
)

func TestStorePutAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0, zerolog.Nop())
	if err := s.Put("e1", "c1", 100, []byte("payload-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if s.Count() != 1 || s.TotalBytes() != int64(len("payload-bytes")) {
		t.Fatalf("Count()=%d TotalBytes()=%d after Put", s.Count(), s.TotalBytes())
	}

	s2 := NewStore(dir, 0, zerolog.Nop())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s2.Count() != 1 {
		t.Fatalf("Count() after Load = %d, want 1", s2.Count())
	}
}

func TestStoreLoadMissingIndexIsNotAnError(t *testing.T) {
	s := NewStore(t.TempDir(), 0, zerolog.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load on a fresh directory should not error, got %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", s.Count())
	}
}

func TestStoreEvictsOldestOnQuotaExceeded(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10, zerolog.Nop())
	if err := s.Put("e1", "c1", 100, []byte("0123456789")); err != nil {
		t.Fatalf("Put e1: %v", err)
	}
	if err := s.Put("e2", "c1", 200, []byte("abcdefghij")); err != nil {
		t.Fatalf("Put e2: %v", err)
	}
	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (e1 should have been evicted)", s.Count())
	}
}

func TestStorePutReturnsMemoryFullWhenEntryNeverFits(t *testing.T) {
	s := NewStore(t.TempDir(), 5, zerolog.Nop())
	err := s.Put("e1", "c1", 100, []byte("this-does-not-fit"))
	if err == nil {
		t.Fatal("expected an error when a single entry exceeds quota")
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.MemoryFull {
		t.Fatalf("err = %v, want errs.MemoryFull", err)
	}
}

func TestStoreResendAllRemovesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0, zerolog.Nop())
	s.Put("e1", "c1", 100, []byte("hello"))

	var sent [][]byte
	s.ResendAll(func(eventID string, raw []byte) error {
		sent = append(sent, raw)
		return nil
	})

	if len(sent) != 1 {
		t.Fatalf("expected ResendAll to call send once, got %d", len(sent))
	}
	if s.Count() != 0 {
		t.Fatalf("Count() = %d after successful resend, want 0", s.Count())
	}
}

func TestStoreResendAllKeepsEntryOnFailure(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0, zerolog.Nop())
	s.Put("e1", "c1", 100, []byte("hello"))

	s.ResendAll(func(eventID string, raw []byte) error {
		return errors.New("transport down")
	})

	if s.Count() != 1 {
		t.Fatalf("Count() = %d after a failed resend, want 1 (entry retained)", s.Count())
	}
}
