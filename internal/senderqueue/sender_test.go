package senderqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/edge-agent/internal/payload"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	failing atomic.Bool
}

func (f *fakeTransport) Send(ctx context.Context, raw []byte) error {
	if f.failing.Load() {
		return errors.New("transport down")
	}
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func jsonEncode(p payload.Payload) ([]byte, error) { return json.Marshal(p) }

func TestSenderHandleSendsSuccessfully(t *testing.T) {
	q := NewQueue(4, 0)
	store := NewStore(t.TempDir(), 0, zerolog.Nop())
	tr := &fakeTransport{}
	s := NewSender(q, store, tr, jsonEncode, 0, zerolog.Nop())

	s.handle(context.Background(), payload.Payload{EventID: "e1"})
	if s.SentTotal() != 1 {
		t.Fatalf("SentTotal() = %d, want 1", s.SentTotal())
	}
	if tr.sentCount() != 1 {
		t.Fatalf("transport received %d sends, want 1", tr.sentCount())
	}
}

func TestSenderHandlePersistsOnSendFailureWhenPersistTrue(t *testing.T) {
	q := NewQueue(4, 0)
	store := NewStore(t.TempDir(), 0, zerolog.Nop())
	tr := &fakeTransport{}
	tr.failing.Store(true)
	s := NewSender(q, store, tr, jsonEncode, 0, zerolog.Nop())

	s.handle(context.Background(), payload.Payload{EventID: "e1", Persist: true})
	if store.Count() != 1 {
		t.Fatalf("store.Count() = %d, want 1 after a failed send with Persist=true", store.Count())
	}
}

func TestSenderHandleDropsOnSendFailureWhenPersistFalse(t *testing.T) {
	q := NewQueue(4, 0)
	store := NewStore(t.TempDir(), 0, zerolog.Nop())
	tr := &fakeTransport{}
	tr.failing.Store(true)
	s := NewSender(q, store, tr, jsonEncode, 0, zerolog.Nop())

	s.handle(context.Background(), payload.Payload{EventID: "e1", Persist: false})
	if store.Count() != 0 {
		t.Fatalf("store.Count() = %d, want 0 (Persist=false should drop, not persist)", store.Count())
	}
	if s.DroppedTotal() != 1 {
		t.Fatalf("DroppedTotal() = %d, want 1", s.DroppedTotal())
	}
}

func TestSenderRunDrainsQueueUntilCancelled(t *testing.T) {
	q := NewQueue(4, 0)
	store := NewStore(t.TempDir(), 0, zerolog.Nop())
	tr := &fakeTransport{}
	s := NewSender(q, store, tr, jsonEncode, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	q.Enqueue(ctx, payload.Payload{EventID: "e1"})
	q.Enqueue(ctx, payload.Payload{EventID: "e2"})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for tr.sentCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for both payloads to be sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestSenderRetryLoopResendsStoredPayloads(t *testing.T) {
	q := NewQueue(4, 0)
	store := NewStore(t.TempDir(), 0, zerolog.Nop())
	store.Put("e1", "c1", 100, []byte("stored"))

	tr := &fakeTransport{}
	s := NewSender(q, store, tr, jsonEncode, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.retryLoop(ctx)

	deadline := time.After(time.Second)
	for store.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for retryLoop to resend the stored payload")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
