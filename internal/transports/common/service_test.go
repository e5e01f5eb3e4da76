package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"simcmd/internal/core"
	"simcmd/internal/storage"
)

type recordSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordSink) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type memoryAudit struct {
	mu     sync.Mutex
	events []storage.AuditEvent
	err    error
}

func (m *memoryAudit) Write(ctx context.Context, ev storage.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryAudit) Events() []storage.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.AuditEvent(nil), m.events...)
}

func TestHandleRawEnqueues(t *testing.T) {
	q := core.NewQueue()
	svc := &Service{Source: "tcp", Queue: q}
	sink := &recordSink{}

	if err := svc.HandleRaw("peer-1", "7:vset /action/game/pause", sink); err != nil {
		t.Fatalf("handle: %v", err)
	}
	in, ok := q.Dequeue()
	if !ok {
		t.Fatalf("request not queued")
	}
	if in.Request.ID != 7 || in.Request.Payload != "vset /action/game/pause" || in.Peer != "peer-1" || in.Source != "tcp" {
		t.Fatalf("unexpected inbound %+v", in)
	}
	if in.Received.IsZero() || in.Sink != sink {
		t.Fatalf("inbound must carry sink and receive time")
	}
	if len(sink.Messages()) != 0 {
		t.Fatalf("accepted request must not be answered by the transport")
	}
}

func TestHandleRawMalformed(t *testing.T) {
	q := core.NewQueue()
	audit := &memoryAudit{}
	rec := NewAuditRecorder(audit, 8, nil)
	svc := &Service{Source: "tcp", Queue: q, Audit: rec}
	sink := &recordSink{}

	err := svc.HandleRaw("peer-1", "abc:vset /action/game/pause", sink)
	if !errors.Is(err, core.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if !q.IsEmpty() {
		t.Fatalf("malformed message must not be queued")
	}
	got := sink.Messages()
	if len(got) != 1 || got[0] != "error: Malformed raw message 'abc:vset /action/game/pause'" {
		t.Fatalf("unexpected replies %v", got)
	}
	rec.Close()
	if evs := audit.Events(); len(evs) != 1 || evs[0].Status != "rejected" {
		t.Fatalf("unexpected audit %+v", evs)
	}
}

func TestHandleRawQueueFull(t *testing.T) {
	q := core.NewQueue(core.WithQueueCapacity(1))
	svc := &Service{Source: "ws", Queue: q}
	sink := &recordSink{}

	_ = svc.HandleRaw("p", "1:vget /objects", sink)
	if err := svc.HandleRaw("p", "2:vget /objects", sink); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := sink.Messages(); len(got) != 1 || got[0] != "2:error: queue full" {
		t.Fatalf("unexpected replies %v", got)
	}
}

func TestHandleRawRateLimited(t *testing.T) {
	q := core.NewQueue()
	svc := &Service{Source: "tcp", Queue: q, RateLimiter: NewRateLimiter(1, time.Minute)}
	sink := &recordSink{}

	_ = svc.HandleRaw("p", "1:vget /objects", sink)
	if err := svc.HandleRaw("p", "2:vget /objects", sink); !errors.Is(err, errRateLimited) {
		t.Fatalf("expected errRateLimited, got %v", err)
	}
	if err := svc.HandleRaw("other", "3:vget /objects", sink); err != nil {
		t.Fatalf("other peer must not be limited: %v", err)
	}
	if got := sink.Messages(); len(got) != 1 || got[0] != "2:error: rate limit exceeded" {
		t.Fatalf("unexpected replies %v", got)
	}
	if q.Len() != 2 {
		t.Fatalf("queue len %d, want 2", q.Len())
	}

	svc.Disconnect("p")
	if err := svc.HandleRaw("p", "4:vget /objects", sink); err != nil {
		t.Fatalf("reconnected peer starts a fresh window: %v", err)
	}
}
