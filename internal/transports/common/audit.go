package common

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"simcmd/internal/core"
	"simcmd/internal/storage"
)

// AuditRecorder пишет аудит асинхронно, чтобы owner-горутина не ждала диск.
// При переполнении буфера события отбрасываются и считаются.
type AuditRecorder struct {
	writer storage.AuditWriter
	logger *slog.Logger
	events chan storage.AuditEvent

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewAuditRecorder создает recorder с буфером size и запускает фоновую запись.
func NewAuditRecorder(w storage.AuditWriter, size int, logger *slog.Logger) *AuditRecorder {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &AuditRecorder{
		writer: w,
		logger: logger,
		events: make(chan storage.AuditEvent, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Hook возвращает обработчик ответов для core.Loop.
func (r *AuditRecorder) Hook() core.ResponseHook {
	return func(in core.Inbound, status core.ExecStatus, elapsed time.Duration) {
		r.Record(in, core.Encode(in.Request.ID, status.Reply()), status.Code.String(), elapsed)
	}
}

// Record ставит событие в буфер записи.
func (r *AuditRecorder) Record(in core.Inbound, reply, status string, elapsed time.Duration) {
	ev := storage.AuditEvent{
		Source:     in.Source,
		Peer:       in.Peer,
		RequestID:  in.Request.ID,
		Payload:    in.Request.Payload,
		Reply:      reply,
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
		TS:         time.Now().UTC(),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Close дописывает буфер и останавливает запись.
func (r *AuditRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}

// Dropped возвращает число отброшенных событий.
func (r *AuditRecorder) Dropped() uint64 { return r.dropped.Load() }

// Written возвращает число записанных событий.
func (r *AuditRecorder) Written() uint64 { return r.written.Load() }

func (r *AuditRecorder) run() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.writer.Write(ctx, ev)
		cancel()
		if err != nil {
			r.logger.Warn("audit write failed", "source", ev.Source, "peer", ev.Peer, "request_id", ev.RequestID, "err", err)
			continue
		}
		r.written.Add(1)
	}
}
