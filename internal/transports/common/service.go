package common

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"simcmd/internal/core"
)

var errRateLimited = errors.New("rate limit exceeded")

// Service объединяет общий пайплайн транспорта: decode -> ratelimit -> queue.
// HandleRaw вызывается из горутины приема; ответы на отказ уходят сразу.
type Service struct {
	Source      string
	Queue       *core.Queue
	RateLimiter *RateLimiter
	Audit       *AuditRecorder
	Logger      *slog.Logger
}

// HandleRaw разбирает сырое сообщение и ставит запрос в очередь.
// Ошибка означает, что запрос не принят, а клиенту уже отправлен ответ.
func (s *Service) HandleRaw(peer, raw string, sink core.MessageSink) error {
	now := time.Now()
	req, err := core.Decode(raw)
	if err != nil {
		s.logger().Debug("malformed message", "source", s.Source, "peer", peer, "raw", raw)
		s.reject(peer, core.Request{Payload: raw}, core.MalformedReply(raw), sink, now)
		return err
	}
	if s.RateLimiter != nil && !s.RateLimiter.Allow(s.limitKey(peer), now) {
		s.logger().Warn("request rate limited", "source", s.Source, "peer", peer, "request_id", req.ID)
		s.reject(peer, req, core.Encode(req.ID, core.ErrorStatus(errRateLimited).Reply()), sink, now)
		return errRateLimited
	}
	err = s.Queue.Enqueue(core.Inbound{
		Request:  req,
		Sink:     sink,
		Source:   s.Source,
		Peer:     peer,
		Received: now,
	})
	if err != nil {
		s.logger().Warn("request rejected", "source", s.Source, "peer", peer, "request_id", req.ID, "err", err)
		s.reject(peer, req, core.Encode(req.ID, core.ErrorStatus(err).Reply()), sink, now)
		return err
	}
	return nil
}

// Disconnect освобождает состояние клиента после закрытия соединения.
func (s *Service) Disconnect(peer string) {
	if s.RateLimiter != nil {
		s.RateLimiter.Forget(s.limitKey(peer))
	}
}

func (s *Service) limitKey(peer string) string {
	return fmt.Sprintf("%s:%s", s.Source, peer)
}

func (s *Service) reject(peer string, req core.Request, reply string, sink core.MessageSink, received time.Time) {
	if err := sink.Send(reply); err != nil {
		s.logger().Warn("send rejection failed", "source", s.Source, "peer", peer, "err", err)
	}
	if s.Audit != nil {
		s.Audit.Record(core.Inbound{Request: req, Source: s.Source, Peer: peer, Received: received}, reply, "rejected", 0)
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}
