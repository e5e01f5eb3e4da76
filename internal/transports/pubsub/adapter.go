// Package pubsub принимает запросы из канала Valkey и публикует ответы.
package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"simcmd/internal/transports/common"
)

var errOutboxFull = errors.New("outbox full")

// Config определяет каналы и параметры переподключения.
type Config struct {
	RequestChannel string
	ReplyChannel   string
	Outbox         int
	PublishTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

// envelope позволяет клиенту указать собственный канал ответа.
type envelope struct {
	ReplyTo string `json:"reply_to"`
	Message string `json:"message"`
}

type outgoing struct {
	channel string
	payload string
}

// Stats содержит счетчики транспорта.
type Stats struct {
	Received   uint64 `json:"received"`
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Reconnects uint64 `json:"reconnects"`
}

// Adapter реализует транспорт поверх pub/sub.
type Adapter struct {
	svc    *common.Service
	bus    Bus
	cfg    Config
	logger *slog.Logger

	outbox chan outgoing
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	received   atomic.Uint64
	published  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// NewAdapter создает транспорт. Bus закрывается в Stop.
func NewAdapter(svc *common.Service, bus Bus, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.RequestChannel == "" {
		cfg.RequestChannel = "simcmd:requests"
	}
	if cfg.ReplyChannel == "" {
		cfg.ReplyChannel = "simcmd:replies"
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{svc: svc, bus: bus, cfg: cfg, logger: logger}
}

func (a *Adapter) Name() string { return "valkey" }

// Start запускает подписку и публикатор.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("valkey transport already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.outbox = make(chan outgoing, a.cfg.Outbox)

	a.wg.Add(2)
	go a.subscribeLoop(runCtx)
	go a.publishLoop(runCtx, a.outbox)
	a.logger.Info("valkey transport subscribed", "channel", a.cfg.RequestChannel, "reply_channel", a.cfg.ReplyChannel)
	return nil
}

// Stop останавливает горутины; неотправленные ответы публикуются до выхода.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	defer a.bus.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats возвращает счетчики.
func (a *Adapter) Stats() Stats {
	return Stats{
		Received:   a.received.Load(),
		Published:  a.published.Load(),
		Failed:     a.failed.Load(),
		Dropped:    a.dropped.Load(),
		Reconnects: a.reconnects.Load(),
	}
}

func (a *Adapter) subscribeLoop(ctx context.Context) {
	defer a.wg.Done()
	delay := a.cfg.MinBackoff
	for {
		err := a.bus.Subscribe(ctx, a.cfg.RequestChannel, a.handleMessage)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = a.cfg.MinBackoff
		} else {
			a.logger.Warn("valkey subscription lost", "channel", a.cfg.RequestChannel, "retry_in", delay, "err", err)
		}
		a.reconnects.Add(1)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err != nil {
			delay = min(delay*2, a.cfg.MaxBackoff)
		}
	}
}

func (a *Adapter) handleMessage(msg Message) {
	if msg.Channel != a.cfg.RequestChannel {
		return
	}
	a.received.Add(1)
	raw, replyTo := msg.Payload, a.cfg.ReplyChannel
	if strings.HasPrefix(raw, "{") {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Message != "" {
			raw = env.Message
			if env.ReplyTo != "" {
				replyTo = env.ReplyTo
			}
		}
	}
	_ = a.svc.HandleRaw(replyTo, raw, &channelSink{adapter: a, channel: replyTo})
}

func (a *Adapter) publishLoop(ctx context.Context, outbox <-chan outgoing) {
	defer a.wg.Done()
	for {
		select {
		case out := <-outbox:
			a.publish(out)
		case <-ctx.Done():
			for {
				select {
				case out := <-outbox:
					a.publish(out)
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) publish(out outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PublishTimeout)
	defer cancel()
	if err := a.bus.Publish(ctx, out.channel, out.payload); err != nil {
		a.failed.Add(1)
		a.logger.Warn("valkey publish failed", "channel", out.channel, "err", err)
		return
	}
	a.published.Add(1)
}

func (a *Adapter) enqueue(out outgoing) error {
	a.mu.Lock()
	outbox := a.outbox
	running := a.cancel != nil
	a.mu.Unlock()
	if !running {
		a.dropped.Add(1)
		return errors.New("valkey transport stopped")
	}
	select {
	case outbox <- out:
		return nil
	default:
		a.dropped.Add(1)
		return errOutboxFull
	}
}

// channelSink публикует ответы в канал клиента.
type channelSink struct {
	adapter *Adapter
	channel string
}

func (s *channelSink) Send(msg string) error {
	return s.adapter.enqueue(outgoing{channel: s.channel, payload: msg})
}
