package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// LoopState описывает состояние цикла выполнения.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopDraining
)

func (s LoopState) String() string {
	if s == LoopDraining {
		return "draining"
	}
	return "idle"
}

// World описывает внешнюю зависимость, которую нужно подготовить до выполнения команд.
// EnsureReady вызывается в owner-контексте и должен быть идемпотентным.
type World interface {
	EnsureReady(ctx context.Context) error
}

// ResponseHook вызывается после отправки каждого ответа.
type ResponseHook func(in Inbound, status ExecStatus, elapsed time.Duration)

// LoopOption настраивает Loop.
type LoopOption func(*Loop)

// WithMaxPerTick ограничивает число запросов за тик; 0 отключает ограничение.
func WithMaxPerTick(n int) LoopOption {
	return func(l *Loop) {
		if n >= 0 {
			l.maxPerTick = n
		}
	}
}

// WithTickBudget ограничивает время опустошения очереди за тик; 0 отключает ограничение.
func WithTickBudget(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d >= 0 {
			l.budget = d
		}
	}
}

// WithWorld задает мир, готовность которого проверяется перед обработкой.
func WithWorld(w World) LoopOption {
	return func(l *Loop) { l.world = w }
}

// WithResponseHook задает обработчик отправленных ответов.
func WithResponseHook(h ResponseHook) LoopOption {
	return func(l *Loop) { l.hook = h }
}

// WithLoopLogger задает логгер.
func WithLoopLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// LoopStats содержит счетчики цикла.
type LoopStats struct {
	State          string        `json:"state"`
	Ticks          uint64        `json:"ticks"`
	Drained        uint64        `json:"drained"`
	Responses      uint64        `json:"responses"`
	SendErrors     uint64        `json:"send_errors"`
	BudgetOverruns uint64        `json:"budget_overruns"`
	WorldErrors    uint64        `json:"world_errors"`
	LastTick       time.Duration `json:"last_tick_ns"`
}

// Loop раз в тик опустошает очередь и отправляет ответы.
// Tick должен вызываться из одной горутины (owner).
type Loop struct {
	queue      *Queue
	dispatcher *Dispatcher
	world      World
	hook       ResponseHook
	logger     *slog.Logger
	maxPerTick int
	budget     time.Duration

	state          atomic.Int32
	ticks          atomic.Uint64
	drained        atomic.Uint64
	responses      atomic.Uint64
	sendErrors     atomic.Uint64
	budgetOverruns atomic.Uint64
	worldErrors    atomic.Uint64
	lastTick       atomic.Int64
}

// NewLoop создает цикл выполнения.
func NewLoop(queue *Queue, dispatcher *Dispatcher, opts ...LoopOption) *Loop {
	l := &Loop{
		queue:      queue,
		dispatcher: dispatcher,
		logger:     slog.New(slog.DiscardHandler),
		maxPerTick: 256,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tick выполняет один цикл Idle -> Draining -> Idle и возвращает число
// запросов, взятых из очереди.
func (l *Loop) Tick(ctx context.Context) int {
	l.ticks.Add(1)
	start := time.Now()
	defer func() { l.lastTick.Store(int64(time.Since(start))) }()

	if l.queue.IsEmpty() && l.dispatcher.Pending() == 0 && !l.dispatcher.HasMail() {
		return 0
	}
	l.state.Store(int32(LoopDraining))
	defer l.state.Store(int32(LoopIdle))

	l.dispatcher.Pump(l.dispatcher.now())

	// Запросы, пришедшие во время опустошения, ждут следующего тика.
	limit := l.queue.Len()
	if l.maxPerTick > 0 && limit > l.maxPerTick {
		limit = l.maxPerTick
	}
	n := 0
	for n < limit {
		if l.budget > 0 && n > 0 && time.Since(start) >= l.budget {
			l.budgetOverruns.Add(1)
			l.logger.Warn("tick budget exhausted", "budget", l.budget, "processed", n, "pending", l.queue.Len())
			break
		}
		// Команда могла сменить уровень, поэтому мир проверяется перед каждым запросом.
		if err := l.ensureWorld(ctx); err != nil {
			l.worldErrors.Add(1)
			l.logger.Warn("world not ready, requests stay queued", "err", err, "pending", l.queue.Len())
			break
		}
		in, ok := l.queue.Dequeue()
		if !ok {
			break
		}
		n++
		l.dispatch(ctx, in)
	}
	l.drained.Add(uint64(n))
	return n
}

// ensureWorld готовит мир; паника загрузчика превращается в ошибку.
func (l *Loop) ensureWorld(ctx context.Context) (err error) {
	if l.world == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			l.logger.Error("world panic", "panic", r, "stack", string(stack[:n]))
			err = fmt.Errorf("world panic: %v", r)
		}
	}()
	return l.world.EnsureReady(ctx)
}

func (l *Loop) dispatch(ctx context.Context, in Inbound) {
	l.logger.Debug("request", "source", in.Source, "peer", in.Peer, "request_id", in.Request.ID, "payload", in.Request.Payload)
	l.dispatcher.ExecAsync(ctx, in.Request.Payload, func(status ExecStatus) {
		l.respond(in, status)
	})
}

func (l *Loop) respond(in Inbound, status ExecStatus) {
	reply := Encode(in.Request.ID, status.Reply())
	l.responses.Add(1)
	if err := in.Sink.Send(reply); err != nil {
		l.sendErrors.Add(1)
		l.logger.Warn("send response failed", "source", in.Source, "peer", in.Peer, "request_id", in.Request.ID, "err", err)
	} else {
		l.logger.Debug("response", "peer", in.Peer, "request_id", in.Request.ID, "reply", reply)
	}
	if l.hook != nil {
		var elapsed time.Duration
		if !in.Received.IsZero() {
			elapsed = time.Since(in.Received)
		}
		l.hook(in, status, elapsed)
	}
}

// Job возвращает тик цикла в виде задачи планировщика.
func (l *Loop) Job() Job {
	return func(ctx context.Context) error {
		l.Tick(ctx)
		return nil
	}
}

// Run запускает тики с заданным интервалом до отмены контекста.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	sched := NewScheduler(interval)
	sched.Add(l.Job())
	sched.Start(ctx)
}

// State возвращает текущее состояние.
func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

// Stats возвращает снимок счетчиков.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		State:          l.State().String(),
		Ticks:          l.ticks.Load(),
		Drained:        l.drained.Load(),
		Responses:      l.responses.Load(),
		SendErrors:     l.sendErrors.Load(),
		BudgetOverruns: l.budgetOverruns.Load(),
		WorldErrors:    l.worldErrors.Load(),
		LastTick:       time.Duration(l.lastTick.Load()),
	}
}
