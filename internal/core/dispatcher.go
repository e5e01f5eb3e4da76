package core

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DispatcherOption настраивает Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeferredTimeout задает срок для отложенных команд; 0 отключает таймаут.
func WithDeferredTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.timeout = d
		}
	}
}

// WithDispatcherLogger задает логгер.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// DispatchStats содержит счетчики диспетчера.
type DispatchStats struct {
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Panicked   uint64 `json:"panicked"`
	TimedOut   uint64 `json:"timed_out"`
	Cancelled  uint64 `json:"cancelled"`
	Late       uint64 `json:"late"`
	InFlight   int    `json:"in_flight"`
}

// Dispatcher выполняет команды реестра. Обработчики и колбэки завершения
// вызываются только из owner-контекста (ExecAsync, ExecSync, Pump).
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	// execMu гарантирует, что тела обработчиков не пересекаются во времени.
	execMu sync.Mutex

	mailMu  sync.Mutex
	mailbox []mail
	notify  chan struct{}

	flightMu sync.Mutex
	inflight map[uint64]*Completion

	nextID     atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
	panicked   atomic.Uint64
	timedOut   atomic.Uint64
	cancelled  atomic.Uint64
	late       atomic.Uint64
}

// NewDispatcher создает диспетчер поверх реестра.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
		timeout:  30 * time.Second,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		inflight: make(map[uint64]*Completion),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry возвращает реестр команд.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// ExecAsync разрешает payload и вызывает обработчик. Синхронный результат
// доставляется в onComplete сразу, отложенный при очередном Pump.
// Ошибки разрешения и паники превращаются в статус ошибки того же пути.
func (d *Dispatcher) ExecAsync(ctx context.Context, payload string, onComplete func(ExecStatus)) *Completion {
	c := newCompletion(d, d.nextID.Add(1), payload, onComplete)
	d.dispatched.Add(1)

	call, err := d.registry.Resolve(payload)
	if err != nil {
		d.logger.Debug("resolve failed", "payload", payload, "err", err)
		d.finish(c, ErrorStatus(err))
		return c
	}
	c.pattern = call.Pattern

	if call.Deferred == nil {
		status := d.invoke(call.Pattern, func() ExecStatus {
			return call.Handler.Handle(ctx, call.Args)
		})
		d.finish(c, status)
		return c
	}

	p := &Promise{d: d, id: c.id, handling: true}
	if d.timeout > 0 {
		c.deadline = c.started.Add(d.timeout)
	}
	d.flightMu.Lock()
	d.inflight[c.id] = c
	d.flightMu.Unlock()

	status := d.invoke(call.Pattern, func() ExecStatus {
		call.Deferred.HandleDeferred(ctx, call.Args, p)
		return ExecStatus{}
	})
	if status.Code == StatusError {
		p.abandon()
		d.finish(c, status)
		return c
	}
	if inline, ok := p.finishHandling(); ok {
		d.finish(c, inline)
	}
	return c
}

// ExecSync выполняет команду и ждет результата, сам доставляя отложенные
// завершения. Вызывать только из owner-контекста.
func (d *Dispatcher) ExecSync(ctx context.Context, payload string) ExecStatus {
	c := d.ExecAsync(ctx, payload, nil)

	var expire <-chan time.Time
	if !c.deadline.IsZero() {
		timer := time.NewTimer(time.Until(c.deadline))
		defer timer.Stop()
		expire = timer.C
	}
	for {
		select {
		case <-c.Done():
			status, _ := c.Status()
			return status
		default:
		}
		select {
		case <-c.Done():
		case <-d.notify:
			d.Pump(d.now())
		case <-expire:
			d.Pump(c.deadline)
		case <-ctx.Done():
			d.cancelled.Add(1)
			d.finish(c, Errorf("cancelled: %v", ctx.Err()))
		}
	}
}

// Pump доставляет накопленные отложенные результаты и истекшие таймауты.
// Возвращает число завершенных команд.
func (d *Dispatcher) Pump(now time.Time) int {
	d.mailMu.Lock()
	batch := d.mailbox
	d.mailbox = nil
	d.mailMu.Unlock()

	delivered := 0
	for _, m := range batch {
		c := d.take(m.id)
		if c == nil {
			if !m.cancel {
				d.late.Add(1)
				d.logger.Debug("late completion discarded", "exec_id", m.id)
			}
			continue
		}
		if m.cancel {
			d.cancelled.Add(1)
		}
		d.finish(c, m.status)
		delivered++
	}

	for _, c := range d.expired(now) {
		d.timedOut.Add(1)
		d.logger.Warn("deferred command timed out", "pattern", c.pattern, "payload", c.payload, "after", now.Sub(c.started))
		d.finish(c, Errorf("timeout"))
		delivered++
	}
	return delivered
}

// Pending возвращает число отложенных команд в полете.
func (d *Dispatcher) Pending() int {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	return len(d.inflight)
}

// HasMail сообщает, есть ли недоставленные результаты.
func (d *Dispatcher) HasMail() bool {
	d.mailMu.Lock()
	defer d.mailMu.Unlock()
	return len(d.mailbox) > 0
}

// Stats возвращает снимок счетчиков.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched: d.dispatched.Load(),
		Failed:     d.failed.Load(),
		Panicked:   d.panicked.Load(),
		TimedOut:   d.timedOut.Load(),
		Cancelled:  d.cancelled.Load(),
		Late:       d.late.Load(),
		InFlight:   d.Pending(),
	}
}

func (d *Dispatcher) post(m mail) {
	d.mailMu.Lock()
	d.mailbox = append(d.mailbox, m)
	d.mailMu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) take(id uint64) *Completion {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	c, ok := d.inflight[id]
	if !ok {
		return nil
	}
	delete(d.inflight, id)
	return c
}

func (d *Dispatcher) expired(now time.Time) []*Completion {
	d.flightMu.Lock()
	var out []*Completion
	for id, c := range d.inflight {
		if !c.deadline.IsZero() && !now.Before(c.deadline) {
			out = append(out, c)
			delete(d.inflight, id)
		}
	}
	d.flightMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// invoke выполняет тело обработчика под execMu и перехватывает панику.
func (d *Dispatcher) invoke(pattern string, fn func() ExecStatus) (status ExecStatus) {
	d.execMu.Lock()
	defer d.execMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			d.logger.Error("handler panic", "pattern", pattern, "panic", r, "stack", string(stack[:n]))
			status = Errorf("internal error: %v", r)
		}
	}()
	return fn()
}

func (d *Dispatcher) finish(c *Completion, status ExecStatus) {
	d.take(c.id)
	if !c.settle(status) {
		return
	}
	if status.Code == StatusError {
		d.failed.Add(1)
	}
	if c.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("completion callback panic", "pattern", c.pattern, "panic", r)
		}
	}()
	c.onComplete(status)
}
