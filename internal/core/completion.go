package core

import (
	"sync"
	"time"
)

// Completion описывает дескриптор выполнения одной команды.
// Done закрывается ровно один раз, после чего Status возвращает итог.
type Completion struct {
	id         uint64
	payload    string
	pattern    string
	started    time.Time
	deadline   time.Time
	onComplete func(ExecStatus)
	dispatcher *Dispatcher

	done     chan struct{}
	mu       sync.Mutex
	status   ExecStatus
	finished bool
}

func newCompletion(d *Dispatcher, id uint64, payload string, onComplete func(ExecStatus)) *Completion {
	return &Completion{
		id:         id,
		payload:    payload,
		started:    d.now(),
		onComplete: onComplete,
		dispatcher: d,
		done:       make(chan struct{}),
	}
}

// ID возвращает внутренний номер выполнения.
func (c *Completion) ID() uint64 { return c.id }

// Done закрывается после завершения команды.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Status возвращает итог; false, пока команда не завершена.
func (c *Completion) Status() (ExecStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.finished
}

// Cancel запрашивает отмену; итог "error: cancelled" доставляется в owner-контексте.
// Для уже завершенной команды ничего не делает.
func (c *Completion) Cancel() {
	c.dispatcher.post(mail{id: c.id, status: Errorf("cancelled"), cancel: true})
}

// settle фиксирует итог; false, если итог уже был зафиксирован.
func (c *Completion) settle(status ExecStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.status = status
	c.finished = true
	close(c.done)
	return true
}

// Promise передается отложенному обработчику. Resolve можно вызвать из любой горутины;
// учитывается только первый вызов.
type Promise struct {
	d  *Dispatcher
	id uint64

	mu       sync.Mutex
	resolved bool
	handling bool
	inline   *ExecStatus
}

// Resolve передает результат команды; false, если результат уже был передан.
func (p *Promise) Resolve(status ExecStatus) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	if p.handling {
		p.inline = &status
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()
	p.d.post(mail{id: p.id, status: status})
	return true
}

// Resolved сообщает, был ли уже передан результат.
func (p *Promise) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// finishHandling вызывается после возврата из HandleDeferred.
func (p *Promise) finishHandling() (ExecStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handling = false
	if p.inline == nil {
		return ExecStatus{}, false
	}
	return *p.inline, true
}

// abandon помечает promise разрешенным, чтобы поздний Resolve был проигнорирован.
func (p *Promise) abandon() {
	p.mu.Lock()
	p.resolved = true
	p.handling = false
	p.mu.Unlock()
}

type mail struct {
	id     uint64
	status ExecStatus
	cancel bool
}
