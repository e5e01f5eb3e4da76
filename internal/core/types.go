package core

import (
	"context"
	"fmt"
)

// StatusCode задает итог выполнения команды.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ExecStatus описывает унифицированный результат выполнения команды.
type ExecStatus struct {
	Code    StatusCode
	Message string
}

// OK возвращает успешный статус; пустое сообщение превращается в "ok".
func OK(message string) ExecStatus {
	return ExecStatus{Code: StatusOK, Message: message}
}

// Errorf возвращает статус ошибки.
func Errorf(format string, args ...any) ExecStatus {
	return ExecStatus{Code: StatusError, Message: fmt.Sprintf(format, args...)}
}

// ErrorStatus превращает error в статус ошибки.
func ErrorStatus(err error) ExecStatus {
	if err == nil {
		return OK("")
	}
	return ExecStatus{Code: StatusError, Message: err.Error()}
}

func (s ExecStatus) IsOK() bool { return s.Code == StatusOK }

// Reply возвращает текст, который уходит клиенту после "<id>:".
func (s ExecStatus) Reply() string {
	if s.Code == StatusError {
		return "error: " + s.Message
	}
	if s.Message == "" {
		return "ok"
	}
	return s.Message
}

// Handler выполняет команду синхронно.
type Handler interface {
	Handle(ctx context.Context, args []string) ExecStatus
}

// HandlerFunc адаптирует функцию к Handler.
type HandlerFunc func(ctx context.Context, args []string) ExecStatus

func (f HandlerFunc) Handle(ctx context.Context, args []string) ExecStatus { return f(ctx, args) }

// DeferredHandler завершает команду позже через Promise.
// Promise можно разрешить из любой горутины; результат доставляется в owner-контексте.
type DeferredHandler interface {
	HandleDeferred(ctx context.Context, args []string, p *Promise)
}

// DeferredFunc адаптирует функцию к DeferredHandler.
type DeferredFunc func(ctx context.Context, args []string, p *Promise)

func (f DeferredFunc) HandleDeferred(ctx context.Context, args []string, p *Promise) { f(ctx, args, p) }

// Command описывает одну команду модуля. Задается ровно одно из Handler/Deferred.
type Command struct {
	Pattern  string
	Help     string
	Handler  Handler
	Deferred DeferredHandler
}

// Module группирует команды одной предметной области.
type Module interface {
	Name() string
	Init(ctx context.Context) error
	Commands() []Command
}

// MessageSink описывает исходящую границу сети для одного соединения.
// Реализации должны быть безопасны для вызова из разных горутин.
type MessageSink interface {
	Send(message string) error
}

// SinkFunc адаптирует функцию к MessageSink.
type SinkFunc func(message string) error

func (f SinkFunc) Send(message string) error { return f(message) }
