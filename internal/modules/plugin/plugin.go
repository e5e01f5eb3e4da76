// Package plugin содержит команды самодиагностики сервера.
package plugin

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"simcmd/internal/core"
)

// Option настраивает Module.
type Option func(*Module)

// WithVersion задает строку версии.
func WithVersion(v string) Option {
	return func(m *Module) {
		if v != "" {
			m.version = v
		}
	}
}

// WithStats задает источник данных для vget /unrealcv/stats.
func WithStats(fn func() any) Option {
	return func(m *Module) { m.stats = fn }
}

// WithStatus добавляет поля в ответ vget /unrealcv/status.
func WithStatus(fn func() map[string]any) Option {
	return func(m *Module) { m.status = fn }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(m *Module) {
		if now != nil {
			m.now = now
		}
	}
}

// Module отвечает на вопросы о самом сервере.
type Module struct {
	registry *core.Registry
	version  string
	stats    func() any
	status   func() map[string]any
	now      func() time.Time
	started  time.Time
}

// New создает модуль; справка берется из реестра.
func New(r *core.Registry, opts ...Option) *Module {
	m := &Module{registry: r, version: "dev", now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string { return "plugin" }

func (m *Module) Init(ctx context.Context) error {
	m.started = m.now()
	return nil
}

func (m *Module) Commands() []core.Command {
	return []core.Command{
		{Pattern: "vget /unrealcv/status", Handler: core.HandlerFunc(m.handleStatus), Help: "Server status as JSON"},
		{Pattern: "vget /unrealcv/help", Handler: core.HandlerFunc(m.handleHelp), Help: "List all commands as JSON"},
		{Pattern: "vget /unrealcv/version", Handler: core.HandlerFunc(m.handleVersion), Help: "Server version"},
		{Pattern: "vget /unrealcv/stats", Handler: core.HandlerFunc(m.handleStats), Help: "Queue, loop and dispatcher counters as JSON"},
	}
}

func (m *Module) handleStatus(ctx context.Context, args []string) core.ExecStatus {
	out := map[string]any{
		"status":     "listening",
		"version":    m.version,
		"uptime_sec": int64(m.now().Sub(m.started) / time.Second),
		"modules":    m.registry.Modules(),
		"commands":   len(m.registry.Help()),
	}
	if m.status != nil {
		for k, v := range m.status() {
			out[k] = v
		}
	}
	return marshal(out)
}

func (m *Module) handleHelp(ctx context.Context, args []string) core.ExecStatus {
	return marshal(m.registry.Help())
}

func (m *Module) handleVersion(ctx context.Context, args []string) core.ExecStatus {
	return core.OK(m.version)
}

func (m *Module) handleStats(ctx context.Context, args []string) core.ExecStatus {
	if m.stats == nil {
		return core.Errorf("stats unavailable")
	}
	return marshal(m.stats())
}

func marshal(v any) core.ExecStatus {
	raw, err := json.Marshal(v)
	if err != nil {
		return core.Errorf("encode: %v", err)
	}
	return core.OK(string(raw))
}
