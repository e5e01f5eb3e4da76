// Package action содержит команды управления игрой.
package action

import (
	"context"
	"strconv"

	"simcmd/internal/core"
	"simcmd/internal/world"
)

// Module управляет паузой, уровнем и ожиданием кадров.
type Module struct {
	world *world.Sim
}

// New создает модуль поверх мира.
func New(w *world.Sim) *Module { return &Module{world: w} }

func (m *Module) Name() string { return "action" }

func (m *Module) Init(ctx context.Context) error { return nil }

func (m *Module) Commands() []core.Command {
	return []core.Command{
		{Pattern: "vset /action/game/pause", Handler: core.HandlerFunc(m.pause), Help: "Pause the game"},
		{Pattern: "vset /action/game/resume", Handler: core.HandlerFunc(m.resume), Help: "Resume the game"},
		{Pattern: "vget /action/game/paused", Handler: core.HandlerFunc(m.paused), Help: "Report whether the game is paused"},
		{Pattern: "vget /action/game/level", Handler: core.HandlerFunc(m.level), Help: "Get the current level name"},
		{Pattern: "vset /action/game/level", Handler: core.HandlerFunc(m.setLevel), Help: "Load a level: vset /action/game/level <name>"},
		{Pattern: "vget /action/wait", Deferred: core.DeferredFunc(m.wait), Help: "Reply after N frames: vget /action/wait <frames>"},
	}
}

func (m *Module) pause(ctx context.Context, args []string) core.ExecStatus {
	if !m.world.Paused() {
		m.world.Pause()
	}
	return core.OK("")
}

func (m *Module) resume(ctx context.Context, args []string) core.ExecStatus {
	if m.world.Paused() {
		m.world.Resume()
	}
	return core.OK("")
}

func (m *Module) paused(ctx context.Context, args []string) core.ExecStatus {
	return core.OK(strconv.FormatBool(m.world.Paused()))
}

func (m *Module) level(ctx context.Context, args []string) core.ExecStatus {
	return core.OK(m.world.Level())
}

func (m *Module) setLevel(ctx context.Context, args []string) core.ExecStatus {
	if len(args) != 1 {
		return core.Errorf("usage: vset /action/game/level <name>")
	}
	if err := m.world.LoadLevel(args[0]); err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK("")
}

func (m *Module) wait(ctx context.Context, args []string, p *core.Promise) {
	if len(args) != 1 {
		p.Resolve(core.Errorf("usage: vget /action/wait <frames>"))
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		p.Resolve(core.Errorf("invalid frame count %q", args[0]))
		return
	}
	if n == 0 {
		p.Resolve(core.OK(strconv.FormatUint(m.world.Frames(), 10)))
		return
	}
	m.world.AfterFrames(n, func(frame uint64) {
		p.Resolve(core.OK(strconv.FormatUint(frame, 10)))
	})
}
