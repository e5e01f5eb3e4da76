// Package object содержит команды для объектов сцены.
package object

import (
	"context"
	"strconv"
	"strings"

	"simcmd/internal/core"
	"simcmd/internal/world"
)

// Module перечисляет и перекрашивает объекты.
type Module struct {
	world *world.Sim
}

// New создает модуль поверх мира.
func New(w *world.Sim) *Module { return &Module{world: w} }

func (m *Module) Name() string { return "object" }

func (m *Module) Init(ctx context.Context) error { return nil }

func (m *Module) Commands() []core.Command {
	return []core.Command{
		{Pattern: "vget /objects", Handler: core.HandlerFunc(m.list), Help: "List object names in the level"},
		{Pattern: "vget /object/[str]/color", Handler: core.HandlerFunc(m.color), Help: "Get the object color as R G B"},
		{Pattern: "vset /object/[str]/color", Handler: core.HandlerFunc(m.setColor), Help: "Set the object color: vset /object/<name>/color <r> <g> <b>"},
		{Pattern: "vget /object/[str]/location", Handler: core.HandlerFunc(m.location), Help: "Get the object location as X Y Z"},
	}
}

func (m *Module) list(ctx context.Context, args []string) core.ExecStatus {
	names, err := m.world.Objects()
	if err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK(strings.Join(names, " "))
}

func (m *Module) color(ctx context.Context, args []string) core.ExecStatus {
	obj, err := m.world.Object(args[0])
	if err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK(obj.Color.String())
}

func (m *Module) setColor(ctx context.Context, args []string) core.ExecStatus {
	if len(args) != 4 {
		return core.Errorf("usage: vset /object/<name>/color <r> <g> <b>")
	}
	var rgb [3]uint8
	for i, s := range args[1:] {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return core.Errorf("invalid color component %q", s)
		}
		rgb[i] = uint8(v)
	}
	if err := m.world.SetColor(args[0], world.Color{R: rgb[0], G: rgb[1], B: rgb[2]}); err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK("")
}

func (m *Module) location(ctx context.Context, args []string) core.ExecStatus {
	obj, err := m.world.Object(args[0])
	if err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK(obj.Location.String())
}
