// Package camera содержит команды управления камерами.
package camera

import (
	"context"
	"fmt"
	"strconv"

	"simcmd/internal/core"
	"simcmd/internal/world"
)

// Module читает и двигает камеры.
type Module struct {
	world *world.Sim
}

// New создает модуль поверх мира.
func New(w *world.Sim) *Module { return &Module{world: w} }

func (m *Module) Name() string { return "camera" }

func (m *Module) Init(ctx context.Context) error { return nil }

func (m *Module) Commands() []core.Command {
	return []core.Command{
		{Pattern: "vget /camera/[uint]/location", Handler: core.HandlerFunc(m.location), Help: "Get camera location as X Y Z"},
		{Pattern: "vset /camera/[uint]/location", Handler: core.HandlerFunc(m.setLocation), Help: "Set camera location: vset /camera/<id>/location <x> <y> <z>"},
		{Pattern: "vget /camera/[uint]/rotation", Handler: core.HandlerFunc(m.rotation), Help: "Get camera rotation as pitch yaw roll"},
		{Pattern: "vset /camera/[uint]/rotation", Handler: core.HandlerFunc(m.setRotation), Help: "Set camera rotation: vset /camera/<id>/rotation <pitch> <yaw> <roll>"},
	}
}

func (m *Module) location(ctx context.Context, args []string) core.ExecStatus {
	_, cam, err := m.camera(args)
	if err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK(cam.Location.String())
}

func (m *Module) rotation(ctx context.Context, args []string) core.ExecStatus {
	_, cam, err := m.camera(args)
	if err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK(cam.Rotation.String())
}

func (m *Module) setLocation(ctx context.Context, args []string) core.ExecStatus {
	return m.update(args, "location", func(cam *world.Camera, v world.Vec3) { cam.Location = v })
}

func (m *Module) setRotation(ctx context.Context, args []string) core.ExecStatus {
	return m.update(args, "rotation", func(cam *world.Camera, v world.Vec3) { cam.Rotation = v })
}

func (m *Module) update(args []string, field string, apply func(*world.Camera, world.Vec3)) core.ExecStatus {
	if len(args) != 4 {
		return core.Errorf("usage: vset /camera/<id>/%s <x> <y> <z>", field)
	}
	id, cam, err := m.camera(args)
	if err != nil {
		return core.ErrorStatus(err)
	}
	v, err := parseVec(args[1:])
	if err != nil {
		return core.ErrorStatus(err)
	}
	apply(&cam, v)
	if err := m.world.SetCamera(id, cam); err != nil {
		return core.ErrorStatus(err)
	}
	return core.OK("")
}

func (m *Module) camera(args []string) (uint64, world.Camera, error) {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, world.Camera{}, fmt.Errorf("invalid camera id %q", args[0])
	}
	cam, err := m.world.Camera(id)
	return id, cam, err
}

func parseVec(parts []string) (world.Vec3, error) {
	var out [3]float64
	for i, s := range parts {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return world.Vec3{}, fmt.Errorf("invalid number %q", s)
		}
		out[i] = v
	}
	return world.Vec3{X: out[0], Y: out[1], Z: out[2]}, nil
}
