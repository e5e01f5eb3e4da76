// Package world хранит состояние симуляции, с которым работают команды.
// Sim не синхронизирован: все методы вызываются только из owner-горутины.
package world

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
)

var (
	ErrUnknownLevel  = errors.New("unknown level")
	ErrUnknownObject = errors.New("unknown object")
	ErrUnknownCamera = errors.New("unknown camera")
	ErrNotReady      = errors.New("world not ready")
)

// DefaultLevel загружается при старте.
const DefaultLevel = "default"

// Levels перечисляет уровни и объекты на них.
var Levels = map[string][]string{
	"default":  {"Floor", "Cube_1", "Cube_2", "Sphere_1", "Sky"},
	"room":     {"Floor", "Wall_N", "Wall_S", "Wall_E", "Wall_W", "Table", "Chair_1", "Chair_2", "Lamp"},
	"corridor": {"Floor", "Ceiling", "Door_1", "Door_2", "Crate"},
}

// Color задает цвет объекта, 0..255 на канал.
type Color struct {
	R, G, B uint8
}

func (c Color) String() string { return fmt.Sprintf("%d %d %d", c.R, c.G, c.B) }

// Vec3 хранит тройку координат или углов.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) String() string { return fmt.Sprintf("%.3f %.3f %.3f", v.X, v.Y, v.Z) }

// Object описывает объект сцены.
type Object struct {
	Name     string
	Color    Color
	Location Vec3
}

// Camera описывает камеру сцены; Rotation хранит pitch, yaw, roll.
type Camera struct {
	Location Vec3
	Rotation Vec3
}

// Loader строит объекты уровня; по умолчанию используется каталог Levels.
type Loader func(ctx context.Context, level string, rng *rand.Rand) ([]Object, error)

// Option настраивает Sim.
type Option func(*Sim)

// WithLoader подменяет загрузку уровня.
func WithLoader(l Loader) Option {
	return func(s *Sim) {
		if l != nil {
			s.loader = l
		}
	}
}

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sim) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCameras задает число камер на уровне.
func WithCameras(n int) Option {
	return func(s *Sim) {
		if n > 0 {
			s.cameraCount = n
		}
	}
}

type waiter struct {
	frame uint64
	seq   uint64
	fn    func(frame uint64)
}

// Sim хранит состояние симуляции.
type Sim struct {
	logger      *slog.Logger
	loader      Loader
	cameraCount int

	level      string
	generation uint64
	readyGen   uint64
	paused     bool
	frames     uint64
	simFrames  uint64

	objects map[string]*Object
	order   []string
	cameras []Camera

	waiters []waiter
	seq     uint64
}

// New создает мир с уровнем DefaultLevel; инициализация выполняется в EnsureReady.
func New(opts ...Option) *Sim {
	s := &Sim{
		logger:      slog.New(slog.DiscardHandler),
		loader:      catalogLoader,
		cameraCount: 1,
		level:       DefaultLevel,
		generation:  1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureReady однократно инициализирует текущий уровень.
// Повторная инициализация происходит после LoadLevel.
func (s *Sim) EnsureReady(ctx context.Context) error {
	if s.readyGen == s.generation {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(levelSeed(s.level), s.generation))
	objects, err := s.loader(ctx, s.level, rng)
	if err != nil {
		return fmt.Errorf("load level %s: %w", s.level, err)
	}
	s.objects = make(map[string]*Object, len(objects))
	s.order = s.order[:0]
	for i := range objects {
		obj := objects[i]
		s.objects[obj.Name] = &obj
		s.order = append(s.order, obj.Name)
	}
	s.cameras = make([]Camera, s.cameraCount)
	for i := range s.cameras {
		s.cameras[i] = Camera{Location: Vec3{X: float64(i) * 100, Z: 150}}
	}
	s.readyGen = s.generation
	s.logger.Info("world ready", "level", s.level, "generation", s.generation, "objects", len(s.order))
	return nil
}

// Ready сообщает, инициализирован ли текущий уровень.
func (s *Sim) Ready() bool { return s.readyGen == s.generation }

// Step продвигает мир на один кадр и будит ожидающих.
// На паузе кадры идут, симуляционное время стоит.
func (s *Sim) Step() {
	s.frames++
	if !s.paused {
		s.simFrames++
	}
	if len(s.waiters) == 0 {
		return
	}
	var due []waiter
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.frame <= s.frames {
			due = append(due, w)
			continue
		}
		kept = append(kept, w)
	}
	clear(s.waiters[len(kept):])
	s.waiters = kept
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, w := range due {
		w.fn(s.frames)
	}
}

// AfterFrames вызывает fn на кадре, наступающем через n шагов.
func (s *Sim) AfterFrames(n uint64, fn func(frame uint64)) {
	if n == 0 {
		n = 1
	}
	s.seq++
	s.waiters = append(s.waiters, waiter{frame: s.frames + n, seq: s.seq, fn: fn})
}

// Frames возвращает число сделанных шагов.
func (s *Sim) Frames() uint64 { return s.frames }

// SimFrames возвращает число шагов вне паузы.
func (s *Sim) SimFrames() uint64 { return s.simFrames }

// Pause ставит игру на паузу; повторный вызов ничего не меняет.
func (s *Sim) Pause() { s.paused = true }

// Resume снимает паузу.
func (s *Sim) Resume() { s.paused = false }

// Paused сообщает, стоит ли игра на паузе.
func (s *Sim) Paused() bool { return s.paused }

// Level возвращает имя текущего уровня.
func (s *Sim) Level() string { return s.level }

// Generation возвращает номер загрузки уровня.
func (s *Sim) Generation() uint64 { return s.generation }

// LoadLevel переключает уровень; объекты будут построены заново в EnsureReady.
func (s *Sim) LoadLevel(name string) error {
	if _, ok := Levels[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownLevel)
	}
	s.level = name
	s.generation++
	s.paused = false
	s.logger.Info("level change requested", "level", name, "generation", s.generation)
	return nil
}

// Objects возвращает имена объектов в порядке загрузки.
func (s *Sim) Objects() ([]string, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	return slices.Clone(s.order), nil
}

// Object возвращает копию объекта.
func (s *Sim) Object(name string) (Object, error) {
	if !s.Ready() {
		return Object{}, ErrNotReady
	}
	obj, ok := s.objects[name]
	if !ok {
		return Object{}, fmt.Errorf("%s: %w", name, ErrUnknownObject)
	}
	return *obj, nil
}

// SetColor перекрашивает объект.
func (s *Sim) SetColor(name string, c Color) error {
	if !s.Ready() {
		return ErrNotReady
	}
	obj, ok := s.objects[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownObject)
	}
	obj.Color = c
	return nil
}

// Camera возвращает копию камеры по номеру.
func (s *Sim) Camera(id uint64) (Camera, error) {
	if id >= uint64(len(s.cameras)) {
		return Camera{}, fmt.Errorf("camera %d: %w", id, ErrUnknownCamera)
	}
	return s.cameras[id], nil
}

// SetCamera заменяет состояние камеры.
func (s *Sim) SetCamera(id uint64, cam Camera) error {
	if id >= uint64(len(s.cameras)) {
		return fmt.Errorf("camera %d: %w", id, ErrUnknownCamera)
	}
	s.cameras[id] = cam
	return nil
}

// Cameras возвращает число камер.
func (s *Sim) Cameras() int { return len(s.cameras) }

func catalogLoader(ctx context.Context, level string, rng *rand.Rand) ([]Object, error) {
	names, ok := Levels[level]
	if !ok {
		return nil, fmt.Errorf("%s: %w", level, ErrUnknownLevel)
	}
	out := make([]Object, 0, len(names))
	for _, name := range names {
		out = append(out, Object{
			Name:  name,
			Color: Color{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256))},
			Location: Vec3{
				X: float64(rng.IntN(2000) - 1000),
				Y: float64(rng.IntN(2000) - 1000),
				Z: float64(rng.IntN(300)),
			},
		})
	}
	return out, nil
}

func levelSeed(level string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(level))
	return h.Sum64()
}
