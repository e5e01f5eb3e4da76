package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func okHandler(msg string) Handler {
	return HandlerFunc(func(ctx context.Context, args []string) ExecStatus { return OK(msg) })
}

type fakeModule struct {
	name    string
	initErr error
	cmds    []Command
	inited  bool
}

func (m *fakeModule) Name() string { return m.name }
func (m *fakeModule) Init(ctx context.Context) error {
	m.inited = true
	return m.initErr
}
func (m *fakeModule) Commands() []Command { return m.cmds }

func TestRegistryBindDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Bind("vset /action/game/pause", okHandler("a"), "Pause the game"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	err := r.Bind("vset   /action/game/pause", okHandler("b"), "again")
	if !errors.Is(err, ErrDuplicatePattern) {
		t.Fatalf("expected ErrDuplicatePattern, got %v", err)
	}
}

func TestRegistryBindInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Bind("   ", okHandler("a"), ""); err == nil {
		t.Fatalf("expected error for empty pattern")
	}
	if err := r.Bind("vget /x/[what]", okHandler("a"), ""); err == nil {
		t.Fatalf("expected error for unknown placeholder")
	}
	if err := r.Bind("vget /x", nil, ""); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	mustBind := func(pattern string) {
		t.Helper()
		if err := r.Bind(pattern, okHandler(pattern), ""); err != nil {
			t.Fatalf("bind %q: %v", pattern, err)
		}
	}
	mustBind("vget /objects")
	mustBind("vget /objects all")
	mustBind("vget /camera/[uint]/location")
	mustBind("vget /object/[str]/color")
	mustBind("vget /object/sky/color")
	mustBind("vset /object/[str]/name")

	cases := []struct {
		payload string
		pattern string
		args    []string
	}{
		{payload: "vget /objects", pattern: "vget /objects", args: []string{}},
		{payload: "vget /objects all now", pattern: "vget /objects all", args: []string{"now"}},
		{payload: "vget /objects some", pattern: "vget /objects", args: []string{"some"}},
		{payload: "vget /camera/0/location", pattern: "vget /camera/[uint]/location", args: []string{"0"}},
		{payload: "vget /object/cube/color", pattern: "vget /object/[str]/color", args: []string{"cube"}},
		{payload: "vget /object/sky/color", pattern: "vget /object/sky/color", args: []string{}},
		{payload: `vset /object/cube/name "hello world" x`, pattern: "vset /object/[str]/name", args: []string{"cube", "hello world", "x"}},
		{payload: "  vget   /objects  ", pattern: "vget /objects", args: []string{}},
	}
	for _, tc := range cases {
		call, err := r.Resolve(tc.payload)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.payload, err)
		}
		if call.Pattern != tc.pattern {
			t.Fatalf("resolve %q: pattern %q, want %q", tc.payload, call.Pattern, tc.pattern)
		}
		if !reflect.DeepEqual(call.Args, tc.args) {
			t.Fatalf("resolve %q: args %#v, want %#v", tc.payload, call.Args, tc.args)
		}
	}
}

func TestRegistryResolveErrors(t *testing.T) {
	r := NewRegistry()
	_ = r.Bind("vget /camera/[uint]/location", okHandler(""), "")

	for _, payload := range []string{"", "   ", "vset /unknown/command", "vget /camera/x/location", "vget"} {
		if _, err := r.Resolve(payload); !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("resolve %q: expected ErrUnknownCommand, got %v", payload, err)
		}
	}
	for _, payload := range []string{`vget /camera/0/location "open`, `vget /camera/0/location 'x`} {
		if _, err := r.Resolve(payload); !errors.Is(err, ErrArgumentParse) {
			t.Fatalf("resolve %q: expected ErrArgumentParse, got %v", payload, err)
		}
	}
	if _, err := r.Resolve(`vget /camera/0/location "it's"`); err != nil {
		t.Fatalf("quote inside double quotes: %v", err)
	}
}

func TestRegistryHelpOrderAndUnbind(t *testing.T) {
	r := NewRegistry()
	_ = r.Bind("vset /action/game/pause", okHandler(""), "Pause the game")
	_ = r.Bind("vset /action/game/resume", okHandler(""), "Resume the game")
	_ = r.Bind("vget /objects", okHandler(""), "List objects")

	help := r.Help()
	want := []string{"vset /action/game/pause", "vset /action/game/resume", "vget /objects"}
	if len(help) != len(want) {
		t.Fatalf("help len %d, want %d", len(help), len(want))
	}
	for i, h := range help {
		if h.Pattern != want[i] {
			t.Fatalf("help[%d] = %q, want %q", i, h.Pattern, want[i])
		}
	}
	if help[0].Help != "Pause the game" {
		t.Fatalf("unexpected help text %q", help[0].Help)
	}

	if !r.Unbind("vset /action/game/resume") {
		t.Fatalf("unbind existing pattern")
	}
	if r.Unbind("vset /action/game/resume") {
		t.Fatalf("unbind twice must fail")
	}
	if _, err := r.Resolve("vset /action/game/resume"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected unknown after unbind, got %v", err)
	}
	if err := r.Bind("vset /action/game/resume", okHandler(""), "again"); err != nil {
		t.Fatalf("rebind after unbind: %v", err)
	}
}

func TestRegistryRegisterModule(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	m := &fakeModule{name: "action", cmds: []Command{
		{Pattern: "vset /action/game/pause", Handler: okHandler(""), Help: "Pause"},
		{Pattern: "vget /action/wait", Deferred: DeferredFunc(func(ctx context.Context, args []string, p *Promise) {}), Help: "Wait"},
	}}
	if err := r.Register(ctx, m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !m.inited {
		t.Fatalf("module Init not called")
	}
	call, err := r.Resolve("vget /action/wait 3")
	if err != nil || call.Deferred == nil {
		t.Fatalf("expected deferred handler, got %+v, %v", call, err)
	}
	if err := r.Register(ctx, &fakeModule{name: "action"}); !errors.Is(err, errModuleExists) {
		t.Fatalf("expected errModuleExists, got %v", err)
	}
	if got := r.Modules(); len(got) != 1 || got[0] != "action" {
		t.Fatalf("unexpected modules: %v", got)
	}
}

func TestRegistryRegisterModuleConflict(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	_ = r.Bind("vget /objects", okHandler(""), "")

	m := &fakeModule{name: "object", cmds: []Command{
		{Pattern: "vget /object/[str]/color", Handler: okHandler("")},
		{Pattern: "vget /objects", Handler: okHandler("")},
	}}
	if err := r.Register(ctx, m); !errors.Is(err, ErrDuplicatePattern) {
		t.Fatalf("expected ErrDuplicatePattern, got %v", err)
	}
	if _, err := r.Resolve("vget /object/cube/color"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("conflicting module must not bind any command, got %v", err)
	}

	failing := &fakeModule{name: "broken", initErr: errors.New("boom")}
	if err := r.Register(ctx, failing); err == nil {
		t.Fatalf("expected init error")
	}
}

// gatedModule блокирует Init до закрытия release.
type gatedModule struct {
	fakeModule
	started chan struct{}
	release chan struct{}
}

func (m *gatedModule) Init(ctx context.Context) error {
	close(m.started)
	<-m.release
	return nil
}

func TestRegistryRegisterSameNameConcurrently(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	slow := &gatedModule{
		fakeModule: fakeModule{name: "camera", cmds: []Command{{Pattern: "vget /camera/[uint]/location", Handler: okHandler("")}}},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	done := make(chan error, 1)
	go func() { done <- r.Register(ctx, slow) }()
	<-slow.started

	fast := &fakeModule{name: "camera", cmds: []Command{{Pattern: "vget /camera/[uint]/rotation", Handler: okHandler("")}}}
	if err := r.Register(ctx, fast); err != nil {
		t.Fatalf("first finished register: %v", err)
	}
	close(slow.release)
	if err := <-done; !errors.Is(err, errModuleExists) {
		t.Fatalf("expected errModuleExists, got %v", err)
	}
	if got := r.Modules(); len(got) != 1 {
		t.Fatalf("unexpected modules: %v", got)
	}
	if _, err := r.Resolve("vget /camera/0/location"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("losing module must not bind commands, got %v", err)
	}
}
