package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"simcmd/internal/client"
	"simcmd/internal/config"
	"simcmd/internal/core"
	"simcmd/internal/modules/host"
	"simcmd/internal/storage"
	"simcmd/internal/storage/sqlite"
	"simcmd/internal/world"
)

func fakeCollector(ctx context.Context) (host.Status, error) {
	return host.Status{Hostname: "sim-01", Load1: 0.5}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Loop.TickHz = 200
	cfg.TCP.ListenAddr = "127.0.0.1:0"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "simcmd.db")
	cfg.Scheduler.IntervalSeconds = 1
	return cfg
}

func TestExecWithoutServe(t *testing.T) {
	a, err := NewApp(context.Background(), testConfig(t), WithHostCollector(fakeCollector), WithVersion("1.2.3"))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cases := map[string]string{
		"vset /action/game/pause":  "ok",
		"vget /action/game/paused": "true",
		"vget /unrealcv/version":   "1.2.3",
		"vset /unknown/command":    "error: unknown command",
		"vget /action/wait 3":      "3",
	}
	for _, payload := range []string{"vset /action/game/pause", "vget /action/game/paused", "vget /unrealcv/version", "vset /unknown/command", "vget /action/wait 3"} {
		st, err := a.Exec(ctx, payload)
		if err != nil {
			t.Fatalf("exec %q: %v", payload, err)
		}
		if got := st.Reply(); got != cases[payload] {
			t.Fatalf("exec %q = %q, want %q", payload, got, cases[payload])
		}
	}

	st, err := a.Exec(ctx, "vget /host/status")
	if err != nil || !strings.Contains(st.Reply(), `"hostname":"sim-01"`) {
		t.Fatalf("host status = %q, %v", st.Reply(), err)
	}
}

func TestExecCancelled(t *testing.T) {
	a, err := NewApp(context.Background(), testConfig(t), WithHostCollector(fakeCollector))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	st, err := a.Exec(ctx, "vget /action/wait 100000")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if st.Reply() != "error: cancelled" {
		t.Fatalf("unexpected status %q", st.Reply())
	}
}

func TestServeOverTCP(t *testing.T) {
	a, err := NewApp(context.Background(), testConfig(t), WithHostCollector(fakeCollector))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	var addr string
	for deadline := time.Now().Add(5 * time.Second); addr == "" && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
		addr = a.TCPAddr()
	}
	if addr == "" {
		t.Fatal("tcp transport did not start")
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	c, err := client.Dial(reqCtx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if reply, err := c.Exec(reqCtx, "vset /object/Cube_1/color 10 20 30"); err != nil || reply != "ok" {
		t.Fatalf("set color = %q, %v", reply, err)
	}
	if reply, err := c.Exec(reqCtx, "vget /object/Cube_1/color"); err != nil || reply != "10 20 30" {
		t.Fatalf("get color = %q, %v", reply, err)
	}
	if _, err := c.Exec(reqCtx, "vget /object/Ghost/color"); err == nil {
		t.Fatal("expected error for unknown object")
	}
	_ = c.Close()

	cancel()
	if err := <-served; !errors.Is(err, context.Canceled) {
		t.Fatalf("serve returned %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err := openStore(a.Config.SQLite.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	events, err := st.QueryAudit(context.Background(), storage.AuditQuery{Source: "tcp"})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(events))
	}
}

func openStore(path string) (storage.Store, error) {
	return sqlite.Open(path)
}

func TestLevelChangeThenQueryInOneTick(t *testing.T) {
	cfg := testConfig(t)
	cfg.TCP.Enabled = false
	a, err := NewApp(context.Background(), cfg, WithHostCollector(fakeCollector))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	var replies []string
	sink := core.SinkFunc(func(msg string) error {
		replies = append(replies, msg)
		return nil
	})
	for _, raw := range []string{"1:vset /action/game/level room", "2:vget /objects"} {
		req, err := core.Decode(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if err := a.Queue.Enqueue(core.Inbound{Request: req, Sink: sink, Source: "test"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n := a.Loop.Tick(context.Background()); n != 2 {
		t.Fatalf("tick drained %d, want 2", n)
	}
	want := "2:" + strings.Join(world.Levels["room"], " ")
	if len(replies) != 2 || replies[0] != "1:ok" || replies[1] != want {
		t.Fatalf("unexpected replies %v", replies)
	}
}
