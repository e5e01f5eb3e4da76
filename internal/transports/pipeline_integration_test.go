package transports

import (
	"bufio"
	"context"
	"net"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"simcmd/internal/core"
	"simcmd/internal/modules/action"
	"simcmd/internal/modules/object"
	"simcmd/internal/transports/common"
	"simcmd/internal/transports/framing"
	"simcmd/internal/transports/tcp"
	"simcmd/internal/transports/web"
	"simcmd/internal/world"
)

func TestTransportsSharePipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := world.New()
	r := core.NewRegistry()
	for _, m := range []core.Module{action.New(sim), object.New(sim)} {
		if err := r.Register(ctx, m); err != nil {
			t.Fatalf("register %s: %v", m.Name(), err)
		}
	}
	q := core.NewQueue()
	loop := core.NewLoop(q, core.NewDispatcher(r), core.WithWorld(sim))

	sched := core.NewScheduler(2 * time.Millisecond)
	sched.Add(func(ctx context.Context) error {
		sim.Step()
		return nil
	})
	sched.Add(loop.Job())
	go sched.Start(ctx)

	limiter := common.NewRateLimiter(3, time.Minute)
	tcpAdapter := tcp.NewAdapter(&common.Service{Source: "tcp", Queue: q, RateLimiter: limiter},
		tcp.Config{ListenAddr: "127.0.0.1:0", Framing: framing.Line}, nil)
	webAdapter := web.NewAdapter(&common.Service{Source: "ws", Queue: q, RateLimiter: limiter}, r, nil, nil, web.Config{}, nil)

	manager := core.NewTransportManager()
	if err := manager.Register(tcpAdapter); err != nil {
		t.Fatalf("register tcp: %v", err)
	}
	if err := manager.StartAll(ctx); err != nil {
		t.Fatalf("start transports: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = manager.StopAll(stopCtx)
	}()
	srv := httptest.NewServer(webAdapter.Handler())
	defer srv.Close()

	tc, err := net.Dial("tcp", tcpAdapter.Addr().String())
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer tc.Close()
	_ = tc.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := tc.Write([]byte("1:vset /action/game/pause\n2:vget /action/game/paused\n3:vget /action/wait 2\n4:vget /objects\n")); err != nil {
		t.Fatalf("write tcp: %v", err)
	}
	br := bufio.NewReader(tc)
	var got []string
	for i := 0; i < 4; i++ {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read tcp: %v", err)
		}
		got = append(got, strings.TrimSuffix(line, "\n"))
	}
	sort.Strings(got)
	if got[0] != "1:ok" || got[1] != "2:true" || !strings.HasPrefix(got[2], "3:") || got[3] != "4:error: rate limit exceeded" {
		t.Fatalf("unexpected tcp replies %q", got)
	}
	if strings.HasPrefix(got[2], "3:error") {
		t.Fatalf("wait failed: %q", got[2])
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Пауза, выставленная через tcp, видна клиенту ws.
	for _, msg := range []string{"5:vget /action/game/paused", "6:vset /object/Cube_1/color 1 2 3", "7:vget /object/Cube_1/color"} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write ws: %v", err)
		}
	}
	for _, want := range []string{"5:true", "6:ok", "7:1 2 3"} {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read ws: %v", err)
		}
		if string(msg) != want {
			t.Fatalf("got %q, want %q", msg, want)
		}
	}
}
