package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"simcmd/internal/core"
	"simcmd/internal/transports/common"
)

type published struct {
	channel string
	payload string
}

// fakeBus доставляет сообщения подписчику синхронно.
// Первые failFirst вызовов Subscribe завершаются ошибкой.
type fakeBus struct {
	mu         sync.Mutex
	handler    func(Message)
	subscribed chan struct{}
	out        chan published
	failFirst  int32
	attempts   atomic.Int32
	closed     atomic.Bool
}

func newFakeBus(failFirst int32) *fakeBus {
	return &fakeBus{subscribed: make(chan struct{}, 8), out: make(chan published, 64), failFirst: failFirst}
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string, fn func(Message)) error {
	if b.attempts.Add(1) <= b.failFirst {
		return errors.New("connection refused")
	}
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
	b.subscribed <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) Publish(ctx context.Context, channel, payload string) error {
	b.out <- published{channel: channel, payload: payload}
	return nil
}

func (b *fakeBus) Close() { b.closed.Store(true) }

func (b *fakeBus) deliver(channel, payload string) {
	b.mu.Lock()
	fn := b.handler
	b.mu.Unlock()
	fn(Message{Channel: channel, Payload: payload})
}

func (b *fakeBus) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-b.out:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for publish")
		return published{}
	}
}

func startAdapter(t *testing.T, bus *fakeBus) (*Adapter, *core.Loop) {
	t.Helper()
	r := core.NewRegistry()
	_ = r.Bind("vset /action/game/pause", core.HandlerFunc(func(ctx context.Context, args []string) core.ExecStatus {
		return core.OK("")
	}), "")
	q := core.NewQueue()
	loop := core.NewLoop(q, core.NewDispatcher(r))
	a := NewAdapter(&common.Service{Source: "valkey", Queue: q}, bus, Config{MinBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.Stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	select {
	case <-bus.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscription")
	}
	return a, loop
}

func TestRequestReply(t *testing.T) {
	bus := newFakeBus(0)
	a, loop := startAdapter(t, bus)

	bus.deliver("simcmd:requests", "7:vset /action/game/pause")
	bus.deliver("simcmd:requests", `{"reply_to":"client-9","message":"8:vset /unknown/command"}`)
	bus.deliver("other", "9:vset /action/game/pause")
	loop.Tick(context.Background())

	if p := bus.next(t); p.channel != "simcmd:replies" || p.payload != "7:ok" {
		t.Fatalf("unexpected publish %+v", p)
	}
	if p := bus.next(t); p.channel != "client-9" || p.payload != "8:error: unknown command" {
		t.Fatalf("unexpected publish %+v", p)
	}
	if st := a.Stats(); st.Received != 2 {
		t.Fatalf("received = %d, want 2", st.Received)
	}
}

func TestMalformedRepliedImmediately(t *testing.T) {
	bus := newFakeBus(0)
	startAdapter(t, bus)

	bus.deliver("simcmd:requests", "no id here")
	if p := bus.next(t); p.payload != "error: Malformed raw message 'no id here'" {
		t.Fatalf("unexpected publish %+v", p)
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	bus := newFakeBus(3)
	a, _ := startAdapter(t, bus)

	if got := bus.attempts.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	if st := a.Stats(); st.Reconnects != 3 {
		t.Fatalf("reconnects = %d, want 3", st.Reconnects)
	}
}

func TestStopClosesBus(t *testing.T) {
	bus := newFakeBus(0)
	a, _ := startAdapter(t, bus)

	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !bus.closed.Load() {
		t.Fatal("bus must be closed")
	}
	if err := (&channelSink{adapter: a, channel: "x"}).Send("1:ok"); err == nil {
		t.Fatal("send after stop must fail")
	}
}
