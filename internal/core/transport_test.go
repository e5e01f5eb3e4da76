package core

import (
	"context"
	"errors"
	"testing"
)

type fakeTransport struct {
	name       string
	startErr   error
	stopErr    error
	startCalls int
	stopCalls  int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Start(ctx context.Context) error {
	f.startCalls++
	return f.startErr
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.stopCalls++
	return f.stopErr
}

func TestTransportManagerRegisterStartStop(t *testing.T) {
	mgr := NewTransportManager()
	tr := &fakeTransport{name: "tcp"}
	if err := mgr.Register(tr); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := mgr.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if tr.startCalls != 1 || tr.stopCalls != 1 {
		t.Fatalf("unexpected calls: start=%d stop=%d", tr.startCalls, tr.stopCalls)
	}
}

func TestTransportManagerDuplicateRegister(t *testing.T) {
	mgr := NewTransportManager()
	if err := mgr.Register(&fakeTransport{name: "tcp"}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := mgr.Register(&fakeTransport{name: "tcp"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestTransportManagerStopOneUnknown(t *testing.T) {
	mgr := NewTransportManager()
	err := mgr.StopOne(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, errUnknownTransport) {
		t.Fatalf("expected errUnknownTransport, got: %v", err)
	}
}

func TestTransportManagerStartFailureStopsStarted(t *testing.T) {
	mgr := NewTransportManager()
	tcp := &fakeTransport{name: "tcp"}
	web := &fakeTransport{name: "web", startErr: errors.New("address in use")}
	valkey := &fakeTransport{name: "valkey"}
	for _, tr := range []*fakeTransport{tcp, web, valkey} {
		if err := mgr.Register(tr); err != nil {
			t.Fatalf("register %s: %v", tr.name, err)
		}
	}
	if err := mgr.StartAll(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if tcp.stopCalls != 1 {
		t.Fatalf("started transport must be stopped, stop calls %d", tcp.stopCalls)
	}
	if valkey.startCalls != 0 || web.stopCalls != 0 {
		t.Fatalf("unexpected calls: valkey start=%d web stop=%d", valkey.startCalls, web.stopCalls)
	}
	if names := mgr.Names(); len(names) != 3 || names[0] != "tcp" || names[2] != "valkey" {
		t.Fatalf("unexpected names %v", names)
	}
}
