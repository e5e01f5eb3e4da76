package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"simcmd/internal/storage"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "simcmd.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAuditRoundTrip(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	events := []storage.AuditEvent{
		{Source: "tcp", Peer: "127.0.0.1:5000", RequestID: 7, Payload: "vset /action/game/pause", Reply: "7:ok", Status: "ok", TS: base},
		{Source: "tcp", Peer: "127.0.0.1:5001", RequestID: 12, Payload: "vset /unknown/command", Reply: "12:error: unknown command", Status: "error", DurationMS: 3, TS: base.Add(time.Second)},
		{Source: "ws", Peer: "10.0.0.2:4000", RequestID: 1, Payload: "vget /objects", Reply: "1:Floor", Status: "ok", TS: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := st.Write(ctx, ev); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	all, err := st.QueryAudit(ctx, storage.AuditQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 || all[0].Source != "ws" {
		t.Fatalf("unexpected events %+v", all)
	}

	byPeer, err := st.QueryAudit(ctx, storage.AuditQuery{Peer: "127.0.0.1:5001"})
	if err != nil {
		t.Fatalf("query peer: %v", err)
	}
	if len(byPeer) != 1 || byPeer[0].RequestID != 12 || byPeer[0].Reply != "12:error: unknown command" || byPeer[0].DurationMS != 3 {
		t.Fatalf("unexpected peer events %+v", byPeer)
	}

	bySource, _ := st.QueryAudit(ctx, storage.AuditQuery{Source: "tcp", Status: "ok"})
	if len(bySource) != 1 || bySource[0].RequestID != 7 {
		t.Fatalf("unexpected source events %+v", bySource)
	}
}

func TestLatestMetric(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()
	if _, err := st.LatestMetric(ctx, "loop"); err == nil {
		t.Fatalf("expected not found error")
	}
	payload, err := MarshalPayload(map[string]int{"ticks": 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	now := time.Now().UTC()
	_ = st.SaveMetric(ctx, storage.MetricRecord{Module: "loop", Payload: payload, TS: now.Add(-time.Second)})
	_ = st.SaveMetric(ctx, storage.MetricRecord{Module: "loop", Payload: []byte(`{"ticks":2}`), TS: now})

	rec, err := st.LatestMetric(ctx, "loop")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(rec.Payload) != `{"ticks":2}` {
		t.Fatalf("unexpected payload %s", rec.Payload)
	}
}

func TestPrune(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = st.SaveMetric(ctx, storage.MetricRecord{Module: "loop", Payload: []byte(`{}`), TS: now.Add(-48 * time.Hour)})
	_ = st.SaveMetric(ctx, storage.MetricRecord{Module: "loop", Payload: []byte(`{}`), TS: now})
	_ = st.Write(ctx, storage.AuditEvent{Source: "tcp", Peer: "p", RequestID: 1, Payload: "x", Reply: "1:ok", Status: "ok", TS: now.Add(-48 * time.Hour)})

	n, err := st.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d rows, want 2", n)
	}
	if events, _ := st.QueryAudit(ctx, storage.AuditQuery{}); len(events) != 0 {
		t.Fatalf("audit not pruned: %+v", events)
	}
	if _, err := st.LatestMetric(ctx, "loop"); err != nil {
		t.Fatalf("fresh metric must survive: %v", err)
	}
}
