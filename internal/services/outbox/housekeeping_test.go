package outbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTestBoom = errors.New("boom")

func TestPruneOldRemovesOnlyStaleSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Deliver one record, then age it past the retention window.
	oldID, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "old news", nil, nil)
	f.clk.Advance(time.Minute)
	f.runner(false).CheckDue(ctx, WakeTimer)

	f.clk.Advance(8 * 24 * time.Hour)

	// Fresh sent record, a pending record and an error record all survive.
	freshID, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "fresh", nil, nil)
	f.clk.Advance(time.Minute)
	f.runner(false).CheckDue(ctx, WakeTimer)

	pendingID, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Hour), "pending", nil, nil)

	removed, err := f.svc.PruneOld(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, ok, _ := f.store.GetMessage(ctx, oldID); ok {
		t.Fatalf("stale sent record survived pruning")
	}
	for _, id := range []string{freshID, pendingID} {
		if _, ok, _ := f.store.GetMessage(ctx, id); !ok {
			t.Fatalf("record %s was pruned but should survive", id)
		}
	}

	// Second pass is a no-op.
	if n, err := f.svc.PruneOld(ctx); err != nil || n != 0 {
		t.Fatalf("second prune removed %d (err %v)", n, err)
	}
}

func TestErrorRecordsNeverPruned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fd.setFail(errTestBoom, "")

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "stuck", nil, nil)
	f.clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		f.runner(false).CheckDue(ctx, WakeTimer)
	}
	if m := f.get(t, id); m.Status != StatusError {
		t.Fatalf("setup failed: status = %s", m.Status)
	}

	f.clk.Advance(365 * 24 * time.Hour)
	if n, err := f.svc.PruneOld(ctx); err != nil || n != 0 {
		t.Fatalf("prune removed %d error records (err %v)", n, err)
	}
	if _, ok, _ := f.store.GetMessage(ctx, id); !ok {
		t.Fatalf("error record vanished; it must stay until an operator acts")
	}
}
