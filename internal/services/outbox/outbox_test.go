package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDelivery struct {
	mu        sync.Mutex
	sent      []string
	fail      error
	kind      kit.ErrorKind
	available bool
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{available: true}
}

func (d *fakeDelivery) Send(ctx context.Context, to kit.ChatTarget, text string) (kit.SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return kit.SendResult{}, d.fail
	}
	d.sent = append(d.sent, text)
	return kit.SendResult{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(d.sent)}, nil
}

func (d *fakeDelivery) CheckAvailability(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available
}

func (d *fakeDelivery) Classify(err error) kit.ErrorKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		return ""
	}
	if d.kind != "" {
		return d.kind
	}
	return kit.ErrUnknown
}

func (d *fakeDelivery) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDelivery) setFail(err error, kind kit.ErrorKind) {
	d.mu.Lock()
	d.fail = err
	d.kind = kind
	d.mu.Unlock()
}

type fixture struct {
	clk   *fakeClock
	fd    *fakeDelivery
	store storage.Store
	bus   eventbus.Bus
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := newFakeClock()
	fd := newFakeDelivery()
	bus := eventbus.New()
	svc := New(Config{
		MaxAttempts:   3,
		DefaultTarget: kit.ChatTarget{ChatID: 42},
	}, st, fd, bus, logx.Nop())
	svc.SetClock(clk.Now)
	return &fixture{clk: clk, fd: fd, store: st, bus: bus, svc: svc}
}

// runner builds a foreground-style delivery pass bound to the fixture clock.
func (f *fixture) runner(gate bool) *Runner {
	return NewRunner("test", logx.Nop(), f.store, f.fd, f.bus, nil, f.clk.Now, kit.ChatTarget{ChatID: 42}, gate)
}

func (f *fixture) get(t *testing.T, id string) Message {
	t.Helper()
	m, ok, err := f.store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("record %s missing", id)
	}
	return m
}

func TestScheduleAndDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, ok := f.svc.Schedule(ctx, f.clk.Now().Add(time.Minute), "standup in 5", nil, nil)
	if !ok {
		t.Fatalf("schedule rejected")
	}

	// Not due yet: a scan must not touch it.
	f.runner(false).CheckDue(ctx, WakeTimer)
	if got := f.fd.sentCount(); got != 0 {
		t.Fatalf("sent %d messages before due time", got)
	}
	if m := f.get(t, id); m.Status != StatusScheduled {
		t.Fatalf("status = %s, want scheduled", m.Status)
	}

	f.clk.Advance(2 * time.Minute)
	f.runner(false).CheckDue(ctx, WakeTimer)

	m := f.get(t, id)
	if m.Status != StatusSent {
		t.Fatalf("status = %s, want sent", m.Status)
	}
	if m.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", m.Attempts)
	}
	if m.SentAt == 0 {
		t.Fatalf("sent_at not set")
	}
	if got := f.fd.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
}

func TestScheduleRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, ok := f.svc.Schedule(ctx, f.clk.Now(), "now is not the future", nil, nil); ok {
		t.Fatalf("accepted a due time equal to now")
	}
	if _, ok := f.svc.Schedule(ctx, f.clk.Now().Add(-time.Hour), "past", nil, nil); ok {
		t.Fatalf("accepted a past due time")
	}
	if _, ok := f.svc.Schedule(ctx, f.clk.Now().Add(time.Hour), "   ", nil, nil); ok {
		t.Fatalf("accepted a blank body")
	}
	if got := len(f.svc.List(ctx)); got != 0 {
		t.Fatalf("invalid requests reached the store: %d records", got)
	}
}

func TestDeliveredOnceNeverResent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "once only", nil, nil)
	f.clk.Advance(time.Minute)

	for i := 0; i < 5; i++ {
		f.runner(false).CheckDue(ctx, WakeTimer)
	}
	if got := f.fd.sentCount(); got != 1 {
		t.Fatalf("sent %d times, want exactly 1", got)
	}
	if m := f.get(t, id); m.Attempts != 1 {
		t.Fatalf("attempts = %d after repeated scans, want 1", m.Attempts)
	}
}

func TestFailedAttemptsExhaustToError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fd.setFail(errors.New("503 bad gateway"), kit.ErrUnreachable)

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "doomed", nil, nil)
	f.clk.Advance(time.Minute)

	// Attempt 1 and 2: record returns to scheduled with a recorded error.
	for want := 1; want <= 2; want++ {
		f.runner(false).CheckDue(ctx, WakeTimer)
		m := f.get(t, id)
		if m.Status != StatusScheduled {
			t.Fatalf("after attempt %d: status = %s, want scheduled", want, m.Status)
		}
		if m.Attempts != want {
			t.Fatalf("after attempt %d: attempts = %d", want, m.Attempts)
		}
		if m.LastError == "" {
			t.Fatalf("after attempt %d: last_error empty", want)
		}
	}

	// Attempt 3 exhausts the ceiling.
	f.runner(false).CheckDue(ctx, WakeTimer)
	m := f.get(t, id)
	if m.Status != StatusError {
		t.Fatalf("status = %s, want error", m.Status)
	}
	if m.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", m.Attempts)
	}
	if !strings.Contains(m.LastError, string(kit.ErrUnreachable)) {
		t.Fatalf("last_error %q does not carry the failure kind", m.LastError)
	}
	if !strings.Contains(m.LastError, kit.ErrUnreachable.Suggestion()) {
		t.Fatalf("last_error %q does not carry the suggestion", m.LastError)
	}

	// Terminal: further scans leave it alone.
	f.runner(false).CheckDue(ctx, WakeTimer)
	if m := f.get(t, id); m.Attempts != 3 || m.Status != StatusError {
		t.Fatalf("terminal record changed: status=%s attempts=%d", m.Status, m.Attempts)
	}
}

func TestRetryReArmsErrorRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fd.setFail(errors.New("boom"), kit.ErrRejected)

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "third time lucky", nil, nil)
	f.clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		f.runner(false).CheckDue(ctx, WakeTimer)
	}
	if m := f.get(t, id); m.Status != StatusError {
		t.Fatalf("setup failed: status = %s", m.Status)
	}

	if !f.svc.Retry(ctx, id) {
		t.Fatalf("retry refused an error record")
	}
	m := f.get(t, id)
	if m.Status != StatusScheduled {
		t.Fatalf("status = %s after retry, want scheduled", m.Status)
	}
	if m.Attempts != 3 {
		t.Fatalf("attempts = %d after retry, want preserved 3", m.Attempts)
	}

	// The provider recovered: the re-armed record gets one more send.
	f.fd.setFail(nil, "")
	f.runner(false).CheckDue(ctx, WakeTimer)
	m = f.get(t, id)
	if m.Status != StatusSent {
		t.Fatalf("status = %s, want sent", m.Status)
	}
	if m.Attempts != 3 {
		t.Fatalf("attempts = %d, want capped at max", m.Attempts)
	}

	// Retry only applies to error records.
	if f.svc.Retry(ctx, id) {
		t.Fatalf("retry accepted a sent record")
	}
}

func TestCancelRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Hour), "never mind", nil, nil)
	if !f.svc.Cancel(ctx, id) {
		t.Fatalf("cancel reported missing for an existing record")
	}
	if f.svc.Cancel(ctx, id) {
		t.Fatalf("second cancel reported existing")
	}

	f.clk.Advance(2 * time.Hour)
	f.runner(false).CheckDue(ctx, WakeTimer)
	if got := f.fd.sentCount(); got != 0 {
		t.Fatalf("cancelled record was delivered %d times", got)
	}
}

func TestAvailabilityGateDefersBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fd.available = false

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "wait for network", nil, nil)
	f.clk.Advance(time.Minute)

	f.runner(true).CheckDue(ctx, WakeTimer)
	m := f.get(t, id)
	if m.Status != StatusScheduled {
		t.Fatalf("status = %s, want scheduled (batch deferred)", m.Status)
	}
	if m.Attempts != 0 {
		t.Fatalf("attempts = %d, gate must not burn attempts", m.Attempts)
	}

	f.fd.available = true
	f.runner(true).CheckDue(ctx, WakeTimer)
	if m := f.get(t, id); m.Status != StatusSent {
		t.Fatalf("status = %s after provider recovered, want sent", m.Status)
	}
}

func TestBacklogDrainsInScheduleOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(3*time.Minute), "third", nil, nil)
	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(1*time.Minute), "first", nil, nil)
	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(2*time.Minute), "second", nil, nil)

	f.clk.Advance(time.Hour)
	f.runner(false).CheckDue(ctx, WakeTimer)

	f.fd.mu.Lock()
	got := append([]string(nil), f.fd.sent...)
	f.fd.mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send order %v, want %v", got, want)
		}
	}
}

func TestInterSendDelayPacesBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	fd := &captureDelivery{onSend: func(kit.ChatTarget) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	}}

	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "first", nil, nil)
	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "second", nil, nil)
	f.clk.Advance(time.Minute)

	const gap = 50 * time.Millisecond
	r := NewRunner("test", logx.Nop(), f.store, fd, f.bus, NewLimiter(gap), f.clk.Now, kit.ChatTarget{ChatID: 42}, false)
	r.CheckDue(ctx, WakeTimer)

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 2 {
		t.Fatalf("sent %d messages, want 2", len(stamps))
	}
	// Allow a little scheduler slop below the nominal gap.
	if d := stamps[1].Sub(stamps[0]); d < gap-10*time.Millisecond {
		t.Fatalf("second send after %v, want at least ~%v", d, gap)
	}
}

func TestExplicitTargetOverridesDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var gotTarget kit.ChatTarget
	var mu sync.Mutex
	fd := &captureDelivery{onSend: func(to kit.ChatTarget) {
		mu.Lock()
		gotTarget = to
		mu.Unlock()
	}}

	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "to the ops room",
		&Target{ChatID: 777, ThreadID: 9}, nil)
	f.clk.Advance(time.Minute)

	r := NewRunner("test", logx.Nop(), f.store, fd, f.bus, nil, f.clk.Now, kit.ChatTarget{ChatID: 42}, false)
	r.CheckDue(ctx, WakeTimer)

	mu.Lock()
	defer mu.Unlock()
	if gotTarget.ChatID != 777 || gotTarget.ThreadID != 9 {
		t.Fatalf("delivered to %+v, want explicit target", gotTarget)
	}
}

type captureDelivery struct {
	onSend func(kit.ChatTarget)
}

func (d *captureDelivery) Send(ctx context.Context, to kit.ChatTarget, text string) (kit.SendResult, error) {
	if d.onSend != nil {
		d.onSend(to)
	}
	return kit.SendResult{ChatID: to.ChatID, MessageID: 1}, nil
}
func (d *captureDelivery) CheckAvailability(ctx context.Context) bool { return true }
func (d *captureDelivery) Classify(err error) kit.ErrorKind          { return kit.ErrUnknown }

// A second loop waking while the first is mid-send re-reads the record,
// observes the persisted "sending" transition and skips it.
func TestOverlappingLoopsSendAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var total int
	var workerRunner *Runner
	fd := &captureDelivery{onSend: func(kit.ChatTarget) {
		total++
		// The background worker fires while this send is in flight.
		if workerRunner != nil {
			r := workerRunner
			workerRunner = nil
			r.CheckDue(ctx, WakeTimer)
		}
	}}

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "exactly once here", nil, nil)
	f.clk.Advance(time.Minute)

	workerRunner = NewRunner("worker", logx.Nop(), f.store, fd, f.bus, nil, f.clk.Now, kit.ChatTarget{ChatID: 42}, false)
	fg := NewRunner("foreground", logx.Nop(), f.store, fd, f.bus, nil, f.clk.Now, kit.ChatTarget{ChatID: 42}, false)
	fg.CheckDue(ctx, WakeTimer)

	if total != 1 {
		t.Fatalf("record sent %d times across overlapping loops, want 1", total)
	}
	if m := f.get(t, id); m.Status != StatusSent || m.Attempts != 1 {
		t.Fatalf("record after overlap: status=%s attempts=%d", m.Status, m.Attempts)
	}
}

func TestStatsAndListByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id1, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "a", nil, nil)
	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(time.Hour), "b", nil, nil)

	f.clk.Advance(time.Minute)
	f.runner(false).CheckDue(ctx, WakeTimer)

	st := f.svc.GetStats(ctx)
	if st.Sent != 1 || st.Scheduled != 1 || st.Total() != 2 {
		t.Fatalf("stats = %+v", st)
	}

	sent := f.svc.ListByStatus(ctx, StatusSent)
	if len(sent) != 1 || sent[0].ID != id1 {
		t.Fatalf("ListByStatus(sent) = %v", sent)
	}
}

func TestOutcomeEventsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	id, _ := f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "ping", nil, nil)
	f.clk.Advance(time.Minute)
	f.runner(false).CheckDue(ctx, WakeTimer)

	select {
	case ev := <-ch:
		if ev.Type != eventbus.EvSent {
			t.Fatalf("event type = %s, want %s", ev.Type, eventbus.EvSent)
		}
		out, ok := ev.Data.(eventbus.Outcome)
		if !ok || out.MessageID != id || !out.Sent {
			t.Fatalf("outcome = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no outcome event published")
	}
}

func TestDeliveryLogRecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.svc.Schedule(ctx, f.clk.Now().Add(time.Second), "logged", nil, nil)
	f.clk.Advance(time.Minute)
	f.runner(false).CheckDue(ctx, WakeTimer)

	entries := f.svc.RecentDeliveries(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("delivery log has %d entries, want 1", len(entries))
	}
	if entries[0].Outcome != "sent" || entries[0].Target.ChatID != 42 {
		t.Fatalf("entry = %+v", entries[0])
	}
}
