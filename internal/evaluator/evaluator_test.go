package evaluator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campaignd/internal/eventbus"
	"campaignd/internal/store"
	"campaignd/internal/trigger"
	logx "campaignd/pkg/logx"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type captureDispatcher struct {
	mu    sync.Mutex
	execs []*store.Execution
}

func (d *captureDispatcher) Enqueue(_ context.Context, exec *store.Execution) error {
	d.mu.Lock()
	d.execs = append(d.execs, exec)
	d.mu.Unlock()
	return nil
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.execs)
}

func newFixture(t *testing.T, clock Clock) (*Service, *store.Store, *captureDispatcher) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disp := &captureDispatcher{}
	svc := New(Config{}, clock, st, disp, eventbus.New(), logx.Nop())
	return svc, st, disp
}

func TestTickFiresDueInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := &fixedClock{t: now}
	svc, st, disp := newFixture(t, clock)
	ctx := context.Background()

	dueAt := now.Add(-time.Second)
	tr := trigger.Trigger{Kind: trigger.KindRecurring, Recurring: &trigger.Recurring{
		IntervalType: trigger.IntervalMinutes, IntervalValue: 30,
	}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "c1", Trigger: tr, NextFireAt: &dueAt}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", disp.count())
	}

	got, _ := st.Get(ctx, "c1")
	// Interval series advances from the due fire, never from now.
	if want := dueAt.Add(30 * time.Minute); got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, want)
	}

	// Nothing is due anymore; a second tick is a no-op.
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if disp.count() != 1 {
		t.Fatalf("second tick dispatched again: %d", disp.count())
	}
}

func TestTickCronAdvancesFromNow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 12, 3, 0, 0, time.UTC)
	clock := &fixedClock{t: now}
	svc, st, _ := newFixture(t, clock)
	ctx := context.Background()

	dueAt := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tr := trigger.Trigger{Kind: trigger.KindRecurring, Recurring: &trigger.Recurring{
		IntervalType: trigger.IntervalCron, CronExpression: "*/5 * * * *",
	}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "c1", Trigger: tr, NextFireAt: &dueAt}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := st.Get(ctx, "c1")
	// Cron takes the next match after now: the 12:00 slot fired late at
	// 12:03, the successor is 12:05, not a replay of missed matches.
	if want := time.Date(2026, 9, 1, 12, 5, 0, 0, time.UTC); got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, want)
	}
}

func TestTickExpiresOneShot(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := &fixedClock{t: now}
	svc, st, disp := newFixture(t, clock)
	ctx := context.Background()

	dueAt := now.Add(-time.Second)
	tr := trigger.Trigger{Kind: trigger.KindScheduled, Scheduled: &trigger.Scheduled{RunAt: dueAt}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "c1", Trigger: tr, NextFireAt: &dueAt}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", disp.count())
	}
	got, _ := st.Get(ctx, "c1")
	if got.Status != store.StatusExpired || got.NextFireAt != nil {
		t.Fatalf("entry = %+v, want expired", got)
	}
}

func TestSignalEventFiresMatches(t *testing.T) {
	t.Parallel()
	svc, st, disp := newFixture(t, &fixedClock{t: time.Now()})
	ctx := context.Background()

	put := func(id, event string) {
		t.Helper()
		tr := trigger.Trigger{Kind: trigger.KindEvent, Event: &trigger.Event{EventName: event}}
		if err := st.Put(ctx, store.ScheduleEntry{CampaignID: id, Trigger: tr}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("on-signup", "user_signup")
	put("on-signup-2", "user_signup")
	put("on-purchase", "purchase")

	fired, err := svc.SignalEvent(ctx, "user_signup", "", map[string]any{"user": "u1"})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if fired != 2 || disp.count() != 2 {
		t.Fatalf("fired = %d, dispatched = %d; want 2, 2", fired, disp.count())
	}

	fired, err = svc.SignalEvent(ctx, "unknown_event", "", nil)
	if err != nil || fired != 0 {
		t.Fatalf("unknown event: fired=%d err=%v", fired, err)
	}
}

func TestSignalEventEnforcesSecretPerEntry(t *testing.T) {
	t.Parallel()
	svc, st, disp := newFixture(t, &fixedClock{t: time.Now()})
	ctx := context.Background()

	put := func(id, secret string) {
		t.Helper()
		tr := trigger.Trigger{Kind: trigger.KindEvent, Event: &trigger.Event{EventName: "launch", WebhookSecret: secret}}
		if err := st.Put(ctx, store.ScheduleEntry{CampaignID: id, Trigger: tr}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("open", "")
	put("secured", "s3cret")

	// Wrong secret only skips the secured entry.
	fired, err := svc.SignalEvent(ctx, "launch", "wrong", nil)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if fired != 1 || disp.count() != 1 {
		t.Fatalf("fired = %d, dispatched = %d; want 1, 1", fired, disp.count())
	}
	disp.mu.Lock()
	first := disp.execs[0].CampaignID
	disp.mu.Unlock()
	if first != "open" {
		t.Fatalf("dispatched %s, want open", first)
	}

	fired, err = svc.SignalEvent(ctx, "launch", "s3cret", nil)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if fired != 2 {
		t.Fatalf("fired = %d, want 2 with the correct secret", fired)
	}
}

func TestObserveMetricsEdgeTriggered(t *testing.T) {
	t.Parallel()
	svc, st, disp := newFixture(t, &fixedClock{t: time.Now()})
	ctx := context.Background()

	tr := trigger.Trigger{Kind: trigger.KindCondition, Condition: &trigger.Condition{
		Predicates: []trigger.Predicate{{Metric: "cpu", Operator: trigger.OpGTE, Threshold: 90}},
	}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "c1", Trigger: tr, Armed: true}); err != nil {
		t.Fatalf("put: %v", err)
	}

	observe := func(v float64) int {
		t.Helper()
		fired, err := svc.ObserveMetrics(ctx, map[string]float64{"cpu": v})
		if err != nil {
			t.Fatalf("observe(%v): %v", v, err)
		}
		return fired
	}

	if fired := observe(50); fired != 0 {
		t.Fatalf("below threshold fired %d", fired)
	}
	if fired := observe(95); fired != 1 {
		t.Fatalf("crossing fired %d, want 1", fired)
	}
	// Sustained true: edge-triggered, no repeat fire.
	if fired := observe(96); fired != 0 {
		t.Fatalf("sustained true fired %d, want 0", fired)
	}
	// Falls back below: re-arms without firing.
	if fired := observe(10); fired != 0 {
		t.Fatalf("re-arm fired %d", fired)
	}
	got, _ := st.Get(ctx, "c1")
	if !got.Armed {
		t.Fatal("entry must re-arm after a false sample")
	}
	// Second crossing fires again.
	if fired := observe(99); fired != 1 {
		t.Fatalf("second crossing fired %d, want 1", fired)
	}
	if disp.count() != 2 {
		t.Fatalf("dispatched %d, want 2", disp.count())
	}
}

func TestObserveMetricsUnknownMetricUntouched(t *testing.T) {
	t.Parallel()
	svc, st, disp := newFixture(t, &fixedClock{t: time.Now()})
	ctx := context.Background()

	tr := trigger.Trigger{Kind: trigger.KindCondition, Condition: &trigger.Condition{
		Predicates: []trigger.Predicate{{Metric: "open_rate", Operator: trigger.OpLTE, Threshold: 0.1}},
	}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "c1", Trigger: tr, Armed: true}); err != nil {
		t.Fatalf("put: %v", err)
	}

	fired, err := svc.ObserveMetrics(ctx, map[string]float64{"cpu": 99})
	if err != nil || fired != 0 {
		t.Fatalf("fired=%d err=%v", fired, err)
	}
	got, _ := st.Get(ctx, "c1")
	if !got.Armed || disp.count() != 0 {
		t.Fatal("entry with unsampled metric must stay untouched")
	}
}

func TestObserveMetricsAndSemantics(t *testing.T) {
	t.Parallel()
	svc, st, disp := newFixture(t, &fixedClock{t: time.Now()})
	ctx := context.Background()

	tr := trigger.Trigger{Kind: trigger.KindCondition, Condition: &trigger.Condition{
		Predicates: []trigger.Predicate{
			{Metric: "cpu", Operator: trigger.OpGTE, Threshold: 90},
			{Metric: "err_rate", Operator: trigger.OpGTE, Threshold: 0.5},
		},
	}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "c1", Trigger: tr, Armed: true}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Only one predicate holds.
	if fired, err := svc.ObserveMetrics(ctx, map[string]float64{"cpu": 95, "err_rate": 0.1}); err != nil || fired != 0 {
		t.Fatalf("partial predicates fired=%d err=%v", fired, err)
	}
	// The snapshot merges across calls: err_rate arrives later.
	if fired, err := svc.ObserveMetrics(ctx, map[string]float64{"err_rate": 0.9}); err != nil || fired != 1 {
		t.Fatalf("all predicates fired=%d err=%v", fired, err)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", disp.count())
	}
}

func TestRecoverAdvancesStaleSchedules(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC().Truncate(time.Millisecond)
	clock := &fixedClock{t: now}
	svc, st, _ := newFixture(t, clock)
	ctx := context.Background()

	stale := now.Add(-3*time.Hour - 30*time.Minute)
	tr := trigger.Trigger{Kind: trigger.KindRecurring, Recurring: &trigger.Recurring{
		IntervalType: trigger.IntervalHours, IntervalValue: 1,
	}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "stale", Trigger: tr, NextFireAt: &stale}); err != nil {
		t.Fatalf("put: %v", err)
	}

	past := now.Add(-time.Hour)
	oneShot := trigger.Trigger{Kind: trigger.KindScheduled, Scheduled: &trigger.Scheduled{RunAt: past}}
	if err := st.Put(ctx, store.ScheduleEntry{CampaignID: "ended", Trigger: oneShot, NextFireAt: &past}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := svc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _ := st.Get(ctx, "stale")
	// The series stays aligned: stale + 4h is the first occurrence after now.
	if want := stale.Add(4 * time.Hour); got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, want)
	}
	if got.Status != store.StatusActive {
		t.Fatalf("status = %q", got.Status)
	}

	ended, _ := st.Get(ctx, "ended")
	if ended.Status != store.StatusExpired || ended.NextFireAt != nil {
		t.Fatalf("one-shot past its run_at = %+v, want expired", ended)
	}
}

func TestRecoverClosesOrphanedExecutions(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	clock := &fixedClock{t: now.Add(2 * time.Second)}
	svc, st, disp := newFixture(t, clock)
	ctx := context.Background()

	running, err := st.CreateExecution(ctx, "c1", store.ByScheduled)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	running.Status = store.ExecRunning
	running.AttemptCount = 1
	if err := st.UpdateExecution(ctx, running); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, err := st.CreateExecution(ctx, "c2", store.ByScheduled)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	execs, _ := st.ListExecutions(ctx, "c1", 0)
	if len(execs) != 1 || execs[0].Status != store.ExecFailed {
		t.Fatalf("orphaned running execution = %+v, want failed", execs)
	}
	if execs[0].ErrorMessage != "interrupted: process restart" {
		t.Fatalf("error = %q", execs[0].ErrorMessage)
	}

	// The stale pending execution is re-dispatched, not re-fired.
	if disp.count() != 1 {
		t.Fatalf("re-dispatched %d, want 1", disp.count())
	}
	disp.mu.Lock()
	redispatched := disp.execs[0].ID
	disp.mu.Unlock()
	if redispatched != pending.ID {
		t.Fatalf("re-dispatched %s, want %s", redispatched, pending.ID)
	}
}

func TestApplyChangesTickInterval(t *testing.T) {
	t.Parallel()
	clock := &fixedClock{t: time.Now()}
	svc, _, _ := newFixture(t, clock)

	svc.Apply(Config{TickInterval: 250 * time.Millisecond})
	if got := svc.tickInterval(); got != 250*time.Millisecond {
		t.Fatalf("tick interval = %v, want 250ms", got)
	}

	// A zero interval falls back to the default.
	svc.Apply(Config{})
	if got := svc.tickInterval(); got != time.Second {
		t.Fatalf("tick interval = %v, want 1s", got)
	}
}
