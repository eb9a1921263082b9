package trigger

import (
	"testing"
	"time"
)

func TestNextFireScheduled(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	runAt := now.Add(2 * time.Hour)
	tr := Trigger{Kind: KindScheduled, Scheduled: &Scheduled{RunAt: runAt}}

	next, ok := NextFire(tr, now)
	if !ok || !next.Equal(runAt) {
		t.Fatalf("NextFire = %v, %v; want %v, true", next, ok, runAt)
	}

	if _, ok := NextFire(tr, runAt); ok {
		t.Fatal("one-shot at its own fire time must not fire again")
	}
	if _, ok := NextFire(tr, runAt.Add(time.Second)); ok {
		t.Fatal("one-shot in the past must not fire")
	}
}

func TestNextFireIntervalAdvancesFromPrev(t *testing.T) {
	t.Parallel()
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{IntervalType: IntervalMinutes, IntervalValue: 30}}
	prev := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	next, ok := NextFire(tr, prev)
	if !ok {
		t.Fatal("expected a next fire")
	}
	if want := prev.Add(30 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v (prev + interval, no drift)", next, want)
	}
}

func TestNextFireIntervalStartDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(24 * time.Hour)
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{
		IntervalType: IntervalHours, IntervalValue: 1, StartDate: &start,
	}}

	next, ok := NextFire(tr, now)
	if !ok || !next.Equal(start) {
		t.Fatalf("first fire = %v, %v; want start_date %v", next, ok, start)
	}
}

func TestNextFireIntervalEndDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(45 * time.Minute)
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{
		IntervalType: IntervalMinutes, IntervalValue: 30, EndDate: &end,
	}}

	// First step lands inside the range.
	next, ok := NextFire(tr, now)
	if !ok || !next.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("next = %v, %v", next, ok)
	}
	// Second step would pass end_date: series over.
	if _, ok := NextFire(tr, next); ok {
		t.Fatal("series past end_date must not fire")
	}
}

func TestNextFireCron(t *testing.T) {
	t.Parallel()
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{
		IntervalType: IntervalCron, CronExpression: "0 9 * * *",
	}}
	after := time.Date(2026, 9, 1, 8, 59, 0, 0, time.UTC)

	next, ok := NextFire(tr, after)
	if !ok {
		t.Fatal("expected a next fire")
	}
	if want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Strictly after: asking at the exact match moves to the next day.
	next2, ok := NextFire(tr, next)
	if !ok {
		t.Fatal("expected a next fire")
	}
	if want := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC); !next2.Equal(want) {
		t.Fatalf("next = %v, want %v", next2, want)
	}
}

func TestNextFireCronHonorsTimezone(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{
		IntervalType: IntervalCron, CronExpression: "30 9 * * *", Timezone: "America/New_York",
	}}

	// Crossing the spring DST transition (Mar 8 2026): wall clock stays 09:30.
	after := time.Date(2026, 3, 7, 20, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		next, ok := NextFire(tr, after)
		if !ok {
			t.Fatal("expected a next fire")
		}
		local := next.In(loc)
		if local.Hour() != 9 || local.Minute() != 30 {
			t.Fatalf("fire %d at %v local, want 09:30 wall clock", i, local)
		}
		after = next
	}
}

func TestNextFireSignalKindsNeverFire(t *testing.T) {
	t.Parallel()
	now := time.Now()
	for _, tr := range []Trigger{
		{Kind: KindEvent, Event: &Event{EventName: "x"}},
		{Kind: KindCondition, Condition: &Condition{Predicates: []Predicate{{Metric: "m", Operator: OpGTE}}}},
	} {
		if _, ok := NextFire(tr, now); ok {
			t.Fatalf("%s trigger must not be time-positioned", tr.Kind)
		}
	}
}

func TestAdvanceWalksSeries(t *testing.T) {
	t.Parallel()
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{IntervalType: IntervalHours, IntervalValue: 1}}
	stale := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	now := stale.Add(5*time.Hour + 20*time.Minute)

	next, ok := Advance(tr, stale, now)
	if !ok {
		t.Fatal("expected the series to continue")
	}
	if want := stale.Add(6 * time.Hour); !next.Equal(want) {
		t.Fatalf("next = %v, want %v (aligned to the original series)", next, want)
	}
}

func TestAdvanceExpiredSeries(t *testing.T) {
	t.Parallel()
	stale := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := stale.Add(2 * time.Hour)
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{
		IntervalType: IntervalHours, IntervalValue: 1, EndDate: &end,
	}}

	if _, ok := Advance(tr, stale, stale.Add(10*time.Hour)); ok {
		t.Fatal("series past end_date must report done")
	}
}

func TestProject(t *testing.T) {
	t.Parallel()
	tr := Trigger{Kind: KindRecurring, Recurring: &Recurring{IntervalType: IntervalMinutes, IntervalValue: 10}}
	from := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	times := Project(tr, from, 4)
	if len(times) != 4 {
		t.Fatalf("got %d times, want 4", len(times))
	}
	for i, ts := range times {
		if want := from.Add(time.Duration(i+1) * 10 * time.Minute); !ts.Equal(want) {
			t.Fatalf("times[%d] = %v, want %v", i, ts, want)
		}
	}

	oneShot := Trigger{Kind: KindScheduled, Scheduled: &Scheduled{RunAt: from.Add(time.Hour)}}
	if got := Project(oneShot, from, 4); len(got) != 1 {
		t.Fatalf("one-shot projects %d times, want 1", len(got))
	}
	if got := Project(Trigger{Kind: KindEvent, Event: &Event{EventName: "x"}}, from, 4); got != nil {
		t.Fatal("event trigger must project nothing")
	}
}
