package trigger

import (
	"time"
)

// NextFire computes the next fire time strictly after the given instant.
//
// For interval recurrences the caller passes the previous fire time (or the
// scheduling instant for the first fire): the series advances as
// prev + interval, never now + interval, so downtime and slow ticks do not
// accumulate drift. For cron recurrences the next match is computed in the
// trigger's location and returned in UTC.
//
// ok is false when the trigger has no further fire time: one-shots whose
// run_at has passed, recurrences past end_date, and triggers that are not
// time-positioned (event, condition).
func NextFire(t Trigger, after time.Time) (next time.Time, ok bool) {
	switch t.Kind {
	case KindScheduled:
		if t.Scheduled == nil {
			return time.Time{}, false
		}
		if t.Scheduled.RunAt.After(after) {
			return t.Scheduled.RunAt.UTC(), true
		}
		return time.Time{}, false

	case KindRecurring:
		r := t.Recurring
		if r == nil {
			return time.Time{}, false
		}
		if r.IntervalType == IntervalCron {
			sched, err := cronParser.Parse(r.CronExpression)
			if err != nil {
				return time.Time{}, false
			}
			base := after
			if r.StartDate != nil && base.Before(*r.StartDate) {
				// First match at or after the series start. Cron semantics are
				// "next strictly after", so step back one instant.
				base = r.StartDate.Add(-time.Nanosecond)
			}
			n := sched.Next(base.In(t.Location()))
			if n.IsZero() {
				return time.Time{}, false
			}
			if r.EndDate != nil && n.After(*r.EndDate) {
				return time.Time{}, false
			}
			return n.UTC(), true
		}

		iv := r.Interval()
		if iv <= 0 {
			return time.Time{}, false
		}
		if r.StartDate != nil && after.Before(*r.StartDate) {
			n := r.StartDate.UTC()
			if r.EndDate != nil && n.After(*r.EndDate) {
				return time.Time{}, false
			}
			return n, true
		}
		n := after.Add(iv).UTC()
		if r.EndDate != nil && n.After(*r.EndDate) {
			return time.Time{}, false
		}
		return n, true
	}

	return time.Time{}, false
}

// Advance walks the series from a stale fire time forward until it is after
// now, one interval at a time. Used on restart recovery: the result is the
// fire time the schedule would have reached had the process stayed up.
//
// ok is false when the series ends (end_date, one-shot already past) before
// reaching now.
func Advance(t Trigger, stale, now time.Time) (next time.Time, ok bool) {
	next, ok = stale, true
	for !next.After(now) {
		next, ok = NextFire(t, next)
		if !ok {
			return time.Time{}, false
		}
	}
	return next, true
}

// Project returns up to n upcoming fire times strictly after from. Used by
// the conflict detector to bound recurring comparisons.
func Project(t Trigger, from time.Time, n int) []time.Time {
	if n <= 0 || !t.Kind.TimePositioned() {
		return nil
	}
	out := make([]time.Time, 0, n)
	cursor := from
	for len(out) < n {
		next, ok := NextFire(t, cursor)
		if !ok {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out
}
