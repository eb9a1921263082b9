package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the trigger variants.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindRecurring Kind = "recurring"
	KindEvent     Kind = "event"
	KindCondition Kind = "condition"
)

func (k Kind) Valid() bool {
	switch k {
	case KindScheduled, KindRecurring, KindEvent, KindCondition:
		return true
	}
	return false
}

// TimePositioned reports whether the variant owns a computable fire time.
// Event and condition triggers fire on inbound signals instead.
func (k Kind) TimePositioned() bool {
	return k == KindScheduled || k == KindRecurring
}

// IntervalType selects the recurrence unit for recurring triggers.
type IntervalType string

const (
	IntervalMinutes IntervalType = "minutes"
	IntervalHours   IntervalType = "hours"
	IntervalDays    IntervalType = "days"
	IntervalWeeks   IntervalType = "weeks"
	IntervalCron    IntervalType = "cron"
)

func (it IntervalType) Valid() bool {
	switch it {
	case IntervalMinutes, IntervalHours, IntervalDays, IntervalWeeks, IntervalCron:
		return true
	}
	return false
}

// Operator is the closed comparison set for condition predicates.
type Operator string

const (
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

func (op Operator) Valid() bool {
	return op == OpGTE || op == OpLTE || op == OpEQ
}

// Scheduled fires exactly once at RunAt.
type Scheduled struct {
	RunAt    time.Time
	Timezone string
}

// Recurring fires on a fixed interval or a 5-field cron expression.
type Recurring struct {
	IntervalType   IntervalType
	IntervalValue  int
	CronExpression string
	StartDate      *time.Time
	EndDate        *time.Time
	Timezone       string
}

// Interval returns the recurrence step for non-cron recurrences.
func (r *Recurring) Interval() time.Duration {
	v := time.Duration(r.IntervalValue)
	switch r.IntervalType {
	case IntervalMinutes:
		return v * time.Minute
	case IntervalHours:
		return v * time.Hour
	case IntervalDays:
		return v * 24 * time.Hour
	case IntervalWeeks:
		return v * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Event fires when a matching inbound event is received.
type Event struct {
	EventName     string
	WebhookSecret string
}

// Predicate compares a sampled metric against a threshold.
type Predicate struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

// Eval reports whether the predicate holds for the sampled value.
func (p Predicate) Eval(value float64) bool {
	switch p.Operator {
	case OpGTE:
		return value >= p.Threshold
	case OpLTE:
		return value <= p.Threshold
	case OpEQ:
		return value == p.Threshold
	}
	return false
}

// Condition fires when all predicates hold simultaneously (logical AND).
type Condition struct {
	Predicates []Predicate
	Window     time.Duration
}

// Trigger is a tagged union over the four variants. Exactly one variant
// pointer is non-nil, matching Kind.
type Trigger struct {
	Kind      Kind
	Scheduled *Scheduled
	Recurring *Recurring
	Event     *Event
	Condition *Condition
}

// Location resolves the trigger's declared timezone, defaulting to UTC.
// The location is used only for wall-clock (cron/DST) computation; stored
// timestamps are always UTC.
func (t Trigger) Location() *time.Location {
	tz := ""
	switch t.Kind {
	case KindScheduled:
		if t.Scheduled != nil {
			tz = t.Scheduled.Timezone
		}
	case KindRecurring:
		if t.Recurring != nil {
			tz = t.Recurring.Timezone
		}
	}
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// wire is the flat JSON form used by the API and the store. It matches the
// trigger_config object shape of campaign configs: one "type" discriminator
// plus the variant's fields.
type wire struct {
	Type           Kind        `json:"type"`
	RunAt          *time.Time  `json:"run_at,omitempty"`
	Timezone       string      `json:"timezone,omitempty"`
	IntervalType   string      `json:"interval_type,omitempty"`
	IntervalValue  int         `json:"interval_value,omitempty"`
	CronExpression string      `json:"cron_expression,omitempty"`
	StartDate      *time.Time  `json:"start_date,omitempty"`
	EndDate        *time.Time  `json:"end_date,omitempty"`
	EventName      string      `json:"event_name,omitempty"`
	WebhookSecret  string      `json:"webhook_secret,omitempty"`
	Predicates     []Predicate `json:"predicates,omitempty"`
	WindowSeconds  int64       `json:"window_seconds,omitempty"`
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	w := wire{Type: t.Kind}
	switch t.Kind {
	case KindScheduled:
		if t.Scheduled != nil {
			ra := t.Scheduled.RunAt
			w.RunAt = &ra
			w.Timezone = t.Scheduled.Timezone
		}
	case KindRecurring:
		if t.Recurring != nil {
			w.IntervalType = string(t.Recurring.IntervalType)
			w.IntervalValue = t.Recurring.IntervalValue
			w.CronExpression = t.Recurring.CronExpression
			w.StartDate = t.Recurring.StartDate
			w.EndDate = t.Recurring.EndDate
			w.Timezone = t.Recurring.Timezone
		}
	case KindEvent:
		if t.Event != nil {
			w.EventName = t.Event.EventName
			w.WebhookSecret = t.Event.WebhookSecret
		}
	case KindCondition:
		if t.Condition != nil {
			w.Predicates = t.Condition.Predicates
			w.WindowSeconds = int64(t.Condition.Window / time.Second)
		}
	}
	return json.Marshal(w)
}

func (t *Trigger) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse decodes the flat JSON trigger form.
func Parse(b []byte) (Trigger, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return Trigger{}, fmt.Errorf("trigger: decode: %w", err)
	}
	return fromWire(w)
}

func fromWire(w wire) (Trigger, error) {
	t := Trigger{Kind: w.Type}
	switch w.Type {
	case KindScheduled:
		s := &Scheduled{Timezone: w.Timezone}
		if w.RunAt != nil {
			s.RunAt = w.RunAt.UTC()
		}
		t.Scheduled = s
	case KindRecurring:
		r := &Recurring{
			IntervalType:   IntervalType(w.IntervalType),
			IntervalValue:  w.IntervalValue,
			CronExpression: w.CronExpression,
			Timezone:       w.Timezone,
		}
		if w.StartDate != nil {
			sd := w.StartDate.UTC()
			r.StartDate = &sd
		}
		if w.EndDate != nil {
			ed := w.EndDate.UTC()
			r.EndDate = &ed
		}
		t.Recurring = r
	case KindEvent:
		t.Event = &Event{EventName: w.EventName, WebhookSecret: w.WebhookSecret}
	case KindCondition:
		t.Condition = &Condition{
			Predicates: w.Predicates,
			Window:     time.Duration(w.WindowSeconds) * time.Second,
		}
	default:
		return Trigger{}, fmt.Errorf("trigger: unknown type %q", w.Type)
	}
	return t, nil
}
