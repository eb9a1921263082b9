package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Code identifies a validation failure class.
type Code string

const (
	CodePastTime        Code = "past_time"
	CodeInvalidCron     Code = "invalid_cron"
	CodeInvalidInterval Code = "invalid_interval"
	CodeInvalidRange    Code = "invalid_range"
	CodeInvalidTimezone Code = "invalid_timezone"
	CodeMissingField    Code = "missing_field"
	CodeInvalidOperator Code = "invalid_operator"
	CodeUnknownKind     Code = "unknown_kind"
)

// ValidationError describes one rule violation.
type ValidationError struct {
	Code    Code
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors aggregates every violation found in one pass so the API
// can surface all of them at once.
type ValidationErrors struct {
	Errs []ValidationError
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, v := range e.Errs {
		msgs = append(msgs, v.Error())
	}
	return "invalid trigger: " + strings.Join(msgs, "; ")
}

// Strings returns the human-readable messages for API responses.
func (e *ValidationErrors) Strings() []string {
	out := make([]string, 0, len(e.Errs))
	for _, v := range e.Errs {
		out = append(out, v.Error())
	}
	return out
}

// Has reports whether any violation carries the given code.
func (e *ValidationErrors) Has(code Code) bool {
	for _, v := range e.Errs {
		if v.Code == code {
			return true
		}
	}
	return false
}

// cronParser accepts the standard 5-field grammar plus descriptors
// (@daily and friends), matching what campaign authors paste in.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a trigger against the validation rules. It is pure: no
// store access, no side effects. now is the validation instant; run_at must
// be strictly after it.
//
// Returns nil on success, or a *ValidationErrors listing every violation.
func Validate(t Trigger, now time.Time) error {
	var errs []ValidationError
	add := func(code Code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !t.Kind.Valid() {
		add(CodeUnknownKind, "type", "unknown trigger type %q", t.Kind)
		return &ValidationErrors{Errs: errs}
	}

	switch t.Kind {
	case KindScheduled:
		s := t.Scheduled
		if s == nil || s.RunAt.IsZero() {
			add(CodeMissingField, "run_at", "run_at is required for scheduled triggers")
			break
		}
		if !s.RunAt.After(now) {
			add(CodePastTime, "run_at", "run_at must be in the future")
		}
		validateTimezone(s.Timezone, add)

	case KindRecurring:
		r := t.Recurring
		if r == nil {
			add(CodeMissingField, "interval_type", "interval_type is required for recurring triggers")
			break
		}
		if !r.IntervalType.Valid() {
			add(CodeInvalidInterval, "interval_type", "invalid interval_type %q", r.IntervalType)
			break
		}
		if r.IntervalType == IntervalCron {
			validateCron(r, now, add)
		} else {
			if r.IntervalValue <= 0 {
				add(CodeInvalidInterval, "interval_value", "interval_value must be a positive integer")
			}
		}
		if r.StartDate != nil && r.EndDate != nil && !r.EndDate.After(*r.StartDate) {
			add(CodeInvalidRange, "end_date", "end_date must be after start_date")
		}
		validateTimezone(r.Timezone, add)

	case KindEvent:
		e := t.Event
		if e == nil || strings.TrimSpace(e.EventName) == "" {
			add(CodeMissingField, "event_name", "event_name is required for event triggers")
		}

	case KindCondition:
		c := t.Condition
		if c == nil || len(c.Predicates) == 0 {
			add(CodeMissingField, "predicates", "at least one predicate is required for condition triggers")
			break
		}
		for i, p := range c.Predicates {
			if strings.TrimSpace(p.Metric) == "" {
				add(CodeMissingField, fmt.Sprintf("predicates[%d].metric", i), "metric is required")
			}
			if !p.Operator.Valid() {
				add(CodeInvalidOperator, fmt.Sprintf("predicates[%d].operator", i), "operator must be one of gte, lte, eq")
			}
		}
		if c.Window < 0 {
			add(CodeInvalidRange, "window_seconds", "window must not be negative")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationErrors{Errs: errs}
}

func validateCron(r *Recurring, now time.Time, add func(Code, string, string, ...any)) {
	expr := strings.TrimSpace(r.CronExpression)
	if expr == "" {
		add(CodeMissingField, "cron_expression", "cron_expression is required for cron recurrence")
		return
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		add(CodeInvalidCron, "cron_expression", "invalid cron expression %q: %v", expr, err)
		return
	}
	// robfig returns the zero time when no occurrence exists within its
	// search horizon: that is an empty match set (e.g. "0 0 31 2 *").
	if sched.Next(now).IsZero() {
		add(CodeInvalidCron, "cron_expression", "cron expression %q never matches", expr)
	}
}

func validateTimezone(tz string, add func(Code, string, string, ...any)) {
	if strings.TrimSpace(tz) == "" {
		return
	}
	if _, err := time.LoadLocation(tz); err != nil {
		add(CodeInvalidTimezone, "timezone", "unknown timezone %q", tz)
	}
}
