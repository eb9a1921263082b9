package store

import (
	"errors"
	"time"

	"campaignd/internal/trigger"
)

var (
	// ErrNotFound is returned when a campaign has no schedule entry.
	ErrNotFound = errors.New("schedule entry not found")

	// ErrAlreadyFired is returned by the transactional fire paths when the
	// idempotency guard does not match: another evaluation already advanced
	// the entry, the entry is paused, or a condition trigger is disarmed.
	// The caller skips dispatch; nothing was written.
	ErrAlreadyFired = errors.New("schedule entry already fired")
)

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// EntryStatus is the schedule entry lifecycle.
type EntryStatus string

const (
	StatusActive  EntryStatus = "active"
	StatusPaused  EntryStatus = "paused"
	StatusExpired EntryStatus = "expired"
)

// TriggeredBy records what caused an execution.
type TriggeredBy string

const (
	ByManual    TriggeredBy = "manual"
	ByScheduled TriggeredBy = "scheduled"
	ByEvent     TriggeredBy = "event"
	ByCondition TriggeredBy = "condition"
)

// ExecStatus is the execution state machine: pending -> running ->
// {completed | failed}.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// ScheduleEntry binds a campaign to its trigger and next fire time.
//
// NextFireAt is nil for event/condition triggers (they are signal-driven)
// and for expired entries. Armed applies to condition triggers only: the
// entry fires once when its predicates become true and must observe a false
// sample before it can fire again.
type ScheduleEntry struct {
	CampaignID string
	JobID      string
	Trigger    trigger.Trigger
	Status     EntryStatus
	NextFireAt *time.Time
	Armed      bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Execution is one dispatch attempt chain for a campaign. Retries reuse the
// record (AttemptCount increments); a fresh fire creates a new record.
type Execution struct {
	ID            string
	CampaignID    string
	TriggeredBy   TriggeredBy
	Status        ExecStatus
	AttemptCount  int
	StartedAt     time.Time
	CompletedAt   *time.Time
	ResultSummary map[string]any
	ErrorMessage  string
}
