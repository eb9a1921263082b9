package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "campaignd/pkg/logx"

	"campaignd/internal/trigger"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the durable schedule + execution history store.
//
// All writes go through this type; the transactional fire paths are the
// only place where "mark as fired" and "record the execution" happen, and
// they happen atomically.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the sqlite database at cfg.Path and runs
// migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Schedule entries ----

// Put upserts the schedule entry for a campaign. Setting a new trigger
// atomically replaces any prior entry; there is exactly one trigger per
// campaign at a time.
func (s *Store) Put(ctx context.Context, e ScheduleEntry) error {
	tb, err := json.Marshal(e.Trigger)
	if err != nil {
		return fmt.Errorf("store: encode trigger: %w", err)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.JobID == "" {
		e.JobID = "campaign_" + e.CampaignID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedule_entries(campaign_id, job_id, trigger, status, next_fire_at, armed, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(campaign_id) DO UPDATE SET
		   job_id=excluded.job_id, trigger=excluded.trigger, status=excluded.status,
		   next_fire_at=excluded.next_fire_at, armed=excluded.armed, updated_at=excluded.updated_at`,
		e.CampaignID, e.JobID, string(tb), string(e.Status),
		nullMillis(e.NextFireAt), boolInt(e.Armed), e.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *Store) Get(ctx context.Context, campaignID string) (ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT campaign_id, job_id, trigger, status, next_fire_at, armed, created_at, updated_at
		 FROM schedule_entries WHERE campaign_id = ?`, campaignID)
	return scanEntry(row)
}

// Delete removes the schedule entry. Idempotent: deleting a missing entry
// is not an error.
func (s *Store) Delete(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE campaign_id = ?`, campaignID)
	return err
}

// SetStatus moves an entry between active and paused (or expired).
func (s *Store) SetStatus(ctx context.Context, campaignID string, status EntryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_entries SET status = ?, updated_at = ? WHERE campaign_id = ?`,
		string(status), time.Now().UnixMilli(), campaignID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns active entries whose next_fire_at is at or before the
// given instant, soonest first. Backed by the (status, next_fire_at) index
// since it runs every evaluator tick.
func (s *Store) ListDue(ctx context.Context, before time.Time) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, job_id, trigger, status, next_fire_at, armed, created_at, updated_at
		 FROM schedule_entries
		 WHERE status = 'active' AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC`, before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListActive returns all active entries (any trigger kind).
func (s *Store) ListActive(ctx context.Context) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, job_id, trigger, status, next_fire_at, armed, created_at, updated_at
		 FROM schedule_entries WHERE status = 'active' ORDER BY campaign_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ---- Transactional fire paths ----

// Fire atomically advances a time-positioned entry and records the pending
// execution for that fire.
//
// The compare-and-set on (campaign_id, next_fire_at = dueAt) is the
// idempotency key: if another evaluation (overlapping tick, or a restart
// replay) already advanced the entry, zero rows match, nothing is written
// and ErrAlreadyFired comes back. next == nil expires the entry
// (one-shots, series past end_date).
func (s *Store) Fire(ctx context.Context, campaignID string, dueAt time.Time, next *time.Time, by TriggeredBy) (*Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var res sql.Result
	if next != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE schedule_entries SET next_fire_at = ?, updated_at = ?
			 WHERE campaign_id = ? AND status = 'active' AND next_fire_at = ?`,
			next.UnixMilli(), now.UnixMilli(), campaignID, dueAt.UnixMilli())
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE schedule_entries SET status = 'expired', next_fire_at = NULL, updated_at = ?
			 WHERE campaign_id = ? AND status = 'active' AND next_fire_at = ?`,
			now.UnixMilli(), campaignID, dueAt.UnixMilli())
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyFired
	}

	exec, err := insertExecution(ctx, tx, campaignID, by, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return exec, nil
}

// FireSignal is the fire path for signal-driven entries (event, condition).
//
// For condition triggers (requireArmed = true) the armed flag is the
// idempotency guard: it is cleared in the same transaction that records the
// execution, so a sustained-true condition fires exactly once until re-armed.
// Event triggers fire on every matching signal while active.
func (s *Store) FireSignal(ctx context.Context, campaignID string, requireArmed bool, by TriggeredBy) (*Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var res sql.Result
	if requireArmed {
		res, err = tx.ExecContext(ctx,
			`UPDATE schedule_entries SET armed = 0, updated_at = ?
			 WHERE campaign_id = ? AND status = 'active' AND armed = 1`,
			now.UnixMilli(), campaignID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE schedule_entries SET updated_at = ?
			 WHERE campaign_id = ? AND status = 'active'`,
			now.UnixMilli(), campaignID)
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyFired
	}

	exec, err := insertExecution(ctx, tx, campaignID, by, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return exec, nil
}

// Rearm re-enables a condition entry after a predicate observed false.
func (s *Store) Rearm(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedule_entries SET armed = 1, updated_at = ?
		 WHERE campaign_id = ? AND status = 'active' AND armed = 0`,
		time.Now().UnixMilli(), campaignID)
	return err
}

// UpdateNextFire rewrites an entry's next fire time without recording an
// execution. Restart recovery uses this to advance stale entries; expire
// marks series that ended during downtime.
func (s *Store) UpdateNextFire(ctx context.Context, campaignID string, next *time.Time, expire bool) error {
	now := time.Now().UnixMilli()
	var err error
	if expire {
		_, err = s.db.ExecContext(ctx,
			`UPDATE schedule_entries SET status = 'expired', next_fire_at = NULL, updated_at = ?
			 WHERE campaign_id = ?`, now, campaignID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE schedule_entries SET next_fire_at = ?, updated_at = ?
			 WHERE campaign_id = ?`, nullMillis(next), now, campaignID)
	}
	return err
}

// ---- Executions ----

func insertExecution(ctx context.Context, tx *sql.Tx, campaignID string, by TriggeredBy, now time.Time) (*Execution, error) {
	exec := &Execution{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		TriggeredBy: by,
		Status:      ExecPending,
		StartedAt:   now,
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO executions(id, campaign_id, triggered_by, status, attempt_count, started_at)
		 VALUES(?,?,?,?,?,?)`,
		exec.ID, exec.CampaignID, string(exec.TriggeredBy), string(exec.Status), 0, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// CreateExecution records a pending execution outside the schedule fire
// path (manual runs).
func (s *Store) CreateExecution(ctx context.Context, campaignID string, by TriggeredBy) (*Execution, error) {
	now := time.Now().UTC()
	exec := &Execution{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		TriggeredBy: by,
		Status:      ExecPending,
		StartedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, campaign_id, triggered_by, status, attempt_count, started_at)
		 VALUES(?,?,?,?,?,?)`,
		exec.ID, exec.CampaignID, string(exec.TriggeredBy), string(exec.Status), 0, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// UpdateExecution persists dispatcher-side state changes. Retries mutate
// the same record: status, attempt_count, completed_at, result, error.
func (s *Store) UpdateExecution(ctx context.Context, exec *Execution) error {
	var result any
	if exec.ResultSummary != nil {
		b, err := json.Marshal(exec.ResultSummary)
		if err != nil {
			return fmt.Errorf("store: encode result: %w", err)
		}
		result = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, attempt_count = ?, completed_at = ?, result = ?, error = ?
		 WHERE id = ?`,
		string(exec.Status), exec.AttemptCount, nullMillis(exec.CompletedAt), result, nullStr(exec.ErrorMessage), exec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: execution %s not found", exec.ID)
	}
	return nil
}

// ListExecutions returns a campaign's execution history, newest first.
func (s *Store) ListExecutions(ctx context.Context, campaignID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, triggered_by, status, attempt_count, started_at, completed_at, result, error
		 FROM executions WHERE campaign_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ListExecutionsByStatus returns all executions in the given state, oldest
// first. Restart recovery uses it to find work interrupted by a crash.
func (s *Store) ListExecutionsByStatus(ctx context.Context, status ExecStatus) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, triggered_by, status, attempt_count, started_at, completed_at, result, error
		 FROM executions WHERE status = ? ORDER BY started_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// CountInFlight returns the number of pending/running executions for a
// campaign. The single-flight invariant keeps this at 0 or 1.
func (s *Store) CountInFlight(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions
		 WHERE campaign_id = ? AND status IN ('pending','running')`, campaignID).Scan(&n)
	return n, err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ScheduleEntry, error) {
	var (
		e         ScheduleEntry
		trigJSON  string
		status    string
		nextMS    sql.NullInt64
		armed     int
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&e.CampaignID, &e.JobID, &trigJSON, &status, &nextMS, &armed, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleEntry{}, ErrNotFound
	}
	if err != nil {
		return ScheduleEntry{}, err
	}
	tr, err := trigger.Parse([]byte(trigJSON))
	if err != nil {
		return ScheduleEntry{}, fmt.Errorf("store: decode trigger for %s: %w", e.CampaignID, err)
	}
	e.Trigger = tr
	e.Status = EntryStatus(status)
	e.Armed = armed != 0
	if nextMS.Valid {
		t := time.UnixMilli(nextMS.Int64).UTC()
		e.NextFireAt = &t
	}
	e.CreatedAt = time.UnixMilli(createdMS).UTC()
	e.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (Execution, error) {
	var (
		exec        Execution
		by, status  string
		startedMS   int64
		completedMS sql.NullInt64
		result      sql.NullString
		errMsg      sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.CampaignID, &by, &status, &exec.AttemptCount, &startedMS, &completedMS, &result, &errMsg)
	if err != nil {
		return Execution{}, err
	}
	exec.TriggeredBy = TriggeredBy(by)
	exec.Status = ExecStatus(status)
	exec.StartedAt = time.UnixMilli(startedMS).UTC()
	if completedMS.Valid {
		t := time.UnixMilli(completedMS.Int64).UTC()
		exec.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &exec.ResultSummary)
	}
	exec.ErrorMessage = errMsg.String
	return exec, nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
