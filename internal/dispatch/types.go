package dispatch

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Config controls the execution dispatcher.
//
// Work is I/O-bound against external APIs, so the default pool size is a
// multiple of the core count.
type Config struct {
	Workers   int
	QueueSize int

	// ExecTimeout bounds one workflow runner call.
	ExecTimeout time.Duration

	// MaxAttempts is the total number of tries per execution (first run
	// plus retries).
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0) * 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// ResultSummary is the runner's opaque result, stored verbatim.
type ResultSummary = map[string]any

// Runner is the external workflow runner boundary. Run is synchronous from
// the dispatcher's perspective; the runner itself may be async behind it.
type Runner interface {
	Run(ctx context.Context, campaignID, executionID, workflowID string) (ResultSummary, error)
}

// RunnerFunc adapts a function to Runner (handy in tests).
type RunnerFunc func(ctx context.Context, campaignID, executionID, workflowID string) (ResultSummary, error)

func (f RunnerFunc) Run(ctx context.Context, campaignID, executionID, workflowID string) (ResultSummary, error) {
	return f(ctx, campaignID, executionID, workflowID)
}

// ExecutionEvent is the bus payload for execution lifecycle events.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id"`
	CampaignID  string        `json:"campaign_id"`
	Status      string        `json:"status"`
	TriggeredBy string        `json:"triggered_by"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
	// Terminal is set when no further attempts will happen.
	Terminal bool `json:"terminal,omitempty"`
}

// flightTable is the per-campaign single-flight lock: campaign id -> held.
// One mutex guards the whole map; contention is negligible at the expected
// cardinality (thousands of campaigns, not millions).
type flightTable struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newFlightTable() *flightTable {
	return &flightTable{inflight: map[string]struct{}{}}
}

func (f *flightTable) tryAcquire(campaignID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.inflight[campaignID]; held {
		return false
	}
	f.inflight[campaignID] = struct{}{}
	return true
}

func (f *flightTable) release(campaignID string) {
	f.mu.Lock()
	delete(f.inflight, campaignID)
	f.mu.Unlock()
}
