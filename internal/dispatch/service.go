// Package dispatch owns the execution state machine.
//
// Fired triggers and manual runs are handed to a bounded worker pool. A
// per-campaign single-flight lock guarantees at most one pending/running
// execution per campaign; a fire arriving while the campaign is busy is
// recorded as skipped, not queued, so a slow integration cannot build an
// unbounded backlog. Transient runner failures retry with exponential
// backoff on the same execution record.
package dispatch

import (
	"context"
	"sync"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/eventbus"
	"campaignd/internal/store"
	logx "campaignd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	st       *store.Store
	resolver campaign.Resolver
	runner   Runner
	bus      eventbus.Bus

	flights *flightTable

	queue    chan *store.Execution
	stopCh   chan struct{}
	workerWG sync.WaitGroup
}

func New(cfg Config, st *store.Store, resolver campaign.Resolver, runner Runner, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		st:       st,
		resolver: resolver,
		runner:   runner,
		bus:      bus,
		flights:  newFlightTable(),
	}
}

// Apply updates the retry/timeout policy. Pool size changes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan *store.Execution, s.cfg.QueueSize)

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(ctx, s.stopCh, s.queue, i)
	}
	s.log.Info("dispatcher started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("dispatcher stopped")
}

// Enqueue accepts a pending execution for a campaign.
//
// If the campaign already has an execution in flight the fire is coalesced:
// the pending record is closed out as skipped and no work is queued. The
// caller (evaluator or API) never blocks on execution.
func (s *Service) Enqueue(ctx context.Context, exec *store.Execution) error {
	s.mu.Lock()
	queue, stopCh := s.queue, s.stopCh
	s.mu.Unlock()
	if stopCh == nil {
		return ErrStopped
	}

	if !s.flights.tryAcquire(exec.CampaignID) {
		s.skip(ctx, exec, "skipped: execution already in flight")
		return nil
	}

	select {
	case queue <- exec:
		return nil
	default:
		s.flights.release(exec.CampaignID)
		s.skip(ctx, exec, "skipped: dispatcher queue full")
		return ErrQueueFull
	}
}

// skip closes out a coalesced execution record so the single-flight
// invariant (at most one pending/running per campaign) holds.
func (s *Service) skip(ctx context.Context, exec *store.Execution, reason string) {
	now := time.Now().UTC()
	exec.Status = store.ExecFailed
	exec.ErrorMessage = reason
	exec.CompletedAt = &now
	if err := s.st.UpdateExecution(ctx, exec); err != nil {
		s.log.Error("failed to record skipped execution", logx.String("execution", exec.ID), logx.Err(err))
	}
	s.log.Info("execution skipped", logx.String("campaign", exec.CampaignID), logx.String("reason", reason))
	s.publish(eventbus.TypeExecutionSkipped, exec, 0, reason, true)
}

func (s *Service) publish(typ string, exec *store.Execution, dur time.Duration, errMsg string, terminal bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ExecutionEvent{
		ExecutionID: exec.ID,
		CampaignID:  exec.CampaignID,
		Status:      string(exec.Status),
		TriggeredBy: string(exec.TriggeredBy),
		Attempts:    exec.AttemptCount,
		Duration:    dur,
		Error:       errMsg,
		Terminal:    terminal,
	}})
}
