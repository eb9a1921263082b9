// Package evaluator runs the scheduling control loop.
//
// One goroutine ticks on a monotonic interval; each pass fully completes
// its due-query-and-dispatch sweep before the next is taken, so due entries
// are never evaluated concurrently. Event and condition triggers bypass the
// tick loop: inbound signals fire them through the same store path.
//
// The evaluator is an explicit object with injected clock, store and
// dispatcher, so tests drive ticks deterministically.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaignd/internal/eventbus"
	"campaignd/internal/store"
	"campaignd/internal/trigger"
	logx "campaignd/pkg/logx"
)

// Clock abstracts wall-clock reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real clock.
func SystemClock() Clock { return systemClock{} }

// Dispatcher is the evaluator's handoff point: accepted executions run
// elsewhere, the evaluator never waits for completion.
type Dispatcher interface {
	Enqueue(ctx context.Context, exec *store.Execution) error
}

type Config struct {
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	clock Clock
	st    *store.Store
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	// latest metric snapshot for condition evaluation, merged across
	// ObserveMetrics calls.
	smu      sync.Mutex
	snapshot map[string]float64

	cfgCh chan struct{}
}

func New(cfg Config, clock Clock, st *store.Store, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		st:       st,
		disp:     disp,
		bus:      bus,
		log:      log,
		snapshot: map[string]float64{},
		cfgCh:    make(chan struct{}, 1),
	}
}

// Apply updates the tick interval; a running loop picks it up immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	select {
	case s.cfgCh <- struct{}{}:
	default:
	}
}

func (s *Service) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.TickInterval
}

// Run drives the tick loop until ctx is cancelled. time.Ticker is backed by
// the monotonic clock, so slow ticks do not drift the schedule.
func (s *Service) Run(ctx context.Context) {
	interval := s.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("evaluator started", logx.Duration("tick", interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("evaluator stopped")
			return
		case <-s.cfgCh:
			if iv := s.tickInterval(); iv != interval {
				interval = iv
				ticker.Reset(interval)
				s.log.Info("evaluator tick interval changed", logx.Duration("tick", interval))
			}
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// Store trouble: nothing was partially applied (each fire is
				// one transaction); the next tick retries.
				s.log.Error("evaluator tick aborted", logx.Err(err))
			}
		}
	}
}

// Tick runs one due-query-and-dispatch pass.
func (s *Service) Tick(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.st.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}

	for _, e := range due {
		if err := s.fireDue(ctx, e, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) fireDue(ctx context.Context, e store.ScheduleEntry, now time.Time) error {
	if e.NextFireAt == nil {
		return nil
	}
	dueAt := *e.NextFireAt

	// Compute the successor before dispatch. Interval recurrences advance
	// from the due fire time, not from now, so a late tick doesn't shift
	// the series. Cron takes the next match strictly after now (firing a
	// missed minute repeatedly would be worse than skipping it).
	var next *time.Time
	if e.Trigger.Kind == trigger.KindRecurring {
		base := dueAt
		if e.Trigger.Recurring != nil && e.Trigger.Recurring.IntervalType == trigger.IntervalCron {
			base = now
		}
		if n, ok := trigger.NextFire(e.Trigger, base); ok {
			next = &n
		}
	}

	exec, err := s.st.Fire(ctx, e.CampaignID, dueAt, next, store.ByScheduled)
	if errors.Is(err, store.ErrAlreadyFired) {
		// Another evaluation of the same (campaign, next_fire_at) got there
		// first; nothing to do.
		s.log.Debug("fire already claimed", logx.String("campaign", e.CampaignID), logx.Time("due", dueAt))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fire %s: %w", e.CampaignID, err)
	}

	if next != nil {
		s.publish(eventbus.TypeScheduleFired, e.CampaignID, dueAt, next)
	} else {
		s.publish(eventbus.TypeScheduleExpired, e.CampaignID, dueAt, nil)
	}
	s.log.Info("trigger fired", logx.String("campaign", e.CampaignID),
		logx.String("kind", string(e.Trigger.Kind)), logx.Time("due", dueAt))

	s.handoff(ctx, exec)
	return nil
}

// handoff passes a pending execution to the dispatcher. Dispatch errors are
// recorded on the execution, never raised back into the loop: one failing
// campaign must not halt evaluation for the rest.
func (s *Service) handoff(ctx context.Context, exec *store.Execution) {
	if err := s.disp.Enqueue(ctx, exec); err != nil {
		s.log.Warn("dispatch handoff failed", logx.String("campaign", exec.CampaignID), logx.Err(err))
	}
}

// ScheduleEvent is the bus payload for schedule.fired / schedule.expired.
type ScheduleEvent struct {
	CampaignID string     `json:"campaign_id"`
	FiredAt    time.Time  `json:"fired_at"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

func (s *Service) publish(typ, campaignID string, firedAt time.Time, next *time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ScheduleEvent{
		CampaignID: campaignID,
		FiredAt:    firedAt,
		NextFireAt: next,
	}})
}
