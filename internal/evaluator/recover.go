package evaluator

import (
	"context"
	"fmt"
	"time"

	"campaignd/internal/eventbus"
	"campaignd/internal/store"
	"campaignd/internal/trigger"
	logx "campaignd/pkg/logx"
)

// Recover repairs state after a process restart, before the tick loop
// starts.
//
//   - Entries whose stored next_fire_at fell into the past during downtime
//     are advanced by walking the series forward from the stale fire time
//     (previous fire + interval, never now + interval), or expired when the
//     series ended.
//   - Executions left pending by a crash between fire-commit and dispatch
//     are re-enqueued, preserving the exactly-one-execution-per-fire
//     guarantee.
//   - Executions left running belonged to workers that no longer exist;
//     they are closed out as failed.
func (s *Service) Recover(ctx context.Context) error {
	now := s.clock.Now().UTC()

	entries, err := s.st.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("recover: list active: %w", err)
	}
	for _, e := range entries {
		if e.NextFireAt == nil || e.NextFireAt.After(now) {
			continue
		}
		next, ok := trigger.Advance(e.Trigger, *e.NextFireAt, now)
		if !ok {
			if err := s.st.UpdateNextFire(ctx, e.CampaignID, nil, true); err != nil {
				return fmt.Errorf("recover: expire %s: %w", e.CampaignID, err)
			}
			s.publish(eventbus.TypeScheduleExpired, e.CampaignID, *e.NextFireAt, nil)
			s.log.Info("schedule expired during downtime", logx.String("campaign", e.CampaignID))
			continue
		}
		if err := s.st.UpdateNextFire(ctx, e.CampaignID, &next, false); err != nil {
			return fmt.Errorf("recover: advance %s: %w", e.CampaignID, err)
		}
		s.log.Info("schedule advanced after downtime", logx.String("campaign", e.CampaignID),
			logx.Time("was", *e.NextFireAt), logx.Time("next", next))
	}

	orphaned, err := s.st.ListExecutionsByStatus(ctx, store.ExecRunning)
	if err != nil {
		return fmt.Errorf("recover: list running: %w", err)
	}
	for _, exec := range orphaned {
		exec := exec
		completed := now
		exec.Status = store.ExecFailed
		exec.ErrorMessage = "interrupted: process restart"
		exec.CompletedAt = &completed
		if err := s.st.UpdateExecution(ctx, &exec); err != nil {
			return fmt.Errorf("recover: close execution %s: %w", exec.ID, err)
		}
		s.log.Warn("closed execution orphaned by restart", logx.String("execution", exec.ID),
			logx.String("campaign", exec.CampaignID))
	}

	pending, err := s.st.ListExecutionsByStatus(ctx, store.ExecPending)
	if err != nil {
		return fmt.Errorf("recover: list pending: %w", err)
	}
	for _, exec := range pending {
		exec := exec
		// Stale pending records mean we crashed after the fire transaction
		// but before dispatch. Re-enqueue rather than re-fire: the schedule
		// already advanced.
		if now.Sub(exec.StartedAt) < time.Second {
			continue
		}
		s.log.Info("re-dispatching execution orphaned by restart", logx.String("execution", exec.ID),
			logx.String("campaign", exec.CampaignID))
		s.handoff(ctx, &exec)
	}
	return nil
}
