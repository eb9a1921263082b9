package evaluator

import (
	"context"
	"errors"
	"fmt"

	"campaignd/internal/store"
	"campaignd/internal/trigger"
	logx "campaignd/pkg/logx"
)

// SignalEvent fires every active event trigger whose event_name matches
// and whose webhook secret (when set) equals the presented one; a mismatch
// skips that entry without blocking the others. Returns the number of
// campaigns fired. The payload is recorded for logging only; the workflow
// runner receives the campaign binding, not the raw webhook body.
func (s *Service) SignalEvent(ctx context.Context, eventName, secret string, payload map[string]any) (int, error) {
	entries, err := s.st.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}

	fired := 0
	for _, e := range entries {
		if e.Trigger.Kind != trigger.KindEvent || e.Trigger.Event == nil {
			continue
		}
		if e.Trigger.Event.EventName != eventName {
			continue
		}
		if e.Trigger.Event.WebhookSecret != "" && e.Trigger.Event.WebhookSecret != secret {
			s.log.Warn("webhook secret mismatch", logx.String("campaign", e.CampaignID),
				logx.String("event", eventName))
			continue
		}
		exec, err := s.st.FireSignal(ctx, e.CampaignID, false, store.ByEvent)
		if errors.Is(err, store.ErrAlreadyFired) {
			continue
		}
		if err != nil {
			return fired, fmt.Errorf("fire %s: %w", e.CampaignID, err)
		}
		fired++
		s.log.Info("event trigger fired", logx.String("campaign", e.CampaignID),
			logx.String("event", eventName), logx.Int("payload_keys", len(payload)))
		s.handoff(ctx, exec)
	}
	return fired, nil
}

// ObserveMetrics merges a metric sample batch into the latest snapshot and
// evaluates every active condition trigger against it.
//
// Condition triggers are edge-triggered: a trigger whose predicates all
// hold fires once and disarms; it re-arms only after a sample shows any
// predicate false. Entries referencing a metric absent from the snapshot
// are left untouched (neither fired nor re-armed).
func (s *Service) ObserveMetrics(ctx context.Context, samples map[string]float64) (int, error) {
	s.smu.Lock()
	for k, v := range samples {
		s.snapshot[k] = v
	}
	snap := make(map[string]float64, len(s.snapshot))
	for k, v := range s.snapshot {
		snap[k] = v
	}
	s.smu.Unlock()

	entries, err := s.st.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}

	fired := 0
	for _, e := range entries {
		if e.Trigger.Kind != trigger.KindCondition || e.Trigger.Condition == nil {
			continue
		}

		satisfied, known := evalPredicates(e.Trigger.Condition.Predicates, snap)
		if !known {
			continue
		}

		if !satisfied {
			if !e.Armed {
				if err := s.st.Rearm(ctx, e.CampaignID); err != nil {
					return fired, fmt.Errorf("rearm %s: %w", e.CampaignID, err)
				}
				s.log.Debug("condition trigger re-armed", logx.String("campaign", e.CampaignID))
			}
			continue
		}
		if !e.Armed {
			// Sustained true: already fired for this crossing.
			continue
		}

		exec, err := s.st.FireSignal(ctx, e.CampaignID, true, store.ByCondition)
		if errors.Is(err, store.ErrAlreadyFired) {
			continue
		}
		if err != nil {
			return fired, fmt.Errorf("fire %s: %w", e.CampaignID, err)
		}
		fired++
		s.log.Info("condition trigger fired", logx.String("campaign", e.CampaignID))
		s.handoff(ctx, exec)
	}
	return fired, nil
}

// evalPredicates evaluates the AND of all predicates against the snapshot.
// known is false when any referenced metric has no sample yet.
func evalPredicates(preds []trigger.Predicate, snap map[string]float64) (satisfied, known bool) {
	for _, p := range preds {
		v, ok := snap[p.Metric]
		if !ok {
			return false, false
		}
		if !p.Eval(v) {
			return false, true
		}
	}
	return true, true
}
