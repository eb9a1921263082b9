// Package conflict detects collisions between time-positioned schedules.
//
// Two schedules conflict when fire times for overlapping resource classes
// (e.g. the same Instagram account) fall within the configured separation
// window. Conflicts are surfaced to the caller, never auto-resolved:
// marketing timing belongs to the user.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/store"
	"campaignd/internal/trigger"
	logx "campaignd/pkg/logx"
)

// Config is policy, not contract: the window and projection horizon are
// deployment-tunable.
type Config struct {
	Window  time.Duration // minimum separation between fire times
	Horizon int           // projected occurrences checked per recurring trigger
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Horizon <= 0 {
		c.Horizon = 10
	}
	return c
}

// Error reports the first collision found.
type Error struct {
	ConflictingCampaignID string
	ConflictingTime       time.Time
	Window                time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("schedule conflicts with campaign %s at %s (separation window %s)",
		e.ConflictingCampaignID, e.ConflictingTime.Format(time.RFC3339), e.Window)
}

type Detector struct {
	mu       sync.RWMutex
	cfg      Config
	store    *store.Store
	resolver campaign.Resolver
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, st *store.Store, resolver campaign.Resolver, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{cfg: cfg.withDefaults(), store: st, resolver: resolver, log: log, now: time.Now}
}

// Apply swaps the policy (config hot reload).
func (d *Detector) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

// Check reports whether the candidate trigger collides with any existing
// active schedule. Event and condition triggers are not time-positioned and
// never conflict. Recurring triggers are compared over their next Horizon
// occurrences, bounding cost.
func (d *Detector) Check(ctx context.Context, campaignID string, tr trigger.Trigger) error {
	if !tr.Kind.TimePositioned() {
		return nil
	}
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	cand, err := d.resolver.Resolve(ctx, campaignID)
	if err != nil {
		return err
	}
	if cand.ResourceClass == "" {
		// Unclassed campaigns cannot overlap anything.
		return nil
	}

	now := d.now().UTC()
	candTimes := trigger.Project(tr, now, cfg.Horizon)
	if len(candTimes) == 0 {
		return nil
	}

	entries, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("conflict: list schedules: %w", err)
	}

	for _, e := range entries {
		if e.CampaignID == campaignID || !e.Trigger.Kind.TimePositioned() {
			continue
		}
		other, err := d.resolver.Resolve(ctx, e.CampaignID)
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				// Stale entry for a deleted campaign; skip rather than block scheduling.
				d.log.Warn("conflict check skipping unknown campaign", logx.String("campaign", e.CampaignID))
				continue
			}
			return err
		}
		if other.ResourceClass == "" || other.ResourceClass != cand.ResourceClass {
			continue
		}
		otherTimes := trigger.Project(e.Trigger, now, cfg.Horizon)
		for _, ct := range candTimes {
			for _, ot := range otherTimes {
				if separation(ct, ot) < cfg.Window {
					return &Error{
						ConflictingCampaignID: e.CampaignID,
						ConflictingTime:       ot,
						Window:                cfg.Window,
					}
				}
			}
		}
	}
	return nil
}

func separation(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}
