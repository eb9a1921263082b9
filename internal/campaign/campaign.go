// Package campaign defines the read-only view of the campaign collaborator.
//
// Campaign CRUD lives outside this service; the scheduling engine only needs
// the resource class (for conflict detection) and the workflow binding (for
// dispatch).
package campaign

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("campaign not found")

// Campaign is the slice of campaign state the engine consumes.
type Campaign struct {
	ID            string
	ResourceClass string // e.g. instagram account handle
	WorkflowID    string // workflow runner binding
}

// Resolver looks up campaigns by id.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Campaign, error)
}

// StaticResolver serves a fixed campaign set, typically loaded from config.
// It is also the fake of choice in tests.
type StaticResolver struct {
	mu        sync.RWMutex
	campaigns map[string]Campaign
}

func NewStaticResolver(campaigns []Campaign) *StaticResolver {
	m := make(map[string]Campaign, len(campaigns))
	for _, c := range campaigns {
		m[c.ID] = c
	}
	return &StaticResolver{campaigns: m}
}

func (r *StaticResolver) Resolve(_ context.Context, id string) (Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

// Put adds or replaces a campaign. Used by config reload.
func (r *StaticResolver) Put(c Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

// Replace swaps the whole campaign set.
func (r *StaticResolver) Replace(campaigns []Campaign) {
	m := make(map[string]Campaign, len(campaigns))
	for _, c := range campaigns {
		m[c.ID] = c
	}
	r.mu.Lock()
	r.campaigns = m
	r.mu.Unlock()
}
