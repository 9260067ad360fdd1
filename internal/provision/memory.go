package provision

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. The
// single mutex makes every operation atomic, which is exactly the
// contract the Postgres store provides with transactions.
type InMemory struct {
	mu       sync.RWMutex
	requests map[string]*AgentRequest
	grants   map[string]*PermissionGrant
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		requests: make(map[string]*AgentRequest),
		grants:   make(map[string]*PermissionGrant),
	}
}

func (s *InMemory) CreateRequest(_ context.Context, req AgentRequest) (AgentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Duplicate-pending check and insert under one lock.
	for _, existing := range s.requests {
		if existing.RequesterID == req.RequesterID && existing.AgentID == req.AgentID && existing.Status == RequestPending {
			return AgentRequest{}, ErrConflict
		}
	}
	stored := req
	s.requests[req.ID] = &stored
	return req, nil
}

func (s *InMemory) GetRequest(_ context.Context, id string) (AgentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return AgentRequest{}, ErrNotFound
	}
	return *req, nil
}

func (s *InMemory) ListRequests(_ context.Context, filter RequestFilter) ([]AgentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentRequest
	for _, req := range s.requests {
		if filter.RequesterID != "" && req.RequesterID != filter.RequesterID {
			continue
		}
		if filter.AgentID != "" && req.AgentID != filter.AgentID {
			continue
		}
		if filter.OrganizationID != "" && req.Scope.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.NetworkID != "" && req.Scope.NetworkID != filter.NetworkID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ResolveRequest(_ context.Context, id string, res Resolution) (AgentRequest, *PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return AgentRequest{}, nil, ErrNotFound
	}
	// The terminal-state check is the concurrency guard: a concurrent
	// second resolve observes the transition and fails here.
	if req.Status != RequestPending {
		return AgentRequest{}, nil, ErrNotPending
	}
	req.Status = res.Status
	req.ReviewedBy = res.ReviewedBy
	reviewedAt := res.ReviewedAt
	req.ReviewedAt = &reviewedAt
	req.ReviewNotes = res.Notes

	var grant *PermissionGrant
	if res.Grant != nil {
		stored := *res.Grant
		s.grants[stored.ID] = &stored
		copied := stored
		grant = &copied
	}
	return *req, grant, nil
}

func (s *InMemory) CreateGrant(_ context.Context, grant PermissionGrant) (PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := grant
	s.grants[grant.ID] = &stored
	return grant, nil
}

func (s *InMemory) GetGrant(_ context.Context, id string) (PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grant, ok := s.grants[id]
	if !ok {
		return PermissionGrant{}, ErrNotFound
	}
	return *grant, nil
}

func (s *InMemory) ListGrants(_ context.Context, granteeType GranteeType, granteeID string) ([]PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PermissionGrant
	for _, grant := range s.grants {
		if grant.GranteeType == granteeType && grant.GranteeID == granteeID {
			out = append(out, *grant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) RecordUsage(_ context.Context, id, networkID string, now time.Time) (PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return PermissionGrant{}, ErrNotFound
	}
	switch grant.EffectiveStatus(now) {
	case GrantActive:
	case GrantExpired:
		return PermissionGrant{}, ErrGrantExpired
	default:
		return PermissionGrant{}, ErrGrantNotActive
	}
	if !grant.UsableFromNetwork(networkID) {
		return PermissionGrant{}, ErrPermissionDenied
	}
	if grant.Restrictions.MaxUsage > 0 && grant.Restrictions.UsageCount >= grant.Restrictions.MaxUsage {
		return PermissionGrant{}, ErrUsageLimit
	}
	grant.Restrictions.UsageCount++
	grant.UpdatedAt = now
	return *grant, nil
}

func (s *InMemory) SetGrantStatus(_ context.Context, id string, from []GrantStatus, to GrantStatus, now time.Time) (PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return PermissionGrant{}, ErrNotFound
	}
	effective := grant.EffectiveStatus(now)
	allowed := false
	for _, status := range from {
		if effective == status {
			allowed = true
			break
		}
	}
	if !allowed {
		if effective == GrantExpired {
			return PermissionGrant{}, ErrGrantExpired
		}
		return PermissionGrant{}, ErrGrantNotActive
	}
	grant.Status = to
	grant.UpdatedAt = now
	return *grant, nil
}
