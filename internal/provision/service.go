package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentgrid.org/internal/audit"
	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/catalog"
	"agentgrid.org/internal/identity"
	"agentgrid.org/internal/ids"
	"agentgrid.org/internal/notify"
	"agentgrid.org/internal/obs"
)

// Service is the provisioning core: assignment evaluation, the request
// workflow, and the grant lifecycle. It is stateless over an injected
// Store and holds no background goroutines; expiry is computed lazily
// at read time.
type Service struct {
	store    Store
	policy   *authz.Policy
	identity identity.Provider
	sink     notify.Sink
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the provisioning core together.
func NewService(store Store, policy *authz.Policy, idp identity.Provider, sink notify.Sink, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("provision: store is required")
	}
	if policy == nil {
		return nil, errors.New("provision: policy is required")
	}
	if idp == nil {
		return nil, errors.New("provision: identity provider is required")
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	s := &Service{
		store:    store,
		policy:   policy,
		identity: idp,
		sink:     sink,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) subject(ctx context.Context, id string) (authz.Subject, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return authz.Subject{}, fmt.Errorf("%w: subject id is required", ErrInvalidArgument)
	}
	sub, err := s.identity.Subject(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return authz.Subject{}, fmt.Errorf("%w: subject %s", ErrNotFound, id)
	}
	return sub, err
}

func (s *Service) evaluate(ctx context.Context, subject authz.Subject, agentID string, scope authz.Scope) (authz.Decision, error) {
	decision, err := s.policy.Evaluate(ctx, subject, agentID, scope)
	if errors.Is(err, catalog.ErrNotFound) {
		return authz.Decision{}, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return authz.Decision{}, err
	}
	obs.CountDecision(string(decision.Effect))
	return decision, nil
}

// Evaluate answers "can subject obtain this agent in this scope" with
// no side effects.
func (s *Service) Evaluate(ctx context.Context, subjectID, agentID string, scope authz.Scope) (authz.Decision, error) {
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return authz.Decision{}, err
	}
	return s.evaluate(ctx, subject, agentID, scope)
}

// Submit files an approval request. The agent must actually require
// approval for this subject: direct-grantable tiers are rejected so the
// caller grants directly instead, and denied combinations never enter
// the queue.
func (s *Service) Submit(ctx context.Context, subjectID, agentID string, scope authz.Scope, reason string) (AgentRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return AgentRequest{}, fmt.Errorf("%w: reason is required", ErrInvalidArgument)
	}
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return AgentRequest{}, err
	}
	decision, err := s.evaluate(ctx, subject, agentID, scope)
	if err != nil {
		return AgentRequest{}, err
	}
	switch decision.Effect {
	case authz.EffectApprovalRequired:
	case authz.EffectDirectGrant:
		return AgentRequest{}, fmt.Errorf("%w: agent is directly grantable, no approval needed", ErrInvalidArgument)
	default:
		return AgentRequest{}, fmt.Errorf("%w: subject may not request this agent", ErrPermissionDenied)
	}

	req := AgentRequest{
		ID:           ids.New(),
		RequesterID:  subject.ID,
		AgentID:      agentID,
		Scope:        scope,
		Status:       RequestPending,
		Reason:       reason,
		ResolverRole: decision.ResolverRole,
		CreatedAt:    s.now(),
	}
	created, err := s.store.CreateRequest(ctx, req)
	if err != nil {
		return AgentRequest{}, err
	}
	_ = audit.LogEvent(ctx, "request.submit", map[string]any{
		"request_id":    created.ID,
		"agent_id":      agentID,
		"requester_id":  subject.ID,
		"resolver_role": string(created.ResolverRole),
	})
	return created, nil
}

// Resolve transitions a pending request to approved or denied. Approval
// atomically materializes a grant for the requester; both outcomes
// notify the requester exactly once, and a notification failure never
// rolls back the resolution.
func (s *Service) Resolve(ctx context.Context, reviewerID, requestID string, decision ReviewDecision, notes string) (AgentRequest, error) {
	if decision != ReviewApprove && decision != ReviewDeny {
		return AgentRequest{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidArgument, decision)
	}
	reviewer, err := s.subject(ctx, reviewerID)
	if err != nil {
		return AgentRequest{}, err
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return AgentRequest{}, err
	}
	if req.Status != RequestPending {
		return AgentRequest{}, ErrNotPending
	}
	if !reviewer.Role.Satisfies(req.ResolverRole) {
		return AgentRequest{}, fmt.Errorf("%w: resolving requires %s", ErrPermissionDenied, req.ResolverRole)
	}
	if !authz.InScope(reviewer, req.Scope) {
		return AgentRequest{}, fmt.Errorf("%w: reviewer is outside the request scope", ErrPermissionDenied)
	}

	now := s.now()
	res := Resolution{
		ReviewedBy: reviewer.ID,
		ReviewedAt: now,
		Notes:      strings.TrimSpace(notes),
	}
	if decision == ReviewApprove {
		res.Status = RequestApproved
		res.Grant = &PermissionGrant{
			ID:             ids.New(),
			AgentID:        req.AgentID,
			GranteeType:    GranteeUser,
			GranteeID:      req.RequesterID,
			OrganizationID: req.Scope.OrganizationID,
			GrantedBy:      reviewer.ID,
			GrantedByRole:  reviewer.Role,
			Status:         GrantActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	} else {
		res.Status = RequestDenied
	}

	resolved, grant, err := s.store.ResolveRequest(ctx, requestID, res)
	if err != nil {
		return AgentRequest{}, err
	}
	obs.CountResolution(string(resolved.Status))

	event := notify.Event{
		Kind:      notify.EventRequestDenied,
		AgentID:   resolved.AgentID,
		RequestID: resolved.ID,
	}
	if grant != nil {
		event.Kind = notify.EventRequestApproved
		event.GrantID = grant.ID
	}
	if err := s.sink.Notify(ctx, resolved.RequesterID, event); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "notification failed",
			"user":  resolved.RequesterID,
			"err":   err.Error(),
		})
	}

	fields := map[string]any{
		"request_id": resolved.ID,
		"outcome":    string(resolved.Status),
		"reviewer":   reviewer.ID,
	}
	if grant != nil {
		fields["grant_id"] = grant.ID
	}
	_ = audit.LogEvent(ctx, "request.resolve", fields)
	return resolved, nil
}

// GrantDirect evaluates the policy and, on a direct-grant decision,
// creates the grant in one call. Admins can address grants to a whole
// network or company; that requires the matching rank and scope.
func (s *Service) GrantDirect(ctx context.Context, subjectID, agentID string, scope authz.Scope, granteeType GranteeType, granteeID string, restrictions Restrictions) (PermissionGrant, error) {
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return PermissionGrant{}, err
	}
	decision, err := s.evaluate(ctx, subject, agentID, scope)
	if err != nil {
		return PermissionGrant{}, err
	}
	switch decision.Effect {
	case authz.EffectDirectGrant:
	case authz.EffectApprovalRequired:
		return PermissionGrant{}, fmt.Errorf("%w: agent requires approval by %s", ErrPermissionDenied, decision.ResolverRole)
	default:
		return PermissionGrant{}, fmt.Errorf("%w: subject may not provision this agent", ErrPermissionDenied)
	}

	if granteeType == "" {
		granteeType = GranteeUser
	}
	if granteeID == "" && granteeType == GranteeUser {
		granteeID = subject.ID
	}
	switch granteeType {
	case GranteeUser:
		if granteeID != subject.ID {
			if _, err := s.identity.Subject(ctx, granteeID); errors.Is(err, identity.ErrNotFound) {
				return PermissionGrant{}, fmt.Errorf("%w: grantee %s", ErrNotFound, granteeID)
			} else if err != nil {
				return PermissionGrant{}, err
			}
			if !subject.Role.Satisfies(authz.RoleNetworkAdmin) {
				return PermissionGrant{}, fmt.Errorf("%w: granting to another user requires %s", ErrPermissionDenied, authz.RoleNetworkAdmin)
			}
		}
	case GranteeNetwork:
		if !subject.Role.Satisfies(authz.RoleNetworkAdmin) {
			return PermissionGrant{}, fmt.Errorf("%w: network grants require %s", ErrPermissionDenied, authz.RoleNetworkAdmin)
		}
		if _, err := s.identity.Network(ctx, scope.OrganizationID, granteeID); errors.Is(err, identity.ErrNotFound) {
			return PermissionGrant{}, fmt.Errorf("%w: network %s", ErrNotFound, granteeID)
		} else if err != nil {
			return PermissionGrant{}, err
		}
		if !authz.InNetwork(subject, scope.OrganizationID, granteeID) {
			return PermissionGrant{}, fmt.Errorf("%w: network is outside the subject's scope", ErrPermissionDenied)
		}
	case GranteeCompany:
		if !subject.Role.Satisfies(authz.RoleCompanyAdmin) {
			return PermissionGrant{}, fmt.Errorf("%w: company grants require %s", ErrPermissionDenied, authz.RoleCompanyAdmin)
		}
		if granteeID != scope.OrganizationID {
			return PermissionGrant{}, fmt.Errorf("%w: company grantee must match the target organization", ErrInvalidArgument)
		}
	default:
		return PermissionGrant{}, fmt.Errorf("%w: unknown grantee type %q", ErrInvalidArgument, granteeType)
	}

	now := s.now()
	if restrictions.MaxUsage < 0 {
		return PermissionGrant{}, fmt.Errorf("%w: max_usage must not be negative", ErrInvalidArgument)
	}
	if restrictions.ExpiresAt != nil && !restrictions.ExpiresAt.After(now) {
		return PermissionGrant{}, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidArgument)
	}
	restrictions.UsageCount = 0

	grant := PermissionGrant{
		ID:             ids.New(),
		AgentID:        agentID,
		GranteeType:    granteeType,
		GranteeID:      granteeID,
		OrganizationID: scope.OrganizationID,
		GrantedBy:      subject.ID,
		GrantedByRole:  subject.Role,
		Restrictions:   restrictions,
		Status:         GrantActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := s.store.CreateGrant(ctx, grant)
	if err != nil {
		return PermissionGrant{}, err
	}
	_ = audit.LogEvent(ctx, "grant.create", map[string]any{
		"grant_id":     created.ID,
		"agent_id":     agentID,
		"grantee_type": string(granteeType),
		"grantee_id":   granteeID,
		"granted_by":   subject.ID,
	})
	return created, nil
}

// RecordUsage increments a grant's usage counter. networkID is the
// network the use originates from and is checked against the grant's
// allowed_networks restriction; pass it empty when acting outside any
// network context.
func (s *Service) RecordUsage(ctx context.Context, grantID, networkID string) (PermissionGrant, error) {
	grant, err := s.store.RecordUsage(ctx, grantID, networkID, s.now())
	if err != nil {
		return PermissionGrant{}, err
	}
	obs.CountGrantUsage()
	_ = audit.LogEvent(ctx, "grant.usage", map[string]any{
		"grant_id":    grant.ID,
		"usage_count": grant.Restrictions.UsageCount,
	})
	return grant, nil
}

func (s *Service) setGrantStatus(ctx context.Context, byID, grantID string, from []GrantStatus, to GrantStatus, event string, kind string) (PermissionGrant, error) {
	by, err := s.subject(ctx, byID)
	if err != nil {
		return PermissionGrant{}, err
	}
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return PermissionGrant{}, err
	}
	// Only a role at least as high as the granting role may touch the
	// grant afterwards.
	if by.Role.Rank() < grant.GrantedByRole.Rank() {
		return PermissionGrant{}, fmt.Errorf("%w: requires at least %s", ErrPermissionDenied, grant.GrantedByRole)
	}
	updated, err := s.store.SetGrantStatus(ctx, grantID, from, to, s.now())
	if err != nil {
		return PermissionGrant{}, err
	}
	_ = audit.LogEvent(ctx, event, map[string]any{
		"grant_id": updated.ID,
		"by":       by.ID,
	})
	if kind != "" && updated.GranteeType == GranteeUser {
		if err := s.sink.Notify(ctx, updated.GranteeID, notify.Event{
			Kind:    kind,
			AgentID: updated.AgentID,
			GrantID: updated.ID,
		}); err != nil {
			obs.LogRequest(map[string]any{
				"level": "warn",
				"msg":   "notification failed",
				"user":  updated.GranteeID,
				"err":   err.Error(),
			})
		}
	}
	return updated, nil
}

// Revoke permanently disables a grant.
func (s *Service) Revoke(ctx context.Context, byID, grantID string) (PermissionGrant, error) {
	return s.setGrantStatus(ctx, byID, grantID, []GrantStatus{GrantActive, GrantSuspended}, GrantRevoked, "grant.revoke", notify.EventGrantRevoked)
}

// Suspend temporarily disables an active grant.
func (s *Service) Suspend(ctx context.Context, byID, grantID string) (PermissionGrant, error) {
	return s.setGrantStatus(ctx, byID, grantID, []GrantStatus{GrantActive}, GrantSuspended, "grant.suspend", notify.EventGrantSuspended)
}

// Reinstate returns a suspended grant to active. An expired grant stays
// expired.
func (s *Service) Reinstate(ctx context.Context, byID, grantID string) (PermissionGrant, error) {
	return s.setGrantStatus(ctx, byID, grantID, []GrantStatus{GrantSuspended}, GrantActive, "grant.reinstate", "")
}

// GetRequest returns a request visible to the caller: its requester, or
// an admin qualified and scoped to resolve it.
func (s *Service) GetRequest(ctx context.Context, callerID, requestID string) (AgentRequest, error) {
	caller, err := s.subject(ctx, callerID)
	if err != nil {
		return AgentRequest{}, err
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return AgentRequest{}, err
	}
	if req.RequesterID == caller.ID {
		return req, nil
	}
	if caller.Role.Satisfies(req.ResolverRole) && authz.InScope(caller, req.Scope) {
		return req, nil
	}
	return AgentRequest{}, fmt.Errorf("%w: request is not visible to the caller", ErrPermissionDenied)
}

// PendingQueue lists pending requests the reviewer may act on, confined
// to the reviewer's own scope. Super admins see every pending request.
func (s *Service) PendingQueue(ctx context.Context, reviewerID string) ([]AgentRequest, error) {
	reviewer, err := s.subject(ctx, reviewerID)
	if err != nil {
		return nil, err
	}
	if !reviewer.Role.Satisfies(authz.RoleNetworkAdmin) {
		return nil, fmt.Errorf("%w: the review queue requires %s", ErrPermissionDenied, authz.RoleNetworkAdmin)
	}
	filter := RequestFilter{Status: RequestPending}
	switch reviewer.Role {
	case authz.RoleSuperAdmin:
	case authz.RoleCompanyAdmin:
		filter.OrganizationID = reviewer.OrganizationID
	default:
		filter.OrganizationID = reviewer.OrganizationID
		filter.NetworkID = reviewer.NetworkID
	}
	requests, err := s.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	// Keep only what the reviewer could actually resolve.
	out := requests[:0]
	for _, req := range requests {
		if reviewer.Role.Satisfies(req.ResolverRole) {
			out = append(out, req)
		}
	}
	return out, nil
}

// GetGrant returns a grant visible to the caller: its user grantee, or
// an admin of the grant's organization.
func (s *Service) GetGrant(ctx context.Context, callerID, grantID string) (PermissionGrant, error) {
	caller, err := s.subject(ctx, callerID)
	if err != nil {
		return PermissionGrant{}, err
	}
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return PermissionGrant{}, err
	}
	grant.Status = grant.EffectiveStatus(s.now())
	if grant.GranteeType == GranteeUser && grant.GranteeID == caller.ID {
		return grant, nil
	}
	if caller.Role.Satisfies(authz.RoleNetworkAdmin) && authz.InOrganization(caller, grant.OrganizationID) {
		return grant, nil
	}
	return PermissionGrant{}, fmt.Errorf("%w: grant is not visible to the caller", ErrPermissionDenied)
}

// Summarize aggregates the grants that currently apply to a subject
// (their own, their network's, and their company's) together with their
// pending requests. It is a pure read.
func (s *Service) Summarize(ctx context.Context, subjectID string) (Summary, error) {
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return Summary{}, err
	}
	now := s.now()

	summary := Summary{SubjectID: subject.ID}
	sources := []struct {
		granteeType GranteeType
		granteeID   string
	}{
		{GranteeUser, subject.ID},
		{GranteeNetwork, subject.NetworkID},
		{GranteeCompany, subject.OrganizationID},
	}
	for _, src := range sources {
		if src.granteeID == "" || (src.granteeType == GranteeCompany && isSentinelOrgID(src.granteeID)) {
			continue
		}
		grants, err := s.store.ListGrants(ctx, src.granteeType, src.granteeID)
		if err != nil {
			return Summary{}, err
		}
		for _, grant := range grants {
			if grant.EffectiveStatus(now) != GrantActive {
				continue
			}
			grant.Status = GrantActive
			summary.ActiveGrants = append(summary.ActiveGrants, grant)
		}
	}

	pending, err := s.store.ListRequests(ctx, RequestFilter{RequesterID: subject.ID, Status: RequestPending})
	if err != nil {
		return Summary{}, err
	}
	summary.PendingRequests = pending
	return summary, nil
}

func isSentinelOrgID(id string) bool {
	return id == authz.OrgUnassigned || id == authz.OrgPendingAssignment
}
