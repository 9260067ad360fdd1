package authz

import "context"

// Effect is the outcome class of an assignment evaluation.
type Effect string

const (
	EffectDenied           Effect = "denied"
	EffectDirectGrant      Effect = "direct_grant"
	EffectApprovalRequired Effect = "approval_required"
)

// Decision is the result of evaluating whether a subject may be
// provisioned an agent. ResolverRole is populated only when Effect is
// EffectApprovalRequired and names the minimum role that may resolve
// the resulting request.
type Decision struct {
	Effect       Effect `json:"effect"`
	ResolverRole Role   `json:"resolver_role,omitempty"`
}

// TierResolver looks up the provisioning tier of an agent. The catalog
// package provides the concrete implementations.
type TierResolver interface {
	TierOf(ctx context.Context, agentID string) (Tier, error)
}

// Policy maps (subject, agent, target scope) to a Decision. It holds no
// state beyond the tier resolver and performs no side effects; callers
// act on the decision.
type Policy struct {
	tiers TierResolver
}

// NewPolicy constructs a Policy over the given tier resolver.
func NewPolicy(tiers TierResolver) *Policy {
	return &Policy{tiers: tiers}
}

// Evaluate decides how subject may obtain agentID within target.
//
// The tier table is authoritative:
//   - free: self-service, direct grant within the subject's own scope
//   - premium: direct grant at network_admin rank and above, approval
//     by a network_admin otherwise
//   - enterprise: approval by a super_admin for everyone below
//     super_admin; enterprise provisioning is never self-approved by a
//     company admin
//
// Scope containment is checked before the tier table: a subject cannot
// provision outside their own scope regardless of tier.
func (p *Policy) Evaluate(ctx context.Context, subject Subject, agentID string, target Scope) (Decision, error) {
	tier, err := p.tiers.TierOf(ctx, agentID)
	if err != nil {
		return Decision{}, err
	}
	if !InScope(subject, target) {
		return Decision{Effect: EffectDenied}, nil
	}
	switch tier {
	case TierFree:
		return Decision{Effect: EffectDirectGrant}, nil
	case TierPremium:
		if subject.Role.Rank() >= RoleNetworkAdmin.Rank() {
			return Decision{Effect: EffectDirectGrant}, nil
		}
		return Decision{Effect: EffectApprovalRequired, ResolverRole: RoleNetworkAdmin}, nil
	case TierEnterprise:
		if subject.Role == RoleSuperAdmin {
			return Decision{Effect: EffectDirectGrant}, nil
		}
		return Decision{Effect: EffectApprovalRequired, ResolverRole: RoleSuperAdmin}, nil
	}
	// Unknown tiers deny; the catalog should never produce one.
	return Decision{Effect: EffectDenied}, nil
}
