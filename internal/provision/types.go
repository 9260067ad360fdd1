package provision

import (
	"errors"
	"time"

	"agentgrid.org/internal/authz"
)

// Error taxonomy returned to callers. The HTTP layer translates these
// into status codes; the core never formats user-facing text.
var (
	ErrNotFound         = errors.New("provision: not found")
	ErrInvalidArgument  = errors.New("provision: invalid argument")
	ErrConflict         = errors.New("provision: conflict")
	ErrNotPending       = errors.New("provision: request is not pending")
	ErrPermissionDenied = errors.New("provision: permission denied")
	ErrUsageLimit       = errors.New("provision: usage limit exceeded")
	ErrGrantExpired     = errors.New("provision: grant expired")
	ErrGrantNotActive   = errors.New("provision: grant not active")
)

// RequestStatus is the state of an approval request. Pending is the
// only non-terminal state.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// GrantStatus is the stored state of a permission grant. Expired is
// additionally computed lazily at read time from ExpiresAt; there is no
// background sweep.
type GrantStatus string

const (
	GrantActive    GrantStatus = "active"
	GrantSuspended GrantStatus = "suspended"
	GrantExpired   GrantStatus = "expired"
	GrantRevoked   GrantStatus = "revoked"
)

// GranteeType says who a grant applies to: a single user, every member
// of a network, or a whole company.
type GranteeType string

const (
	GranteeUser    GranteeType = "user"
	GranteeNetwork GranteeType = "network"
	GranteeCompany GranteeType = "company"
)

// ReviewDecision is the reviewer's verdict on a pending request.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewDeny    ReviewDecision = "deny"
)

// Restrictions bound a grant's use. Zero MaxUsage means unlimited, a
// nil ExpiresAt means no expiry, an empty AllowedNetworks means any
// network of the grant's organization.
type Restrictions struct {
	MaxUsage        int        `json:"max_usage,omitempty"`
	UsageCount      int        `json:"usage_count"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	AllowedNetworks []string   `json:"allowed_networks,omitempty"`
}

// PermissionGrant is an active permission to use an agent. Grants are
// created either directly (free tier, admin grants) or by approving a
// request; they are mutated only by usage counting and by explicit
// suspend/revoke calls.
type PermissionGrant struct {
	ID             string       `json:"id"`
	AgentID        string       `json:"agent_id"`
	GranteeType    GranteeType  `json:"grantee_type"`
	GranteeID      string       `json:"grantee_id"`
	OrganizationID string       `json:"organization_id"`
	GrantedBy      string       `json:"granted_by"`
	GrantedByRole  authz.Role   `json:"granted_by_role"`
	Restrictions   Restrictions `json:"restrictions"`
	Status         GrantStatus  `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// EffectiveStatus folds lazy expiry into the stored status: an active
// grant past its expiry reads as expired without ever being written.
func (g PermissionGrant) EffectiveStatus(now time.Time) GrantStatus {
	if g.Status == GrantActive && g.Restrictions.ExpiresAt != nil && now.After(*g.Restrictions.ExpiresAt) {
		return GrantExpired
	}
	return g.Status
}

// UsableFromNetwork reports whether the grant's network restriction
// admits the given network. An empty restriction admits any.
func (g PermissionGrant) UsableFromNetwork(networkID string) bool {
	if len(g.Restrictions.AllowedNetworks) == 0 {
		return true
	}
	for _, allowed := range g.Restrictions.AllowedNetworks {
		if allowed == networkID {
			return true
		}
	}
	return false
}

// AgentRequest is a pending or resolved approval request. Resolved
// requests are never deleted; they are retained for audit.
type AgentRequest struct {
	ID           string        `json:"id"`
	RequesterID  string        `json:"requester_id"`
	AgentID      string        `json:"agent_id"`
	Scope        authz.Scope   `json:"scope"`
	Status       RequestStatus `json:"status"`
	Reason       string        `json:"reason"`
	ResolverRole authz.Role    `json:"resolver_role"`
	ReviewedBy   string        `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time    `json:"reviewed_at,omitempty"`
	ReviewNotes  string        `json:"review_notes,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Summary is the read-only aggregation of a subject's standing:
// grants that currently apply to them plus their pending requests.
type Summary struct {
	SubjectID       string            `json:"subject_id"`
	ActiveGrants    []PermissionGrant `json:"active_grants"`
	PendingRequests []AgentRequest    `json:"pending_requests"`
}
