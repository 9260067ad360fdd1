package provision

import (
	"context"
	"time"
)

// RequestFilter narrows request listings. Zero fields match everything.
type RequestFilter struct {
	RequesterID    string
	AgentID        string
	OrganizationID string
	NetworkID      string
	Status         RequestStatus
}

// Resolution carries a terminal transition for a pending request. When
// Grant is non-nil it must be inserted in the same transaction as the
// status change: a request must never end up approved without its
// grant, or the other way around.
type Resolution struct {
	Status     RequestStatus
	ReviewedBy string
	ReviewedAt time.Time
	Notes      string
	Grant      *PermissionGrant
}

// Store is the persistence boundary of the provisioning core. Any
// transactional implementation satisfies it; the in-memory variant
// backs tests and storeless development.
//
// Atomicity contract:
//   - CreateRequest treats the duplicate-pending check and the insert
//     as one unit and returns ErrConflict when a pending request for
//     the same (requester, agent) already exists.
//   - ResolveRequest transitions only from pending and inserts the
//     grant in the same transaction; a non-pending request yields
//     ErrNotPending, a missing one ErrNotFound.
//   - RecordUsage is an atomic increment-with-check serialized per
//     grant.
type Store interface {
	CreateRequest(ctx context.Context, req AgentRequest) (AgentRequest, error)
	GetRequest(ctx context.Context, id string) (AgentRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]AgentRequest, error)
	ResolveRequest(ctx context.Context, id string, res Resolution) (AgentRequest, *PermissionGrant, error)

	CreateGrant(ctx context.Context, grant PermissionGrant) (PermissionGrant, error)
	GetGrant(ctx context.Context, id string) (PermissionGrant, error)
	ListGrants(ctx context.Context, granteeType GranteeType, granteeID string) ([]PermissionGrant, error)
	RecordUsage(ctx context.Context, id, networkID string, now time.Time) (PermissionGrant, error)
	SetGrantStatus(ctx context.Context, id string, from []GrantStatus, to GrantStatus, now time.Time) (PermissionGrant, error)
}
