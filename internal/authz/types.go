package authz

import "time"

// Sentinel organization ids describing a user that has not yet been
// placed into a tenant. A subject carrying one of these satisfies no
// organization-scoped check.
const (
	OrgUnassigned        = "unassigned"
	OrgPendingAssignment = "pending-assignment"
)

// Subject is the acting user: identity plus role and tenant scope.
// NetworkID is populated only for network admins.
type Subject struct {
	ID             string `json:"id" yaml:"id"`
	Role           Role   `json:"role" yaml:"role"`
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	NetworkID      string `json:"network_id,omitempty" yaml:"network_id,omitempty"`
}

// Organization is a tenant. Networks are the sub-scopes it contains.
type Organization struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Networks  []Network `json:"networks,omitempty" yaml:"networks,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
}

// Network is a sub-scope of an organization.
type Network struct {
	ID             string `json:"id" yaml:"id"`
	OrganizationID string `json:"organization_id" yaml:"organization_id,omitempty"`
	Name           string `json:"name" yaml:"name"`
}

// Scope identifies the (organization, network?) pair an operation is
// targeted at. An empty NetworkID means organization-wide.
type Scope struct {
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	NetworkID      string `json:"network_id,omitempty" yaml:"network_id,omitempty"`
}

// Tier is an agent's provisioning class. It determines the assignment
// policy and is immutable once the agent is published.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierEnterprise:
		return true
	}
	return false
}
