package identity

import (
	"context"
	"errors"

	"agentgrid.org/internal/authz"
)

var (
	ErrNotFound = errors.New("identity: not found")
	ErrInvalid  = errors.New("identity: invalid directory")
)

// Provider resolves subjects and tenants. The provisioning core does
// not own identity data; it is injected with a Provider and treats it
// as read-only.
type Provider interface {
	Subject(ctx context.Context, id string) (authz.Subject, error)
	Organization(ctx context.Context, id string) (authz.Organization, error)
	Network(ctx context.Context, orgID, networkID string) (authz.Network, error)
}
