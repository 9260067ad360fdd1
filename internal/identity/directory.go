package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"agentgrid.org/internal/authz"
)

// Directory is an in-process Provider seeded from a YAML file or built
// directly in tests. Referential integrity is enforced at construction:
// every network must belong to a declared organization and every
// subject with a network must name a network of its own organization.
type Directory struct {
	mu       sync.RWMutex
	subjects map[string]authz.Subject
	orgs     map[string]authz.Organization
	networks map[string]authz.Network
}

var _ Provider = (*Directory)(nil)

type directoryFile struct {
	Organizations []authz.Organization `yaml:"organizations"`
	Subjects      []authz.Subject      `yaml:"subjects"`
}

// NewDirectory validates and indexes the given tenants and subjects.
func NewDirectory(orgs []authz.Organization, subjects []authz.Subject) (*Directory, error) {
	d := &Directory{
		subjects: make(map[string]authz.Subject, len(subjects)),
		orgs:     make(map[string]authz.Organization, len(orgs)),
		networks: make(map[string]authz.Network),
	}
	for _, org := range orgs {
		if org.ID == "" {
			return nil, fmt.Errorf("%w: organization without id", ErrInvalid)
		}
		if _, dup := d.orgs[org.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate organization %s", ErrInvalid, org.ID)
		}
		for i := range org.Networks {
			net := org.Networks[i]
			if net.ID == "" {
				return nil, fmt.Errorf("%w: network without id in organization %s", ErrInvalid, org.ID)
			}
			if net.OrganizationID == "" {
				net.OrganizationID = org.ID
				org.Networks[i] = net
			}
			if net.OrganizationID != org.ID {
				return nil, fmt.Errorf("%w: network %s claims organization %s but is declared under %s", ErrInvalid, net.ID, net.OrganizationID, org.ID)
			}
			if _, dup := d.networks[net.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate network %s", ErrInvalid, net.ID)
			}
			d.networks[net.ID] = net
		}
		d.orgs[org.ID] = org
	}
	for _, sub := range subjects {
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subject without id", ErrInvalid)
		}
		if _, dup := d.subjects[sub.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate subject %s", ErrInvalid, sub.ID)
		}
		if sub.NetworkID != "" {
			net, ok := d.networks[sub.NetworkID]
			if !ok {
				return nil, fmt.Errorf("%w: subject %s references unknown network %s", ErrInvalid, sub.ID, sub.NetworkID)
			}
			if net.OrganizationID != sub.OrganizationID {
				return nil, fmt.Errorf("%w: subject %s network %s is outside organization %s", ErrInvalid, sub.ID, sub.NetworkID, sub.OrganizationID)
			}
		}
		d.subjects[sub.ID] = sub
	}
	return d, nil
}

// Load reads a directory definition from a YAML file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	return NewDirectory(file.Organizations, file.Subjects)
}

func (d *Directory) Subject(_ context.Context, id string) (authz.Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub, ok := d.subjects[id]
	if !ok {
		return authz.Subject{}, ErrNotFound
	}
	return sub, nil
}

func (d *Directory) Organization(_ context.Context, id string) (authz.Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	org, ok := d.orgs[id]
	if !ok {
		return authz.Organization{}, ErrNotFound
	}
	return org, nil
}

func (d *Directory) Network(_ context.Context, orgID, networkID string) (authz.Network, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	net, ok := d.networks[networkID]
	if !ok || net.OrganizationID != orgID {
		return authz.Network{}, ErrNotFound
	}
	return net, nil
}
