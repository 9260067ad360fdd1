package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentgrid.org/internal/authz"
)

var (
	ErrNotFound     = errors.New("catalog: agent not found")
	ErrInvalidAgent = errors.New("catalog: invalid agent")
)

// Agent is a published catalog entry. Tier is immutable once published;
// re-tiering means publishing a new agent id (a new version), never an
// in-place mutation.
type Agent struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Tier     authz.Tier `json:"tier" yaml:"tier"`
	Category string     `json:"category" yaml:"category"`
}

// Catalog is the read-only agent registry the provisioning core
// consults. The core never mutates the catalog.
type Catalog interface {
	TierOf(ctx context.Context, agentID string) (authz.Tier, error)
	Get(ctx context.Context, agentID string) (Agent, error)
	List(ctx context.Context) ([]Agent, error)
}

// InMemory is a Catalog held in process, either seeded from a YAML file
// at startup or populated directly in tests.
type InMemory struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

var _ Catalog = (*InMemory)(nil)

// NewInMemory builds a catalog from the given agents. Duplicate ids and
// invalid entries are rejected.
func NewInMemory(agents ...Agent) (*InMemory, error) {
	c := &InMemory{agents: make(map[string]Agent, len(agents))}
	for _, agent := range agents {
		if err := c.add(agent); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *InMemory) add(agent Agent) error {
	agent.ID = strings.TrimSpace(agent.ID)
	if agent.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if !agent.Tier.Valid() {
		return fmt.Errorf("%w: agent %s has unknown tier %q", ErrInvalidAgent, agent.ID, agent.Tier)
	}
	if _, exists := c.agents[agent.ID]; exists {
		return fmt.Errorf("%w: duplicate agent id %s", ErrInvalidAgent, agent.ID)
	}
	c.agents[agent.ID] = agent
	return nil
}

func (c *InMemory) TierOf(_ context.Context, agentID string) (authz.Tier, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return "", ErrNotFound
	}
	return agent.Tier, nil
}

func (c *InMemory) Get(_ context.Context, agentID string) (Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return agent, nil
}

func (c *InMemory) List(_ context.Context) ([]Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Agent, 0, len(c.agents))
	for _, agent := range c.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
