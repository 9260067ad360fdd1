package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"agentgrid.org/internal/authz"
)

func TestTierOf(t *testing.T) {
	c, err := NewInMemory(
		Agent{ID: "free-1", Name: "Free One", Tier: authz.TierFree, Category: "general"},
		Agent{ID: "ent-1", Name: "Enterprise One", Tier: authz.TierEnterprise, Category: "finance"},
	)
	if err != nil {
		t.Fatal(err)
	}
	tier, err := c.TierOf(context.Background(), "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if tier != authz.TierEnterprise {
		t.Fatalf("tier = %s, want enterprise", tier)
	}
	if _, err := c.TierOf(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewInMemoryRejectsInvalid(t *testing.T) {
	if _, err := NewInMemory(Agent{ID: "a", Tier: authz.Tier("platinum")}); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("unknown tier accepted: %v", err)
	}
	if _, err := NewInMemory(Agent{ID: "", Tier: authz.TierFree}); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("empty id accepted: %v", err)
	}
	if _, err := NewInMemory(
		Agent{ID: "a", Tier: authz.TierFree},
		Agent{ID: "a", Tier: authz.TierPremium},
	); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("duplicate id accepted: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := []byte(`agents:
  - id: free-translator
    name: Translator
    tier: free
    category: language
  - id: ent-auditor
    name: Auditor
    tier: enterprise
    category: finance
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	agents, err := c.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(agents))
	}
	if agents[0].ID != "ent-auditor" || agents[0].Tier != authz.TierEnterprise {
		t.Fatalf("unexpected first agent: %+v", agents[0])
	}
}
