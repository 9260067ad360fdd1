package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"agentgrid.org/internal/auth"
	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/catalog"
	"agentgrid.org/internal/identity"
	"agentgrid.org/internal/provision"
	"agentgrid.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

const testBootstrapSecret = "bootstrap-test-secret"

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIWith(t, nil)
}

func newTestAPIWith(t *testing.T, mutate func(*Config)) *apiClient {
	t.Helper()

	t.Setenv("AGENTGRID_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	cat, err := catalog.NewInMemory(
		catalog.Agent{ID: "free-1", Name: "Free One", Tier: authz.TierFree},
		catalog.Agent{ID: "prem-1", Name: "Premium One", Tier: authz.TierPremium},
		catalog.Agent{ID: "ent-1", Name: "Enterprise One", Tier: authz.TierEnterprise},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	dir, err := identity.NewDirectory(
		[]authz.Organization{
			{ID: "acme", Name: "Acme", Networks: []authz.Network{
				{ID: "net-a", OrganizationID: "acme", Name: "Alpha"},
			}},
		},
		[]authz.Subject{
			{ID: "user-a", Role: authz.RoleUser, OrganizationID: "acme", NetworkID: "net-a"},
			{ID: "netadmin-a", Role: authz.RoleNetworkAdmin, OrganizationID: "acme", NetworkID: "net-a"},
			{ID: "super", Role: authz.RoleSuperAdmin, OrganizationID: "acme"},
		},
	)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	svc, err := provision.NewService(provision.NewInMemory(), authz.NewPolicy(cat), dir, nil)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	cfg := Config{
		Version:         "test",
		Service:         svc,
		Catalog:         cat,
		Identity:        dir,
		Stream:          stream.New(),
		BootstrapSecret: testBootstrapSecret,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	api, err := New(cfg)
	if err != nil {
		t.Fatalf("api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) decode(resp *http.Response, dst any) {
	c.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
}

func (c *apiClient) obtainToken(subjectID string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]string{"subject_id": subjectID},
		map[string]string{"X-Bootstrap-Secret": testBootstrapSecret})
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("token status = %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	c.decode(resp, &body)
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	c := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAuthRequired(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/agents", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.get("/v1/agents", map[string]string{"Authorization": "Bearer garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenForUnknownSubject(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/token", map[string]string{"subject_id": "nobody"},
		map[string]string{"X-Bootstrap-Secret": testBootstrapSecret})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenMintRequiresBootstrapSecret(t *testing.T) {
	c := newTestAPI(t)
	body := map[string]string{"subject_id": "super"}

	// No secret at all.
	resp := c.post("/v1/auth/token", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous mint status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Wrong secret.
	resp = c.post("/v1/auth/token", body, map[string]string{"X-Bootstrap-Secret": "guessed"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Correct secret mints a usable token.
	headers := c.obtainToken("super")
	resp = c.get("/v1/agents", headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted token status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenMintDisabledWithoutSecret(t *testing.T) {
	c := newTestAPIWith(t, func(cfg *Config) {
		cfg.BootstrapSecret = ""
	})

	resp := c.post("/v1/auth/token", map[string]string{"subject_id": "super"}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAgentCatalogEndpoints(t *testing.T) {
	c := newTestAPI(t)
	headers := c.obtainToken("user-a")

	resp := c.get("/v1/agents", headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Items []catalog.Agent `json:"items"`
	}
	c.decode(resp, &list)
	if len(list.Items) != 3 {
		t.Fatalf("agents = %d, want 3", len(list.Items))
	}

	resp = c.get("/v1/agents/ghost", headers)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agent status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEvaluateEndpoint(t *testing.T) {
	c := newTestAPI(t)
	headers := c.obtainToken("user-a")

	resp := c.post("/v1/assignments/evaluate", map[string]string{
		"agent_id":        "prem-1",
		"organization_id": "acme",
		"network_id":      "net-a",
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decision authz.Decision
	c.decode(resp, &decision)
	if decision.Effect != authz.EffectApprovalRequired || decision.ResolverRole != authz.RoleNetworkAdmin {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	userHeaders := c.obtainToken("user-a")
	adminHeaders := c.obtainToken("netadmin-a")

	// Submit.
	resp := c.post("/v1/requests", map[string]string{
		"agent_id":        "prem-1",
		"organization_id": "acme",
		"network_id":      "net-a",
		"reason":          "daily reporting",
	}, userHeaders)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Fatal("missing Location header")
	}
	var created provision.AgentRequest
	c.decode(resp, &created)
	if created.Status != provision.RequestPending {
		t.Fatalf("status = %s", created.Status)
	}

	// Duplicate submission conflicts.
	resp = c.post("/v1/requests", map[string]string{
		"agent_id":        "prem-1",
		"organization_id": "acme",
		"network_id":      "net-a",
		"reason":          "again",
	}, userHeaders)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate submit status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The admin sees it in the queue.
	resp = c.get("/v1/requests", adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue status = %d", resp.StatusCode)
	}
	var queue struct {
		Items []provision.AgentRequest `json:"items"`
	}
	c.decode(resp, &queue)
	if len(queue.Items) != 1 || queue.Items[0].ID != created.ID {
		t.Fatalf("queue = %+v", queue.Items)
	}

	// A plain user may not resolve.
	resp = c.post("/v1/requests/"+created.ID+"/resolve", map[string]string{"decision": "approve"}, userHeaders)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user resolve status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Approve.
	resp = c.post("/v1/requests/"+created.ID+"/resolve", map[string]string{
		"decision": "approve",
		"notes":    "ok",
	}, adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	var resolved provision.AgentRequest
	c.decode(resp, &resolved)
	if resolved.Status != provision.RequestApproved {
		t.Fatalf("resolved status = %s", resolved.Status)
	}

	// Resolving again conflicts.
	resp = c.post("/v1/requests/"+created.ID+"/resolve", map[string]string{"decision": "deny"}, adminHeaders)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second resolve status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The requester's summary shows the grant.
	resp = c.get("/v1/permissions/summary", userHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	var summary provision.Summary
	c.decode(resp, &summary)
	if len(summary.ActiveGrants) != 1 || summary.ActiveGrants[0].AgentID != "prem-1" {
		t.Fatalf("summary = %+v", summary)
	}
	grantID := summary.ActiveGrants[0].ID

	// Use it, then revoke it as a super admin.
	resp = c.post("/v1/grants/"+grantID+"/usage", map[string]string{}, userHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", resp.StatusCode)
	}
	var used provision.PermissionGrant
	c.decode(resp, &used)
	if used.Restrictions.UsageCount != 1 {
		t.Fatalf("usage count = %d", used.Restrictions.UsageCount)
	}

	superHeaders := c.obtainToken("super")
	resp = c.post("/v1/grants/"+grantID+"/revoke", map[string]string{}, superHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	var revoked provision.PermissionGrant
	c.decode(resp, &revoked)
	if revoked.Status != provision.GrantRevoked {
		t.Fatalf("revoked status = %s", revoked.Status)
	}

	// Usage after revocation conflicts.
	resp = c.post("/v1/grants/"+grantID+"/usage", map[string]string{}, userHeaders)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("usage after revoke status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDirectGrantOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	headers := c.obtainToken("user-a")

	resp := c.post("/v1/grants", map[string]any{
		"agent_id":        "free-1",
		"organization_id": "acme",
		"max_usage":       2,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant status = %d", resp.StatusCode)
	}
	var grant provision.PermissionGrant
	c.decode(resp, &grant)
	if grant.GranteeID != "user-a" || grant.Restrictions.MaxUsage != 2 {
		t.Fatalf("grant = %+v", grant)
	}

	// Premium cannot be granted directly by a plain user.
	resp = c.post("/v1/grants", map[string]any{
		"agent_id":        "prem-1",
		"organization_id": "acme",
		"network_id":      "net-a",
	}, headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("premium direct grant status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubjectSummaryVisibility(t *testing.T) {
	c := newTestAPI(t)
	userHeaders := c.obtainToken("user-a")
	adminHeaders := c.obtainToken("netadmin-a")

	// Self access is fine.
	resp := c.get("/v1/subjects/user-a/permissions", userHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self summary status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// An admin can read another subject's summary.
	resp = c.get("/v1/subjects/user-a/permissions", adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin summary status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A plain user cannot read the admin's.
	resp = c.get("/v1/subjects/netadmin-a/permissions", userHeaders)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-user summary status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestQueueForbiddenForUsers(t *testing.T) {
	c := newTestAPI(t)
	headers := c.obtainToken("user-a")

	resp := c.get("/v1/requests", headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("queue status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
