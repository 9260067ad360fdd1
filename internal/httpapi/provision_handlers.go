package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/catalog"
	"agentgrid.org/internal/identity"
	"agentgrid.org/internal/provision"
	"agentgrid.org/internal/stream"
)

type evaluateRequest struct {
	AgentID        string `json:"agent_id"`
	OrganizationID string `json:"organization_id"`
	NetworkID      string `json:"network_id"`
}

type submitRequest struct {
	AgentID        string `json:"agent_id"`
	OrganizationID string `json:"organization_id"`
	NetworkID      string `json:"network_id"`
	Reason         string `json:"reason"`
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

type grantRequest struct {
	AgentID        string     `json:"agent_id"`
	OrganizationID string     `json:"organization_id"`
	NetworkID      string     `json:"network_id"`
	GranteeType    string     `json:"grantee_type"`
	GranteeID      string     `json:"grantee_id"`
	MaxUsage       int        `json:"max_usage"`
	ExpiresAt      *time.Time `json:"expires_at"`
	AllowedNets    []string   `json:"allowed_networks"`
}

type usageRequest struct {
	NetworkID string `json:"network_id"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

func scopeOf(orgID, networkID string) authz.Scope {
	return authz.Scope{
		OrganizationID: strings.TrimSpace(orgID),
		NetworkID:      strings.TrimSpace(networkID),
	}
}

// --- agents ---

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	agents, err := a.catalog.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, listResponse[catalog.Agent]{Items: agents, AsOf: time.Now().UTC()})
}

func (a *API) handleAgentResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	agent, err := a.catalog.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "agent not found")
		} else {
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- assignment evaluation ---

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, r, http.StatusBadRequest, "agent_id is required")
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}
	decision, err := a.svc.Evaluate(r.Context(), caller.ID, strings.TrimSpace(req.AgentID), scopeOf(req.OrganizationID, req.NetworkID))
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- requests ---

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitRequest(w, r)
	case http.MethodGet:
		a.pendingQueue(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) submitRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, r, http.StatusBadRequest, "agent_id is required")
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}
	created, err := a.svc.Submit(r.Context(), caller.ID, strings.TrimSpace(req.AgentID), scopeOf(req.OrganizationID, req.NetworkID), req.Reason)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:      "request.submitted",
			UserID:    caller.ID,
			AgentID:   created.AgentID,
			RequestID: created.ID,
		})
	}

	w.Header().Set("Location", "/v1/requests/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) pendingQueue(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	queue, err := a.svc.PendingQueue(r.Context(), caller.ID)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[provision.AgentRequest]{Items: queue, AsOf: time.Now().UTC()})
}

func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, found := strings.CutSuffix(path, "/resolve"); found {
		id = strings.TrimSuffix(id, "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.resolveRequest(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	req, err := a.svc.GetRequest(r.Context(), caller.ID, path)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) resolveRequest(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resolved, err := a.svc.Resolve(r.Context(), caller.ID, id, provision.ReviewDecision(strings.TrimSpace(req.Decision)), req.Notes)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// --- grants ---

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, r, http.StatusBadRequest, "agent_id is required")
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}
	grant, err := a.svc.GrantDirect(r.Context(), caller.ID, strings.TrimSpace(req.AgentID),
		scopeOf(req.OrganizationID, req.NetworkID),
		provision.GranteeType(strings.TrimSpace(req.GranteeType)), strings.TrimSpace(req.GranteeID),
		provision.Restrictions{
			MaxUsage:        req.MaxUsage,
			ExpiresAt:       req.ExpiresAt,
			AllowedNetworks: req.AllowedNets,
		})
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/grants/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action := path, ""
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		id, action = path[:idx], path[idx+1:]
	}
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		grant, err := a.svc.GetGrant(r.Context(), caller.ID, id)
		if err != nil {
			handleProvisionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	case "usage":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.recordUsage(w, r, caller, id)
	case "suspend", "reinstate", "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var (
			grant provision.PermissionGrant
			err   error
		)
		switch action {
		case "suspend":
			grant, err = a.svc.Suspend(r.Context(), caller.ID, id)
		case "reinstate":
			grant, err = a.svc.Reinstate(r.Context(), caller.ID, id)
		default:
			grant, err = a.svc.Revoke(r.Context(), caller.ID, id)
		}
		if err != nil {
			handleProvisionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) recordUsage(w http.ResponseWriter, r *http.Request, caller authz.Subject, id string) {
	var req usageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	networkID := strings.TrimSpace(req.NetworkID)
	if networkID == "" {
		networkID = caller.NetworkID
	}
	grant, err := a.svc.RecordUsage(r.Context(), id, networkID)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// --- permission summaries ---

func (a *API) handleOwnSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	summary, err := a.svc.Summarize(r.Context(), caller.ID)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSubjectResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/subjects/")
	id, found := strings.CutSuffix(path, "/permissions")
	id = strings.TrimSuffix(id, "/")
	if !found || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if caller.ID != id {
		target, err := a.identity.Subject(r.Context(), id)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "subject not found")
			} else {
				writeError(w, r, http.StatusInternalServerError, "internal error")
			}
			return
		}
		if !caller.Role.Satisfies(authz.RoleNetworkAdmin) || !authz.InOrganization(caller, target.OrganizationID) {
			writeError(w, r, http.StatusForbidden, "summary is not visible to the caller")
			return
		}
	}
	summary, err := a.svc.Summarize(r.Context(), id)
	if err != nil {
		handleProvisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
