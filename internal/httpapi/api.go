package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"agentgrid.org/internal/catalog"
	"agentgrid.org/internal/identity"
	"agentgrid.org/internal/obs"
	"agentgrid.org/internal/provision"
	"agentgrid.org/internal/stream"
)

// ReadyProbe is the readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the provisioning core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	svc             *provision.Service
	catalog         catalog.Catalog
	identity        identity.Provider
	stream          *stream.Stream
	bootstrapSecret string
}

// Config collects the API's collaborators. Service, Catalog and
// Identity are required; Stream is optional and disables /v1/events
// when absent. BootstrapSecret guards token minting; when empty the
// endpoint is disabled.
type Config struct {
	ReadyProbe      ReadyProbe
	Version         string
	Service         *provision.Service
	Catalog         catalog.Catalog
	Identity        identity.Provider
	Stream          *stream.Stream
	BootstrapSecret string
}

func New(cfg Config) (*API, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("httpapi: catalog is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("httpapi: identity provider is required")
	}
	a := &API{
		mux:             http.NewServeMux(),
		readyProbe:      cfg.ReadyProbe,
		version:         cfg.Version,
		svc:             cfg.Service,
		catalog:         cfg.Catalog,
		identity:        cfg.Identity,
		stream:          cfg.Stream,
		bootstrapSecret: cfg.BootstrapSecret,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/agents", a.handleAgents)
	a.mux.HandleFunc("/v1/agents/", a.handleAgentResource)

	a.mux.HandleFunc("/v1/assignments/evaluate", a.handleEvaluate)

	a.mux.HandleFunc("/v1/requests", a.handleRequestsCollection)
	a.mux.HandleFunc("/v1/requests/", a.handleRequestResource)

	a.mux.HandleFunc("/v1/grants", a.handleGrantsCollection)
	a.mux.HandleFunc("/v1/grants/", a.handleGrantResource)

	a.mux.HandleFunc("/v1/permissions/summary", a.handleOwnSummary)
	a.mux.HandleFunc("/v1/subjects/", a.handleSubjectResource)

	a.mux.HandleFunc("/v1/events", a.Events)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler returns the fully wrapped handler: metrics instrumentation
// around authentication around the mux.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(a.withAuth(a.mux)))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "agentgrid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "agentgrid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleProvisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, provision.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, provision.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, provision.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, provision.ErrNotPending),
		errors.Is(err, provision.ErrGrantExpired),
		errors.Is(err, provision.ErrGrantNotActive):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, provision.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, provision.ErrUsageLimit):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
