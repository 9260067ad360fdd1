package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"agentgrid.org/internal/authz"
)

// Events handles Server-Sent Events for the provisioning activity feed.
// Admin-only: the feed carries other users' requests and grants.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !caller.Role.Satisfies(authz.RoleNetworkAdmin) {
		writeError(w, r, http.StatusForbidden, "the activity feed requires an admin role")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
