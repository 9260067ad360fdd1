package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"agentgrid.org/internal/audit"
	"agentgrid.org/internal/auth"
	"agentgrid.org/internal/identity"
)

const bootstrapHeader = "X-Bootstrap-Secret"

type tokenRequest struct {
	SubjectID string `json:"subject_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken mints tokens for known subjects. The endpoint is
// unauthenticated by design, so it is guarded by a shared bootstrap
// secret and disabled entirely when none is configured.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	if a.bootstrapSecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "token minting is disabled")
		return
	}
	presented := r.Header.Get(bootstrapHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.bootstrapSecret)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "invalid bootstrap secret")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}
	// Tokens are only minted for subjects the directory knows.
	if _, err := a.identity.Subject(r.Context(), subjectID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "unknown subject")
		} else {
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	token, err := auth.GenerateToken(subjectID, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"subject_id": subjectID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
