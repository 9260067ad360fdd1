package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"agentgrid.org/internal/auth"
	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request. The token carries
// only the subject id; role and scope are resolved against the
// directory on every request so a stale token never carries a stale
// role.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		subject, err := a.identity.Subject(r.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "unknown subject")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithSubject(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated subject or writes a 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (authz.Subject, bool) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return authz.Subject{}, false
	}
	return subject, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
