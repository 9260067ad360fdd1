package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agentgrid.org/internal/authz"
)

const (
	issuer            = "agentgrid"
	secretEnvVariable = "AGENTGRID_AUTH_SECRET"
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the verified JWT claims. The token carries only the
// subject identity; role and tenant scope are always resolved through
// the identity provider at call time, never trusted from the token.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken signs a JWT for the given subject using HS256.
func GenerateToken(subjectID string, ttl time.Duration) (string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", errors.New("subjectID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the token signature and required claims.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secretBytes, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}

type ctxKey string

const subjectKey ctxKey = "auth_subject"

// ContextWithSubject stores the resolved acting subject in the context.
func ContextWithSubject(ctx context.Context, subject authz.Subject) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext extracts the acting subject from context.
func SubjectFromContext(ctx context.Context) (authz.Subject, bool) {
	if ctx == nil {
		return authz.Subject{}, false
	}
	v, ok := ctx.Value(subjectKey).(authz.Subject)
	if !ok || v.ID == "" {
		return authz.Subject{}, false
	}
	return v, true
}

// SubjectIDFromContext returns just the acting subject's id.
func SubjectIDFromContext(ctx context.Context) (string, bool) {
	sub, ok := SubjectFromContext(ctx)
	if !ok {
		return "", false
	}
	return sub.ID, true
}
