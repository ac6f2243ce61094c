// Package identity resolves bearer credentials into caller identities through an external access control adapter.
package identity

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthorized is returned when the credential is missing, invalid or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable is returned when the adapter cannot be reached or answers with something other than a verdict.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Identity is the resolved caller. It is never persisted.
type Identity struct {
	SubjectID int64
	IsAdmin   bool
}

// CanSee reports whether id may observe a record owned by ownerID.
func (id Identity) CanSee(ownerID int64) bool {
	return id.IsAdmin || ownerID == id.SubjectID
}

// Resolver turns a bearer token into an Identity.
// Implementations return ErrUnauthorized or ErrUnavailable (possibly wrapped); they never fall back to a default identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

const bearerPrefix = "bearer "

// BearerToken returns the token from an Authorization header value, or "" if missing or malformed.
func BearerToken(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
