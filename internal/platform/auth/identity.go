package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Role constants used when checking authorisation boundaries.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
)

// Identity is the authenticated shopper extracted from a Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Name   string
	Roles  []string
	Locale string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity includes role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type identityContextKey struct{}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware. Guests have none.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil || identity.UID == "" {
		return nil, false
	}
	return identity, true
}

// UserID returns the authenticated uid or "" for guests.
func UserID(ctx context.Context) string {
	if identity, ok := IdentityFromContext(ctx); ok {
		return identity.UID
	}
	return ""
}
