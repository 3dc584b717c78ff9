package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/storefront/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultNameClaim     = "name"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into request identities.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator constructs an Authenticator around verifier.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
}

// RequireFirebaseAuth rejects requests without a valid bearer token.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return a.middleware(true)
}

// OptionalFirebaseAuth attaches an identity when a bearer token is supplied and lets guests through.
// A token that is present but invalid is still rejected.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return a.middleware(false)
}

func (a *Authenticator) middleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" && !required {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(raw)
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				writeVerificationError(ctx, w, err)
				return
			}

			identity := &Identity{
				UID:    token.UID,
				Email:  claimAsString(token.Claims, defaultEmailClaim),
				Name:   claimAsString(token.Claims, defaultNameClaim),
				Locale: claimAsString(token.Claims, defaultLocaleClaim),
				Roles:  rolesFromClaims(token.Claims, defaultRoleClaim),
				token:  token,
			}
			if len(identity.Roles) == 0 {
				identity.Roles = []string{RoleUser}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func rolesFromClaims(claims map[string]interface{}, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		role := normaliseRole(r)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		httpx.WriteError(ctx, w, httpx.NewError("token_expired", "firebase id token expired", http.StatusUnauthorized))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "firebase id token invalid", http.StatusUnauthorized))
	}
}
