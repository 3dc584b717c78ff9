package session

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

type contextKey struct{}

// WithSession stores s on ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session attached by Middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}

// CookieOptions configures the session cookie.
type CookieOptions struct {
	Name   string
	Secure bool
}

// Middleware resolves the guest session from the cookie, issuing a fresh uuid when it is
// missing or malformed, and attaches it to the request context.
func (s *Store) Middleware(opts CookieOptions) func(http.Handler) http.Handler {
	name := opts.Name
	if name == "" {
		name = "sf_session"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := ""
			if cookie, err := r.Cookie(name); err == nil {
				if parsed, err := uuid.Parse(cookie.Value); err == nil {
					id = parsed.String()
				}
			}
			if id == "" {
				id = uuid.NewString()
			}
			http.SetCookie(w, &http.Cookie{
				Name:     name,
				Value:    id,
				Path:     "/",
				MaxAge:   int(s.ttl.Seconds()),
				HttpOnly: true,
				Secure:   opts.Secure,
				SameSite: http.SameSiteLaxMode,
			})

			sess, _ := s.Open(id)
			if err := sess.Touch(ctx); err != nil {
				requestctx.Logger(ctx).Warn("session touch failed", zap.Error(err))
			}
			next.ServeHTTP(w, r.WithContext(WithSession(ctx, sess)))
		})
	}
}
