package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	mu       sync.Mutex
	requests int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "key1", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "key1"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCacheKeyCachesKeys(t *testing.T) {
	f := newJWKSFixture(t)
	cache := NewJWKSCache(f.server.URL, nil)

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", f.requests)
	}
}

func TestRequireOIDC(t *testing.T) {
	f := newJWKSFixture(t)
	validator := NewOIDCValidator(NewJWKSCache(f.server.URL, nil), nil)
	middleware := validator.RequireOIDC("https://shop.example.com", []string{"https://accounts.google.com"})

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   "https://accounts.google.com",
			"aud":   "https://shop.example.com",
			"sub":   "scheduler",
			"email": "scheduler@project.iam.gserviceaccount.com",
			"exp":   time.Now().Add(time.Hour).Unix(),
		}
	}

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		header func(string) string
		want   int
	}{
		{name: "valid", want: http.StatusNoContent},
		{name: "missing", header: func(string) string { return "" }, want: http.StatusUnauthorized},
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" }, want: http.StatusUnauthorized},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, want: http.StatusUnauthorized},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := base()
			if tc.mutate != nil {
				tc.mutate(claims)
			}
			header := "Bearer " + f.sign(t, claims)
			if tc.header != nil {
				header = tc.header(header)
			}

			req := httptest.NewRequest(http.MethodPost, "/internal/orders/1:reconcile", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok || identity.Subject != "scheduler" {
					t.Fatalf("expected service identity, got %#v", identity)
				}
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequireOIDCWithoutAudienceIsUnavailable(t *testing.T) {
	validator := NewOIDCValidator(NewJWKSCache("http://127.0.0.1:0", nil), nil)
	rec := httptest.NewRecorder()
	validator.RequireOIDC("", nil)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
