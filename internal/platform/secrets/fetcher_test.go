package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const paypalResource = "projects/test/secrets/paypal_secret/versions/latest"

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[paypalResource] = "remote-secret"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://paypal_secret")
		if err != nil {
			t.Fatalf("ResolveSecret returned error: %v", err)
		}
		if got != "remote-secret" {
			t.Fatalf("expected remote-secret, got %s", got)
		}
	}
	if calls := client.callCount(paypalResource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}
}

func TestResolvePinnedVersionAndFullName(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/test/secrets/vnpay_hash/versions/5"] = "v5"
	client.values["projects/other/secrets/vnpay_hash/versions/latest"] = "other"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if got, err := fetcher.ResolveSecret(ctx, "secret://vnpay_hash@5"); err != nil || got != "v5" {
		t.Fatalf("expected pinned version, got %q err=%v", got, err)
	}
	if got, err := fetcher.ResolveSecret(ctx, "secret://projects/other/secrets/vnpay_hash"); err != nil || got != "other" {
		t.Fatalf("expected full resource name, got %q err=%v", got, err)
	}
}

func TestResolveFallsBackLocallyWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "secret://paypal_secret=local-secret\n")

	client := newFakeSecretClient()
	client.errors[paypalResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"), WithFallbackFile(fallbackPath))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.ResolveSecret(ctx, "secret://paypal_secret")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected local-secret, got %s", got)
	}
}

func TestResolveNoFallbackOutsideLocalOrOnNotFound(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "secret://paypal_secret=local-secret\n")

	denied := newFakeSecretClient()
	denied.errors[paypalResource] = status.Error(codes.PermissionDenied, "denied")
	prod, _ := NewFetcher(ctx, WithSecretManagerClient(denied), WithProject("test"), WithFallbackFile(fallbackPath), WithEnvironment("prod"))
	if _, err := prod.ResolveSecret(ctx, "secret://paypal_secret"); err == nil {
		t.Fatal("expected error outside local environment")
	}

	missing := newFakeSecretClient()
	local, _ := NewFetcher(ctx, WithSecretManagerClient(missing), WithProject("test"), WithFallbackFile(fallbackPath))
	if _, err := local.ResolveSecret(ctx, "secret://paypal_secret"); err == nil {
		t.Fatal("expected not found error to surface")
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	fetcher, _ := NewFetcher(context.Background(), WithSecretManagerClient(newFakeSecretClient()))
	if _, err := fetcher.ResolveSecret(context.Background(), "plain-value"); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
	if _, err := fetcher.ResolveSecret(context.Background(), "secret://short"); !errors.Is(err, ErrProjectRequired) {
		t.Fatalf("expected ErrProjectRequired, got %v", err)
	}
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
