package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	secretScheme        = "secret://"
	defaultFallbackPath = ".secrets.local"
	latestVersion       = "latest"
)

var (
	// ErrInvalidReference is returned for references that are not secret://name[@version].
	ErrInvalidReference = errors.New("secrets: invalid reference")
	// ErrProjectRequired is returned when a short reference cannot be expanded to a resource name.
	ErrProjectRequired = errors.New("secrets: project id required")
)

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references through Google Secret Manager.
// Values are cached for the lifetime of the process. In the local environment a
// key=value fallback file is consulted when Secret Manager is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	projectID  string
	local      bool

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]string
}

type fetcherConfig struct {
	logger       *zap.Logger
	projectID    string
	environment  string
	fallbackPath string
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithProject sets the project used to expand short references.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithEnvironment selects the deployment environment. Only "local" enables the fallback file.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.environment = strings.ToLower(strings.TrimSpace(env)) }
}

// WithFallbackFile overrides the local fallback file path.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithSecretManagerClient injects a preconfigured client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options when the Secret Manager client is created.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher, creating a Secret Manager client unless one is injected.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{fallbackPath: defaultFallbackPath, environment: "local"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	f := &Fetcher{
		client:       cfg.client,
		logger:       cfg.logger,
		projectID:    cfg.projectID,
		local:        cfg.environment == "local",
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			if !f.local {
				return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
			}
			f.logger.Warn("secret manager unavailable, using local fallback only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when owned by the fetcher.
func (f *Fetcher) Close() error {
	if f == nil || f.client == nil || !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret resolves ref to its plaintext value.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	resource, err := f.resourceName(ref)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	value, ok := f.cache[resource]
	f.mu.RUnlock()
	if ok {
		return value, nil
	}

	value, err = f.fetchRemote(ctx, resource)
	if err != nil {
		if !f.local || !isFallbackError(err) {
			return "", fmt.Errorf("secrets: access %s: %w", resource, err)
		}
		fallback, found := f.lookupFallback(ref)
		if !found {
			return "", fmt.Errorf("secrets: access %s: %w", resource, err)
		}
		f.logger.Warn("secret resolved from local fallback", zap.String("ref", ref))
		value = fallback
	}

	f.mu.Lock()
	f.cache[resource] = value
	f.mu.Unlock()
	return value, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, resource string) (string, error) {
	if f.client == nil {
		return "", status.Error(codes.Unavailable, "secret manager client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	retry := gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		})
	})
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource}, retry)
	if err != nil {
		return "", err
	}
	return string(resp.GetPayload().GetData()), nil
}

// resourceName expands secret://name[@version] or secret://projects/p/secrets/name[/versions/v].
func (f *Fetcher) resourceName(ref string) (string, error) {
	if !strings.HasPrefix(ref, secretScheme) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	body := strings.TrimPrefix(ref, secretScheme)
	if body == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if strings.HasPrefix(body, "projects/") {
		if !strings.Contains(body, "/versions/") {
			body += "/versions/" + latestVersion
		}
		return body, nil
	}

	name, version, _ := strings.Cut(body, "@")
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if version == "" {
		version = latestVersion
	}
	if f.projectID == "" {
		return "", ErrProjectRequired
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.projectID, name, version), nil
}

func (f *Fetcher) lookupFallback(ref string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = make(map[string]string)
		file, err := os.Open(f.fallbackPath)
		if err != nil {
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			f.fallback[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
		}
	})
	value, ok := f.fallback[ref]
	return value, ok
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
