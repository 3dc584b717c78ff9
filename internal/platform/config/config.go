package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	envPrefix                 = "STOREFRONT_"
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 5
	defaultConnMaxLifetime    = 30 * time.Minute
	defaultRedisAddr          = "localhost:6379"
	defaultSessionCookie      = "sf_session"
	defaultSessionTTL         = 14 * 24 * time.Hour
	defaultTaxRate            = "0.10"
	defaultCurrency           = "USD"
	defaultExchangeRateURL    = "https://api.exchangerate-api.com/v4/latest/USD"
	defaultFallbackRate       = "25000"
	defaultExchangeRateTTL    = time.Hour
	defaultGatewayTimeout     = 10 * time.Second
	defaultVNPayPayURL        = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
	defaultVNPayVersion       = "2.1.0"
	defaultVNPayHash          = "sha512"
	defaultVNPayLocale        = "vn"
	defaultVNPayCurrency      = "VND"
	defaultVNPayTimezone      = "Asia/Ho_Chi_Minh"
	defaultPayPalMode         = "sandbox"
	defaultPayPalBrand        = "Storefront"
	defaultEventsBackend      = "none"
	defaultEventsTopic        = "storefront-orders"
	defaultMailFromName       = "Storefront"
	defaultSecurityEnv        = "local"
	defaultOIDCJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer         = "https://accounts.google.com"
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultMetricsPath        = "/metrics"
	payPalSandboxBaseURL      = "https://api-m.sandbox.paypal.com"
	payPalLiveBaseURL         = "https://api-m.paypal.com"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Session     SessionConfig
	Checkout    CheckoutConfig
	VNPay       VNPayConfig
	PayPal      PayPalConfig
	Events      EventsConfig
	Mail        MailConfig
	Firebase    FirebaseConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Metrics     MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port          string
	PublicBaseURL string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// RedisConfig configures the session and cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SessionConfig controls the guest session cookie.
type SessionConfig struct {
	CookieName   string
	TTL          time.Duration
	CookieSecure bool
}

// CheckoutConfig holds pricing parameters.
type CheckoutConfig struct {
	TaxRate         decimal.Decimal
	Currency        string
	ExchangeRateURL string
	FallbackRate    decimal.Decimal
	ExchangeRateTTL time.Duration
}

// VNPayConfig configures the redirect+HMAC gateway. An empty TmnCode disables it.
type VNPayConfig struct {
	TmnCode       string
	HashSecret    string
	PayURL        string
	ReturnURL     string
	Version       string
	HashAlgorithm string
	Locale        string
	Currency      string
	Timezone      string
}

// Enabled reports whether the gateway is configured.
func (c VNPayConfig) Enabled() bool { return c.TmnCode != "" }

// PayPalConfig configures the OAuth+REST gateway. An empty ClientID disables it.
type PayPalConfig struct {
	ClientID  string
	Secret    string
	Mode      string
	BaseURL   string
	BrandName string
	ReturnURL string
	CancelURL string
	Timeout   time.Duration
}

// Enabled reports whether the gateway is configured.
func (c PayPalConfig) Enabled() bool { return c.ClientID != "" }

// EventsConfig selects where order lifecycle events are published.
type EventsConfig struct {
	Backend      string
	ProjectID    string
	Topic        string
	KafkaBrokers []string
}

// MailConfig configures order confirmation mail.
type MailConfig struct {
	SendGridAPIKey string
	FromAddress    string
	FromName       string
}

// FirebaseConfig stores Firebase project settings used to verify ID tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment      string
	SecretsProjectID string
	OIDC             OIDCConfig
}

// OIDCConfig controls Google-signed token verification for /internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig controls the idempotency middleware.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Lookup returns a single raw value using the same precedence as Load. main uses it to
// bootstrap the secret resolver before the full configuration is available.
func Lookup(key string, opts ...Option) string {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	dotEnv, _ := loadDotEnv(options.envFile)
	value, _ := lookupFunc(options, dotEnv)(key)
	return strings.TrimSpace(value)
}

// Load assembles configuration from defaults, .env, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := lookupFunc(options, dotEnvValues)

	cfg := Config{
		Server: ServerConfig{
			Port:          stringWithDefault(lookup, "SERVER_PORT", defaultPort),
			PublicBaseURL: strings.TrimRight(stringWithDefault(lookup, "SERVER_PUBLIC_BASE_URL", ""), "/"),
			ReadTimeout:   durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:  durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:   durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Database: DatabaseConfig{
			URL:             stringWithDefault(lookup, "DATABASE_URL", ""),
			MaxOpenConns:    intWithDefault(lookup, "DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
			MigrateOnStart:  boolWithDefault(lookup, "DATABASE_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "REDIS_ADDR", defaultRedisAddr),
			Password: stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "REDIS_DB", 0),
		},
		Session: SessionConfig{
			CookieName:   stringWithDefault(lookup, "SESSION_COOKIE_NAME", defaultSessionCookie),
			TTL:          durationWithDefault(lookup, "SESSION_TTL", defaultSessionTTL),
			CookieSecure: boolWithDefault(lookup, "SESSION_COOKIE_SECURE", false),
		},
		Checkout: CheckoutConfig{
			Currency:        strings.ToUpper(stringWithDefault(lookup, "CHECKOUT_CURRENCY", defaultCurrency)),
			ExchangeRateURL: stringWithDefault(lookup, "CHECKOUT_EXCHANGE_RATE_URL", defaultExchangeRateURL),
			ExchangeRateTTL: durationWithDefault(lookup, "CHECKOUT_EXCHANGE_RATE_TTL", defaultExchangeRateTTL),
		},
		VNPay: VNPayConfig{
			TmnCode:       stringWithDefault(lookup, "VNPAY_TMN_CODE", ""),
			HashSecret:    stringWithDefault(lookup, "VNPAY_HASH_SECRET", ""),
			PayURL:        stringWithDefault(lookup, "VNPAY_PAY_URL", defaultVNPayPayURL),
			ReturnURL:     stringWithDefault(lookup, "VNPAY_RETURN_URL", ""),
			Version:       stringWithDefault(lookup, "VNPAY_VERSION", defaultVNPayVersion),
			HashAlgorithm: strings.ToLower(stringWithDefault(lookup, "VNPAY_HASH_ALGORITHM", defaultVNPayHash)),
			Locale:        stringWithDefault(lookup, "VNPAY_LOCALE", defaultVNPayLocale),
			Currency:      strings.ToUpper(stringWithDefault(lookup, "VNPAY_CURRENCY", defaultVNPayCurrency)),
			Timezone:      stringWithDefault(lookup, "VNPAY_TIMEZONE", defaultVNPayTimezone),
		},
		PayPal: PayPalConfig{
			ClientID:  stringWithDefault(lookup, "PAYPAL_CLIENT_ID", ""),
			Secret:    stringWithDefault(lookup, "PAYPAL_SECRET", ""),
			Mode:      strings.ToLower(stringWithDefault(lookup, "PAYPAL_MODE", defaultPayPalMode)),
			BaseURL:   strings.TrimRight(stringWithDefault(lookup, "PAYPAL_BASE_URL", ""), "/"),
			BrandName: stringWithDefault(lookup, "PAYPAL_BRAND_NAME", defaultPayPalBrand),
			ReturnURL: stringWithDefault(lookup, "PAYPAL_RETURN_URL", ""),
			CancelURL: stringWithDefault(lookup, "PAYPAL_CANCEL_URL", ""),
			Timeout:   durationWithDefault(lookup, "PAYPAL_TIMEOUT", defaultGatewayTimeout),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "EVENTS_BACKEND", defaultEventsBackend)),
			ProjectID:    stringWithDefault(lookup, "EVENTS_PROJECT_ID", ""),
			Topic:        stringWithDefault(lookup, "EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "EVENTS_KAFKA_BROKERS"),
		},
		Mail: MailConfig{
			SendGridAPIKey: stringWithDefault(lookup, "MAIL_SENDGRID_API_KEY", ""),
			FromAddress:    stringWithDefault(lookup, "MAIL_FROM_ADDRESS", ""),
			FromName:       stringWithDefault(lookup, "MAIL_FROM_NAME", defaultMailFromName),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "FIREBASE_CREDENTIALS_FILE", ""),
		},
		Security: SecurityConfig{
			Environment:      strings.ToLower(stringWithDefault(lookup, "SECURITY_ENVIRONMENT", defaultSecurityEnv)),
			SecretsProjectID: stringWithDefault(lookup, "SECURITY_SECRETS_PROJECT_ID", ""),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Metrics: MetricsConfig{
			Enabled: boolWithDefault(lookup, "METRICS_ENABLED", true),
			Path:    stringWithDefault(lookup, "METRICS_PATH", defaultMetricsPath),
		},
	}

	var invalid []string
	cfg.Checkout.TaxRate, err = decimalWithDefault(lookup, "CHECKOUT_TAX_RATE", defaultTaxRate)
	if err != nil {
		invalid = append(invalid, "Checkout.TaxRate")
	}
	cfg.Checkout.FallbackRate, err = decimalWithDefault(lookup, "CHECKOUT_FALLBACK_EXCHANGE_RATE", defaultFallbackRate)
	if err != nil {
		invalid = append(invalid, "Checkout.FallbackRate")
	}

	if cfg.PayPal.BaseURL == "" {
		cfg.PayPal.BaseURL = payPalSandboxBaseURL
		if cfg.PayPal.Mode == "live" {
			cfg.PayPal.BaseURL = payPalLiveBaseURL
		}
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Security.SecretsProjectID == "" {
		cfg.Security.SecretsProjectID = cfg.Firebase.ProjectID
	}

	secretFields := []*string{
		&cfg.Database.URL,
		&cfg.Redis.Password,
		&cfg.VNPay.HashSecret,
		&cfg.PayPal.Secret,
		&cfg.Mail.SendGridAPIKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func lookupFunc(options loaderOptions, dotEnv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		key = envPrefix + key
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnv[key]; ok {
			return value, true
		}
		return "", false
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Database.URL == "" {
		missing = append(missing, "Database.URL")
	}
	if cfg.Redis.Addr == "" {
		missing = append(missing, "Redis.Addr")
	}
	if cfg.Session.TTL <= 0 {
		missing = append(missing, "Session.TTL")
	}
	if cfg.Checkout.TaxRate.IsNegative() {
		missing = append(missing, "Checkout.TaxRate")
	}
	if !cfg.Checkout.FallbackRate.IsPositive() {
		missing = append(missing, "Checkout.FallbackRate")
	}
	if !cfg.VNPay.Enabled() && !cfg.PayPal.Enabled() {
		missing = append(missing, "VNPay.TmnCode|PayPal.ClientID")
	}
	if cfg.VNPay.Enabled() {
		if cfg.VNPay.HashSecret == "" {
			missing = append(missing, "VNPay.HashSecret")
		}
		if cfg.VNPay.ReturnURL == "" {
			missing = append(missing, "VNPay.ReturnURL")
		}
		if cfg.VNPay.HashAlgorithm != "sha512" && cfg.VNPay.HashAlgorithm != "sha256" {
			missing = append(missing, "VNPay.HashAlgorithm")
		}
	}
	if cfg.PayPal.Enabled() {
		if cfg.PayPal.Secret == "" {
			missing = append(missing, "PayPal.Secret")
		}
		if cfg.PayPal.ReturnURL == "" || cfg.PayPal.CancelURL == "" {
			missing = append(missing, "PayPal.ReturnURL")
		}
	}
	switch cfg.Events.Backend {
	case "none":
	case "pubsub":
		if cfg.Events.ProjectID == "" {
			missing = append(missing, "Events.ProjectID")
		}
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
	default:
		missing = append(missing, "Events.Backend")
	}
	if cfg.Mail.SendGridAPIKey != "" && cfg.Mail.FromAddress == "" {
		missing = append(missing, "Mail.FromAddress")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func decimalWithDefault(lookup func(string) (string, bool), key, fallback string) (decimal.Decimal, error) {
	raw := stringWithDefault(lookup, key, fallback)
	return decimal.NewFromString(raw)
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
