package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the registry cannot locate a gateway.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGateway marks transport failures and non-2xx gateway responses.
	ErrGateway = errors.New("payments: gateway error")
	// ErrSignature marks callbacks whose signature does not verify.
	ErrSignature = errors.New("payments: invalid signature")
	// ErrProtocol marks well-formed responses missing data the protocol requires.
	ErrProtocol = errors.New("payments: protocol violation")
)

// GatewayError carries the failing call's details. errors.Is(err, ErrGateway) holds.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("payments: %s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is reports ErrGateway equivalence.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// RedirectRequest describes the order a customer is sent to pay for.
type RedirectRequest struct {
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
	ClientIP    string
}

// Redirect is the gateway URL the customer follows plus the gateway's own reference.
type Redirect struct {
	URL       string
	Reference string
}

// Callback carries what a gateway sent back, either query parameters or a remote reference.
type Callback struct {
	Params    url.Values
	Reference string
}

// CallbackResult normalises a verified gateway callback.
type CallbackResult struct {
	Verified      bool
	Reference     string
	OrderNumber   string
	TransactionID string
	Status        Status
	ResponseCode  string
}

// OrderDetails is the gateway's view of a remote order, used for reconciliation.
type OrderDetails struct {
	Reference     string
	Status        string
	TransactionID string
}

// Gateway is implemented by each payment provider adapter.
type Gateway interface {
	Name() string
	BuildRedirect(ctx context.Context, req RedirectRequest) (Redirect, error)
	ProcessCallback(ctx context.Context, cb Callback) (CallbackResult, error)
}

// OrderInspector is implemented by gateways that can report the state of a remote order.
type OrderInspector interface {
	LookupOrder(ctx context.Context, reference string) (OrderDetails, error)
}

// Observer receives the outcome of every outbound gateway call.
type Observer func(gateway, operation string, err error, elapsed time.Duration)

// Registry resolves gateways by name.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry constructs a Registry over the supplied gateways.
func NewRegistry(gateways ...Gateway) (*Registry, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	m := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		if g == nil {
			return nil, errors.New("payments: nil gateway registration")
		}
		key := strings.ToLower(strings.TrimSpace(g.Name()))
		if key == "" {
			return nil, errors.New("payments: gateway name is required")
		}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("payments: duplicate gateway %q", key)
		}
		m[key] = g
	}
	return &Registry{gateways: m}, nil
}

// Resolve returns the gateway registered under name.
func (r *Registry) Resolve(name string) (Gateway, error) {
	if r == nil {
		return nil, errors.New("payments: registry is nil")
	}
	if g, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
}

// Names lists registered gateways in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var tracer = otel.Tracer("github.com/hanko-field/storefront/internal/payments")

// instrument wraps one outbound call in a span and reports it to observer.
func instrument(ctx context.Context, gateway, op string, observer Observer, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, gateway+"."+op)
	span.SetAttributes(attribute.String("payment.gateway", gateway), attribute.String("payment.operation", op))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	if observer != nil {
		observer(gateway, op, err, time.Since(start))
	}
	return err
}
