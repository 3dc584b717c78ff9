package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	paypalName           = "paypal"
	paypalDefaultTimeout = 10 * time.Second
	paypalMaxErrorBody   = 2048
	paypalStatusComplete = "COMPLETED"
)

// PayPalConfig configures the OAuth+REST gateway.
type PayPalConfig struct {
	ClientID  string
	Secret    string
	BaseURL   string
	BrandName string
	ReturnURL string
	CancelURL string
	Timeout   time.Duration
	Observer  Observer
}

// PayPalGateway creates and captures PayPal orders. The client-credentials token is cached by
// an oauth2 token source until it lapses or the API rejects it.
type PayPalGateway struct {
	cfg    PayPalConfig
	client *http.Client
	oauth  clientcredentials.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// PayPalOption customises the PayPal gateway.
type PayPalOption func(*PayPalGateway)

// WithPayPalHTTPClient overrides the HTTP client.
func WithPayPalHTTPClient(client *http.Client) PayPalOption {
	return func(g *PayPalGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// NewPayPalGateway validates cfg and returns the gateway.
func NewPayPalGateway(cfg PayPalConfig, opts ...PayPalOption) (*PayPalGateway, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("paypal: base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = paypalDefaultTimeout
	}
	g := &PayPalGateway{
		cfg:    cfg,
		client: &http.Client{},
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.Secret,
			TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *PayPalGateway) Name() string { return paypalName }

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Payments    struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o paypalOrder) captureID() string {
	for _, unit := range o.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.ID != "" {
				return capture.ID
			}
		}
	}
	return ""
}

// BuildRedirect creates a CAPTURE-intent order and returns its approve link. It is never retried.
func (g *PayPalGateway) BuildRedirect(ctx context.Context, req RedirectRequest) (Redirect, error) {
	if req.OrderNumber == "" {
		return Redirect{}, errors.New("paypal: order number is required")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}
	returnURL, cancelURL := g.cfg.ReturnURL, g.cfg.CancelURL
	if req.ReturnURL != "" {
		returnURL = req.ReturnURL
	}
	if req.CancelURL != "" {
		cancelURL = req.CancelURL
	}
	description := req.Description
	if description == "" {
		description = "Order " + req.OrderNumber
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.OrderNumber,
			"amount": map[string]string{
				"currency_code": currency,
				"value":         req.Amount.StringFixed(2),
			},
			"description": description,
		}},
		"application_context": map[string]string{
			"return_url":   returnURL,
			"cancel_url":   cancelURL,
			"brand_name":   g.cfg.BrandName,
			"landing_page": "BILLING",
			"user_action":  "PAY_NOW",
		},
	}

	var order paypalOrder
	err := instrument(ctx, paypalName, "create_order", g.cfg.Observer, func(ctx context.Context) error {
		return g.call(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", payload, http.StatusCreated, false, &order)
	})
	if err != nil {
		return Redirect{}, err
	}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			return Redirect{URL: link.Href, Reference: order.ID}, nil
		}
	}
	return Redirect{}, fmt.Errorf("%w: paypal order %s has no approve link", ErrProtocol, order.ID)
}

// ProcessCallback captures the approved order named by cb.Reference. It is never retried.
func (g *PayPalGateway) ProcessCallback(ctx context.Context, cb Callback) (CallbackResult, error) {
	reference := strings.TrimSpace(cb.Reference)
	if reference == "" && cb.Params != nil {
		reference = strings.TrimSpace(cb.Params.Get("token"))
	}
	if reference == "" {
		return CallbackResult{}, fmt.Errorf("%w: paypal callback without order token", ErrProtocol)
	}

	var order paypalOrder
	err := instrument(ctx, paypalName, "capture", g.cfg.Observer, func(ctx context.Context) error {
		return g.call(ctx, "capture", http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(reference)+"/capture", nil, http.StatusCreated, false, &order)
	})
	if err != nil {
		return CallbackResult{}, err
	}

	result := CallbackResult{Verified: true, Reference: reference, ResponseCode: order.Status, Status: StatusFailed}
	if order.Status == paypalStatusComplete {
		result.Status = StatusSucceeded
		result.TransactionID = order.captureID()
		if result.TransactionID == "" {
			result.TransactionID = order.ID
		}
	}
	if len(order.PurchaseUnits) > 0 {
		result.OrderNumber = order.PurchaseUnits[0].ReferenceID
	}
	return result, nil
}

// LookupOrder reads the remote order for reconciliation. Network errors and 5xx are retried once.
func (g *PayPalGateway) LookupOrder(ctx context.Context, reference string) (OrderDetails, error) {
	var order paypalOrder
	err := instrument(ctx, paypalName, "get_order", g.cfg.Observer, func(ctx context.Context) error {
		return g.call(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(reference), nil, http.StatusOK, true, &order)
	})
	if err != nil {
		return OrderDetails{}, err
	}
	return OrderDetails{Reference: order.ID, Status: order.Status, TransactionID: order.captureID()}, nil
}

func (g *PayPalGateway) call(ctx context.Context, op, method, path string, body any, expect int, retry bool, out any) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("paypal: encode %s: %w", op, err)
		}
	}

	attempts := 1
	if retry {
		attempts = 2
	}
	refreshed := false
	for attempt := 1; ; {
		err = g.doJSON(ctx, op, method, path, token, payload, expect, out)
		if err == nil {
			return nil
		}
		// A rejected token means the request was not processed; retry once with a fresh one.
		if !refreshed && unauthorized(err) {
			refreshed = true
			if token, err = g.accessToken(ctx); err != nil {
				return err
			}
			continue
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		attempt++
	}
}

func unauthorized(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusUnauthorized
}

func (g *PayPalGateway) doJSON(ctx context.Context, op, method, path, token string, payload []byte, expect int, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return &GatewayError{Provider: paypalName, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil || method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &GatewayError{Provider: paypalName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Provider: paypalName, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != expect {
		if resp.StatusCode == http.StatusUnauthorized {
			g.invalidateToken()
		}
		return &GatewayError{Provider: paypalName, Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), paypalMaxErrorBody)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: paypal %s: decode response: %v", ErrProtocol, op, err)
		}
	}
	return nil
}

func (g *PayPalGateway) accessToken(ctx context.Context) (string, error) {
	var token *oauth2.Token
	err := instrument(ctx, paypalName, "token", g.cfg.Observer, func(context.Context) error {
		var err error
		for attempt := 1; attempt <= 2; attempt++ {
			token, err = g.tokenSource().Token()
			if err == nil {
				return nil
			}
			if err = tokenError(err); !retryable(err) {
				return err
			}
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// tokenSource returns the cached source, building one bound to the gateway's HTTP client.
func (g *PayPalGateway) tokenSource() oauth2.TokenSource {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokens == nil {
		client := *g.client
		client.Timeout = g.cfg.Timeout
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &client)
		g.tokens = g.oauth.TokenSource(ctx)
	}
	return g.tokens
}

func (g *PayPalGateway) invalidateToken() {
	g.mu.Lock()
	g.tokens = nil
	g.mu.Unlock()
}

func tokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		gwErr := &GatewayError{Provider: paypalName, Op: "token", Body: truncate(string(retrieveErr.Body), paypalMaxErrorBody), Err: err}
		if retrieveErr.Response != nil {
			gwErr.StatusCode = retrieveErr.Response.StatusCode
		}
		return gwErr
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &GatewayError{Provider: paypalName, Op: "token", Err: err}
	}
	return fmt.Errorf("%w: paypal token: %v", ErrProtocol, err)
}

// retryable reports network failures and 5xx responses.
func retryable(err error) bool {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return gwErr.StatusCode == 0 || gwErr.StatusCode >= http.StatusInternalServerError
}

func truncate(value string, limit int) string {
	if len(value) > limit {
		return value[:limit]
	}
	return value
}
