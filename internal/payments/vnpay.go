package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	vnpayName          = "vnpay"
	vnpaySecureHashKey = "vnp_SecureHash"
	vnpayHashTypeKey   = "vnp_SecureHashType"
	vnpaySuccessCode   = "00"
	vnpayDateLayout    = "20060102150405"
)

// RateSource converts the order currency into the redirect gateway's currency.
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// VNPayConfig configures the redirect+HMAC gateway.
type VNPayConfig struct {
	TmnCode       string
	HashSecret    string
	PayURL        string
	ReturnURL     string
	Version       string
	HashAlgorithm string
	Locale        string
	Currency      string
	Location      *time.Location
	Observer      Observer
}

// VNPayGateway signs redirect URLs and verifies return/IPN callbacks.
type VNPayGateway struct {
	cfg     VNPayConfig
	rates   RateSource
	newHash func() hash.Hash
	now     func() time.Time
}

// VNPayOption customises the VNPay gateway.
type VNPayOption func(*VNPayGateway)

// WithVNPayClock overrides the clock used for vnp_CreateDate.
func WithVNPayClock(clock func() time.Time) VNPayOption {
	return func(g *VNPayGateway) {
		if clock != nil {
			g.now = clock
		}
	}
}

// NewVNPayGateway validates cfg and returns the gateway.
func NewVNPayGateway(cfg VNPayConfig, rates RateSource, opts ...VNPayOption) (*VNPayGateway, error) {
	if strings.TrimSpace(cfg.TmnCode) == "" || cfg.HashSecret == "" {
		return nil, errors.New("vnpay: tmn code and hash secret are required")
	}
	if cfg.PayURL == "" {
		return nil, errors.New("vnpay: pay url is required")
	}
	if rates == nil {
		return nil, errors.New("vnpay: rate source is required")
	}
	g := &VNPayGateway{cfg: cfg, rates: rates, now: time.Now}
	switch strings.ToLower(cfg.HashAlgorithm) {
	case "", "sha512":
		g.newHash = sha512.New
	case "sha256":
		g.newHash = sha256.New
	default:
		return nil, fmt.Errorf("vnpay: unsupported hash algorithm %q", cfg.HashAlgorithm)
	}
	if g.cfg.Version == "" {
		g.cfg.Version = "2.1.0"
	}
	if g.cfg.Locale == "" {
		g.cfg.Locale = "vn"
	}
	if g.cfg.Currency == "" {
		g.cfg.Currency = "VND"
	}
	if g.cfg.Location == nil {
		g.cfg.Location = time.UTC
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *VNPayGateway) Name() string { return vnpayName }

// BuildRedirect converts the order total once, to whole VND, and signs the payment URL.
func (g *VNPayGateway) BuildRedirect(ctx context.Context, req RedirectRequest) (Redirect, error) {
	if req.OrderNumber == "" {
		return Redirect{}, errors.New("vnpay: order number is required")
	}
	var redirect Redirect
	err := instrument(ctx, vnpayName, "build_redirect", g.cfg.Observer, func(ctx context.Context) error {
		rate, err := g.rates.Rate(ctx)
		if err != nil {
			return fmt.Errorf("vnpay: exchange rate: %w", err)
		}
		local := req.Amount.Mul(rate).Round(0)

		returnURL := g.cfg.ReturnURL
		if req.ReturnURL != "" {
			returnURL = req.ReturnURL
		}
		info := req.Description
		if info == "" {
			info = "Thanh toan don hang " + req.OrderNumber
		}

		params := map[string]string{
			"vnp_Version":    g.cfg.Version,
			"vnp_Command":    "pay",
			"vnp_TmnCode":    g.cfg.TmnCode,
			"vnp_Amount":     strconv.FormatInt(local.Mul(decimal.NewFromInt(100)).IntPart(), 10),
			"vnp_CurrCode":   g.cfg.Currency,
			"vnp_TxnRef":     req.OrderNumber,
			"vnp_OrderInfo":  info,
			"vnp_OrderType":  "billpayment",
			"vnp_Locale":     g.cfg.Locale,
			"vnp_ReturnUrl":  returnURL,
			"vnp_IpAddr":     req.ClientIP,
			"vnp_CreateDate": g.now().In(g.cfg.Location).Format(vnpayDateLayout),
		}
		query := canonicalQuery(params)
		redirect = Redirect{
			URL:       g.cfg.PayURL + "?" + query + "&" + vnpaySecureHashKey + "=" + g.sign(query),
			Reference: req.OrderNumber,
		}
		return nil
	})
	return redirect, err
}

// ProcessCallback verifies the signature over every parameter except the hash fields.
func (g *VNPayGateway) ProcessCallback(_ context.Context, cb Callback) (CallbackResult, error) {
	received := strings.ToLower(strings.TrimSpace(cb.Params.Get(vnpaySecureHashKey)))
	if received == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing %s", ErrSignature, vnpaySecureHashKey)
	}

	params := make(map[string]string, len(cb.Params))
	for key := range cb.Params {
		if key == vnpaySecureHashKey || key == vnpayHashTypeKey {
			continue
		}
		params[key] = cb.Params.Get(key)
	}
	expected := g.sign(canonicalQuery(params))
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return CallbackResult{}, ErrSignature
	}

	result := CallbackResult{
		Verified:      true,
		Reference:     params["vnp_TxnRef"],
		OrderNumber:   params["vnp_TxnRef"],
		TransactionID: params["vnp_TransactionNo"],
		ResponseCode:  params["vnp_ResponseCode"],
		Status:        StatusFailed,
	}
	if result.ResponseCode == vnpaySuccessCode {
		result.Status = StatusSucceeded
	}
	return result, nil
}

func (g *VNPayGateway) sign(data string) string {
	mac := hmac.New(g.newHash, []byte(g.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery sorts by key and form-encodes values (space becomes '+').
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
