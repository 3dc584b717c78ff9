package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testHashSecret = "SECRETKEY123"

type staticRate struct {
	rate decimal.Decimal
}

func (s staticRate) Rate(context.Context) (decimal.Decimal, error) { return s.rate, nil }

func newTestVNPay(t *testing.T, algo string, rate string) *VNPayGateway {
	t.Helper()
	gw, err := NewVNPayGateway(VNPayConfig{
		TmnCode:       "TMN01",
		HashSecret:    testHashSecret,
		PayURL:        "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:     "https://shop.example/api/v1/payments/vnpay/return",
		HashAlgorithm: algo,
		Location:      time.FixedZone("ICT", 7*3600),
	}, staticRate{rate: decimal.RequireFromString(rate)}, WithVNPayClock(func() time.Time {
		return time.Date(2024, time.January, 1, 5, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("NewVNPayGateway: %v", err)
	}
	return gw
}

// signValues signs with url.Values.Encode, which sorts keys and form-encodes values.
func signValues(newHash func() hash.Hash, values url.Values) string {
	mac := hmac.New(newHash, []byte(testHashSecret))
	mac.Write([]byte(values.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVNPayBuildRedirectSignsCanonicalQuery(t *testing.T) {
	gw := newTestVNPay(t, "sha512", "25345.5")

	redirect, err := gw.BuildRedirect(context.Background(), RedirectRequest{
		OrderNumber: "ORD-42",
		Amount:      decimal.RequireFromString("16.50"),
		ClientIP:    "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("BuildRedirect: %v", err)
	}
	if redirect.Reference != "ORD-42" {
		t.Fatalf("expected order number reference, got %s", redirect.Reference)
	}

	parsed, err := url.Parse(redirect.URL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	query := parsed.Query()
	// 16.50 * 25345.5 = 418200.75 -> 418201 VND -> minor units.
	if got := query.Get("vnp_Amount"); got != "41820100" {
		t.Fatalf("expected vnp_Amount 41820100, got %s", got)
	}
	if got := query.Get("vnp_CreateDate"); got != "20240101120000" {
		t.Fatalf("expected create date in gateway timezone, got %s", got)
	}
	if got := query.Get("vnp_OrderInfo"); got != "Thanh toan don hang ORD-42" {
		t.Fatalf("unexpected order info %q", got)
	}
	if !strings.HasSuffix(parsed.RawQuery, "&vnp_SecureHash="+query.Get("vnp_SecureHash")) {
		t.Fatal("secure hash must be the final parameter")
	}

	signed := url.Values{}
	for key, values := range query {
		if key != "vnp_SecureHash" {
			signed[key] = values
		}
	}
	if want := signValues(sha512.New, signed); query.Get("vnp_SecureHash") != want {
		t.Fatalf("signature mismatch: got %s want %s", query.Get("vnp_SecureHash"), want)
	}
}

func TestVNPaySecureHashMatchesKnownDigest(t *testing.T) {
	const (
		wantQuery = "vnp_Amount=41820100&vnp_Command=pay&vnp_CreateDate=20240101120000&vnp_CurrCode=VND&vnp_IpAddr=203.0.113.9" +
			"&vnp_Locale=vn&vnp_OrderInfo=Thanh+toan+don+hang+ORD-42&vnp_OrderType=billpayment" +
			"&vnp_ReturnUrl=https%3A%2F%2Fshop.example%2Fapi%2Fv1%2Fpayments%2Fvnpay%2Freturn&vnp_TmnCode=TMN01&vnp_TxnRef=ORD-42&vnp_Version=2.1.0"
		wantHash = "8ac1cafe44dfdc800a8fc3be4794bfa747c3b7b1c40189f59da5da280f45cbdbc3197d7ad044e87772b004fbe205a4ca03e3cdabeb9a653769a28b3bef86d1db"
	)
	gw := newTestVNPay(t, "sha512", "25345.5")

	redirect, err := gw.BuildRedirect(context.Background(), RedirectRequest{
		OrderNumber: "ORD-42",
		Amount:      decimal.RequireFromString("16.50"),
		ClientIP:    "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("BuildRedirect: %v", err)
	}
	want := "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?" + wantQuery + "&vnp_SecureHash=" + wantHash
	if redirect.URL != want {
		t.Fatalf("unexpected redirect\n got: %s\nwant: %s", redirect.URL, want)
	}

	callback := url.Values{
		"vnp_Amount":         {"41820100"},
		"vnp_OrderInfo":      {"Thanh toan don hang ORD-42"},
		"vnp_ResponseCode":   {"00"},
		"vnp_TransactionNo":  {"14012345"},
		"vnp_TxnRef":         {"ORD-42"},
		"vnp_SecureHashType": {"HmacSHA512"},
		"vnp_SecureHash":     {"84A7D9036CC218B27EE2F323D5F4D00900C96280D79D2D11817D0ACAC7CAB96F9934747B953FA14AA8B8BB40C7EBA0C11DB8F1187D0C4BA8F23FA2294E88FA09"},
	}
	result, err := gw.ProcessCallback(context.Background(), Callback{Params: callback})
	if err != nil {
		t.Fatalf("expected known digest to verify: %v", err)
	}
	if result.Status != StatusSucceeded || result.TransactionID != "14012345" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func callbackParams(newHash func() hash.Hash, responseCode string) url.Values {
	values := url.Values{
		"vnp_TxnRef":        {"ORD-42"},
		"vnp_TransactionNo": {"14012345"},
		"vnp_ResponseCode":  {responseCode},
		"vnp_OrderInfo":     {"Thanh toan don hang ORD-42"},
		"vnp_Amount":        {"41820100"},
	}
	values.Set("vnp_SecureHash", strings.ToUpper(signValues(newHash, values)))
	values.Set("vnp_SecureHashType", "HmacSHA512")
	return values
}

func TestVNPayProcessCallback(t *testing.T) {
	gw := newTestVNPay(t, "sha512", "25000")

	result, err := gw.ProcessCallback(context.Background(), Callback{Params: callbackParams(sha512.New, "00")})
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if !result.Verified || result.Status != StatusSucceeded || result.TransactionID != "14012345" || result.OrderNumber != "ORD-42" {
		t.Fatalf("unexpected result %+v", result)
	}

	result, err = gw.ProcessCallback(context.Background(), Callback{Params: callbackParams(sha512.New, "24")})
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed status for code 24, got %s", result.Status)
	}
}

func TestVNPayProcessCallbackRejectsTampering(t *testing.T) {
	gw := newTestVNPay(t, "sha512", "25000")

	params := callbackParams(sha512.New, "00")
	params.Set("vnp_Amount", "100")
	if _, err := gw.ProcessCallback(context.Background(), Callback{Params: params}); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	params = callbackParams(sha512.New, "00")
	params.Del("vnp_SecureHash")
	if _, err := gw.ProcessCallback(context.Background(), Callback{Params: params}); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for missing hash, got %v", err)
	}
}

func TestVNPaySHA256Digest(t *testing.T) {
	gw := newTestVNPay(t, "sha256", "25000")
	if _, err := gw.ProcessCallback(context.Background(), Callback{Params: callbackParams(sha256.New, "00")}); err != nil {
		t.Fatalf("expected sha256 signature to verify: %v", err)
	}
	if _, err := gw.ProcessCallback(context.Background(), Callback{Params: callbackParams(sha512.New, "00")}); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected sha512 signature to fail under sha256, got %v", err)
	}
}

func TestNewVNPayGatewayRejectsUnknownDigest(t *testing.T) {
	_, err := NewVNPayGateway(VNPayConfig{TmnCode: "T", HashSecret: "s", PayURL: "https://x", HashAlgorithm: "md5"}, staticRate{})
	if err == nil {
		t.Fatal("expected error for md5")
	}
}
