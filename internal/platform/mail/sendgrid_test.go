package mail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/storefront/internal/services"
)

func sampleConfirmation() services.OrderConfirmation {
	return services.OrderConfirmation{
		To:          "buyer@example.com",
		Name:        "Ann <script>alert(1)</script>",
		OrderNumber: "ORD-1",
		Total:       "16.50",
		Currency:    "USD",
		Lines:       []services.OrderConfirmationLine{{Name: "Mug", Quantity: 3, Price: "5.00"}},
	}
}

func TestSendGridMailerPostsMessage(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mailer, err := NewSendGridMailer("SG.key", "shop@example.com", "Storefront", WithHost(srv.URL))
	require.NoError(t, err)
	require.NoError(t, mailer.SendOrderConfirmation(context.Background(), sampleConfirmation()))

	assert.Equal(t, "Order ORD-1 confirmed", captured["subject"])
	content, _ := json.Marshal(captured["content"])
	assert.NotContains(t, string(content), "alert")
	assert.True(t, strings.Contains(string(content), "Total: 16.50 USD"))
}

func TestSendGridMailerReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	mailer, err := NewSendGridMailer("SG.bad", "shop@example.com", "Storefront", WithHost(srv.URL))
	require.NoError(t, err)
	err = mailer.SendOrderConfirmation(context.Background(), sampleConfirmation())
	require.Error(t, err)
}

func TestNewSendGridMailerValidates(t *testing.T) {
	_, err := NewSendGridMailer("", "shop@example.com", "x")
	assert.Error(t, err)
	_, err = NewSendGridMailer("key", "", "x")
	assert.Error(t, err)
}
