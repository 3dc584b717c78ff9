package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeRatesFetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"base":"USD","rates":{"EUR":0.92,"VND":25410.5}}`))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rates := NewExchangeRates(ExchangeRateConfig{URL: srv.URL, Cache: client, TTL: time.Minute})
	ctx := context.Background()

	rate, err := rates.Rate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("25410.5")))

	rate, err = rates.Rate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("25410.5")))
	assert.EqualValues(t, 1, calls.Load(), "second lookup should hit the cache")

	mr.FastForward(2 * time.Minute)
	_, err = rates.Rate(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExchangeRatesFallsBackAfterOneRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var events []string
	rates := NewExchangeRates(ExchangeRateConfig{
		URL: srv.URL,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})

	rate, err := rates.Rate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(25000)))
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"exchange_rate.fallback"}, events)
}
