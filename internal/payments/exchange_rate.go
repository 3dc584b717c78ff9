package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	exchangeRateCacheKey = "fx:USD:VND"
	exchangeRateTimeout  = 3 * time.Second
)

// ExchangeRateConfig configures the USD to VND lookup.
type ExchangeRateConfig struct {
	URL      string
	Fallback decimal.Decimal
	TTL      time.Duration
	Cache    redis.UniversalClient
	Client   *http.Client
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// ExchangeRates resolves the USD to VND rate: Redis cache, then the rates API (one retry),
// then the configured fallback. Rate never fails.
type ExchangeRates struct {
	cfg ExchangeRateConfig
}

var _ RateSource = (*ExchangeRates)(nil)

// NewExchangeRates applies defaults to cfg.
func NewExchangeRates(cfg ExchangeRateConfig) *ExchangeRates {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if !cfg.Fallback.IsPositive() {
		cfg.Fallback = decimal.NewFromInt(25000)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = func(context.Context, string, map[string]any) {}
	}
	return &ExchangeRates{cfg: cfg}
}

func (e *ExchangeRates) Rate(ctx context.Context) (decimal.Decimal, error) {
	if e.cfg.Cache != nil {
		raw, err := e.cfg.Cache.Get(ctx, exchangeRateCacheKey).Result()
		if err == nil {
			if rate, perr := decimal.NewFromString(raw); perr == nil && rate.IsPositive() {
				return rate, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			e.cfg.Logger(ctx, "exchange_rate.cache_read_failed", map[string]any{"error": err.Error()})
		}
	}

	if e.cfg.URL == "" {
		return e.cfg.Fallback, nil
	}

	var (
		rate decimal.Decimal
		err  error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		if rate, err = e.fetch(ctx); err == nil {
			break
		}
	}
	if err != nil {
		e.cfg.Logger(ctx, "exchange_rate.fallback", map[string]any{"error": err.Error(), "rate": e.cfg.Fallback.String()})
		return e.cfg.Fallback, nil
	}

	if e.cfg.Cache != nil {
		if err := e.cfg.Cache.Set(ctx, exchangeRateCacheKey, rate.String(), e.cfg.TTL).Err(); err != nil {
			e.cfg.Logger(ctx, "exchange_rate.cache_write_failed", map[string]any{"error": err.Error()})
		}
	}
	return rate, nil
}

func (e *ExchangeRates) fetch(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeRateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.URL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("exchange rate: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("exchange rate: decode: %w", err)
	}
	rate, ok := body.Rates["VND"]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, errors.New("exchange rate: VND rate missing")
	}
	return rate, nil
}
