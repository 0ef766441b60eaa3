package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const BinanceRestAPI = "https://api.binance.com"

// Provider implements prices.Source against the Binance REST ticker.
type Provider struct {
	logger  *zap.SugaredLogger
	client  *http.Client
	baseURL string

	mu     sync.RWMutex
	health prices.SourceHealth
}

// NewProvider creates a new Binance provider.
func NewProvider(logger *zap.SugaredLogger) *Provider {
	return &Provider{
		logger:  logger,
		baseURL: BinanceRestAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		health: prices.SourceHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

// NewProviderWithBaseURL is used by tests to point at an httptest server.
func NewProviderWithBaseURL(logger *zap.SugaredLogger, baseURL string) *Provider {
	p := NewProvider(logger)
	p.baseURL = baseURL
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "binance"
}

// Health returns current provider health status.
func (p *Provider) Health() prices.SourceHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Provider) updateHealth(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health.Healthy = healthy
	if healthy {
		p.health.LastSuccess = time.Now()
		p.health.LastError = ""
	} else if err != nil {
		p.health.LastError = err.Error()
	}
}

// GetPrice fetches the latest USD(T) ticker price for a symbol.
func (p *Provider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	requestURL := fmt.Sprintf("%s/api/v3/ticker/price?%s", p.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("build price request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("binance api error: %d", resp.StatusCode)
		p.updateHealth(false, err)
		return decimal.Zero, err
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("decode price response: %w", err)
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		p.updateHealth(false, err)
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	if !price.GreaterThan(decimal.Zero) {
		err := fmt.Errorf("invalid price %s", payload.Price)
		p.updateHealth(false, err)
		return decimal.Zero, err
	}

	p.updateHealth(true, nil)
	return price, nil
}
