package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Generator provides mock price data for testing and fallback scenarios.
type Generator struct {
	logger     *zap.SugaredLogger
	mu         sync.RWMutex
	basePrice  float64
	volatility float64
	health     prices.SourceHealth
	rng        *rand.Rand
}

// NewGenerator creates a new mock price generator.
func NewGenerator(logger *zap.SugaredLogger, basePrice, volatility float64) *Generator {
	if basePrice <= 0 {
		basePrice = 0.50 // Default XRP price
	}
	if volatility <= 0 {
		volatility = 0.002 // 0.2% volatility
	}

	return &Generator{
		logger:     logger,
		basePrice:  basePrice,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		health: prices.SourceHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

// Name returns the provider identifier.
func (g *Generator) Name() string {
	return "mock"
}

// Health returns current provider health status.
func (g *Generator) Health() prices.SourceHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// GetPrice returns the base price with a small random walk applied.
func (g *Generator) GetPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	drift := 1 + (g.rng.Float64()*2-1)*g.volatility
	g.basePrice = g.basePrice * drift
	g.health.LastSuccess = time.Now()

	return decimal.NewFromFloat(g.basePrice), nil
}
