package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices/binance"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices/mock"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
)

type PricePublisherConfig struct {
	ProviderType   string        // "binance" or "mock"
	Interval       time.Duration // refresh cadence
	TTL            time.Duration // cache TTL for latest prices
	MockBasePrice  float64
	MockVolatility float64
}

// PricePublisher keeps the latest USD price for every registered asset warm
// in the cache. When the primary provider is unhealthy it falls back to the
// mock generator so valuations degrade instead of vanishing.
type PricePublisher struct {
	primary  prices.Source
	fallback prices.Source
	registry *prices.Registry
	cache    *store.Cache
	clock    scheduler.Clock
	logger   *zap.SugaredLogger
	config   PricePublisherConfig
}

func NewPricePublisher(cache *store.Cache, clock scheduler.Clock, logger *zap.SugaredLogger, config PricePublisherConfig) *PricePublisher {
	var primary prices.Source
	switch config.ProviderType {
	case "mock":
		primary = mock.NewGenerator(logger, config.MockBasePrice, config.MockVolatility)
	default:
		primary = binance.NewProvider(logger)
	}

	return &PricePublisher{
		primary:  primary,
		fallback: mock.NewGenerator(logger, config.MockBasePrice, config.MockVolatility),
		registry: prices.NewRegistry(),
		cache:    cache,
		clock:    clock,
		logger:   logger,
		config:   config,
	}
}

// Source returns the provider handlers should read prices through.
func (p *PricePublisher) Source() prices.Source { return p.primary }

func (p *PricePublisher) Run(ctx context.Context) {
	p.logger.Infow("Starting price publisher",
		"provider", p.primary.Name(),
		"mappings", p.registry.GetAllMappings(),
	)
	scheduler.Repeat(ctx, p.clock, p.config.Interval, "price-publisher", p.logger, p.refresh)
}

func (p *PricePublisher) refresh(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, symbol := range p.registry.GetAllMappings() {
		if seen[symbol] {
			continue
		}
		seen[symbol] = true

		price, err := p.primary.GetPrice(ctx, symbol)
		if err != nil {
			p.logger.Warnw("Primary price source failed; using fallback",
				"symbol", symbol, "error", err)
			price, err = p.fallback.GetPrice(ctx, symbol)
			if err != nil {
				continue
			}
		}

		if err := p.cache.SetPrice(ctx, symbol, price, p.config.TTL); err != nil {
			p.logger.Warnw("Failed to cache price", "symbol", symbol, "error", err)
		}
	}
	return nil
}
