// Package source provides price source implementations for the pipeline
package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/raykavin/pricewatch/core"
)

// Binance fetches spot ticker prices from the Binance REST API.
// It implements core.PriceSource.
type Binance struct {
	client  *binance.Client
	timeout time.Duration
	log     core.Logger
}

// Config holds configuration parameters for the Binance price source
type Config struct {
	APIKey     string
	APISecret  string
	UseTestnet bool
	Timeout    time.Duration
}

// NewBinance creates a Binance price source
func NewBinance(config Config, log core.Logger) *Binance {
	binance.UseTestnet = config.UseTestnet

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Binance{
		client:  binance.NewClient(config.APIKey, config.APISecret),
		timeout: timeout,
		log:     log,
	}
}

// Snapshot fetches current prices for the tracked symbols. A provider error,
// timeout or malformed price fails the whole call; the snapshot never carries
// partial data.
func (b *Binance) Snapshot(ctx context.Context, symbols []string) (core.PriceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	listed, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return core.PriceSnapshot{}, fmt.Errorf("%w: %v", core.ErrSourceUnavailable, err)
	}

	tracked := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		tracked[symbol] = true
	}

	prices := make(map[string]float64, len(symbols))
	for _, ticker := range listed {
		if !tracked[ticker.Symbol] {
			continue
		}

		price, err := strconv.ParseFloat(ticker.Price, 64)
		if err != nil {
			return core.PriceSnapshot{}, fmt.Errorf("%w: malformed price for %s: %v",
				core.ErrSourceUnavailable, ticker.Symbol, err)
		}

		prices[ticker.Symbol] = price
	}

	b.log.Debugf("fetched %d of %d tracked prices", len(prices), len(symbols))

	return core.NewPriceSnapshot(prices, time.Now()), nil
}
