// Package pricing provides the cached BTC/USD rate used to value movements.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SatsPerBTC is the fixed satoshi divisor.
const SatsPerBTC = 100_000_000

// Quote is a BTC/USD rate observed at FetchedAt.
type Quote struct {
	Value     decimal.Decimal
	FetchedAt time.Time
	Source    string
}

// QuoteSource fetches the current BTC/USD rate from an upstream.
type QuoteSource interface {
	FetchQuote(ctx context.Context) (Quote, error)
	Name() string
}

// SatsToBTC converts satoshis to BTC exactly.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

// BTCToUSD values a BTC amount at rate.
func BTCToUSD(btc, rate decimal.Decimal) decimal.Decimal {
	return btc.Mul(rate)
}

// StaticSource always returns the same rate. Used for offline simulation.
type StaticSource struct {
	Rate decimal.Decimal
}

// FetchQuote returns the configured rate.
func (s StaticSource) FetchQuote(context.Context) (Quote, error) {
	return Quote{Value: s.Rate, Source: s.Name()}, nil
}

// Name identifies the source.
func (StaticSource) Name() string { return "static" }

var _ QuoteSource = StaticSource{}
