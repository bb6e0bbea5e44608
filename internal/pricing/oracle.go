package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const flightKey = "btc_usd"

// RefreshRecorder observes upstream refresh attempts.
type RefreshRecorder interface {
	PriceRefresh(source string, err error)
}

// OracleOptions tune caching and fallback behaviour.
type OracleOptions struct {
	TTL          time.Duration
	Timeout      time.Duration
	FallbackRate decimal.Decimal
	Recorder     RefreshRecorder
}

// Oracle caches a single BTC/USD quote and refreshes it at most once per
// expiry, no matter how many callers observe the stale value.
type Oracle struct {
	source   QuoteSource
	ttl      time.Duration
	timeout  time.Duration
	fallback decimal.Decimal
	recorder RefreshRecorder
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	quote *Quote
	group singleflight.Group
}

// NewOracle wires a quote source into a caching oracle.
func NewOracle(source QuoteSource, opts OracleOptions, logger zerolog.Logger) *Oracle {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fallback := opts.FallbackRate
	if !fallback.IsPositive() {
		fallback = decimal.NewFromInt(50000)
	}

	return &Oracle{
		source:   source,
		ttl:      ttl,
		timeout:  timeout,
		fallback: fallback,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "price_oracle").Str("source", source.Name()).Logger(),
		now:      time.Now,
	}
}

// CurrentRate returns the BTC/USD rate. It never fails: a refresh error
// falls back to the last known quote, or to the fallback constant when no
// quote was ever fetched.
func (o *Oracle) CurrentRate(ctx context.Context) decimal.Decimal {
	if q, ok := o.fresh(); ok {
		return q.Value
	}

	q, err := o.load(ctx, false)
	if err == nil {
		return q.Value
	}

	if stale, ok := o.Snapshot(); ok {
		o.logger.Warn().Err(err).
			Str("rate", stale.Value.String()).
			Dur("age", o.now().Sub(stale.FetchedAt)).
			Msg("price refresh failed, serving stale quote")
		return stale.Value
	}

	o.logger.Warn().Err(err).
		Str("rate", o.fallback.String()).
		Msg("price refresh failed, serving fallback rate")
	return o.fallback
}

// Refresh fetches a new quote regardless of cache age.
func (o *Oracle) Refresh(ctx context.Context) (Quote, error) {
	return o.load(ctx, true)
}

// Snapshot returns the cached quote, fresh or not.
func (o *Oracle) Snapshot() (Quote, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.quote == nil {
		return Quote{}, false
	}
	return *o.quote, true
}

// SatsToUSD values satoshis at the current rate.
func (o *Oracle) SatsToUSD(ctx context.Context, sats int64) decimal.Decimal {
	return BTCToUSD(SatsToBTC(sats), o.CurrentRate(ctx))
}

func (o *Oracle) fresh() (Quote, bool) {
	q, ok := o.Snapshot()
	if !ok || o.now().Sub(q.FetchedAt) >= o.ttl {
		return Quote{}, false
	}
	return q, true
}

func (o *Oracle) load(ctx context.Context, force bool) (Quote, error) {
	v, err, _ := o.group.Do(flightKey, func() (any, error) {
		// a caller that queued behind a completed flight sees the new quote here
		if !force {
			if q, ok := o.fresh(); ok {
				return q, nil
			}
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()

		q, err := o.source.FetchQuote(fetchCtx)
		if err == nil && !q.Value.IsPositive() {
			err = errors.New("non-positive rate")
		}
		if o.recorder != nil {
			o.recorder.PriceRefresh(o.source.Name(), err)
		}
		if err != nil {
			return Quote{}, fmt.Errorf("fetch quote from %s: %w", o.source.Name(), err)
		}

		q.FetchedAt = o.now()
		if q.Source == "" {
			q.Source = o.source.Name()
		}

		o.mu.Lock()
		o.quote = &q
		o.mu.Unlock()

		o.logger.Debug().Str("rate", q.Value.String()).Msg("price quote refreshed")
		return q, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}
