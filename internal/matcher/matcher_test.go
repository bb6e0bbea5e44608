package matcher

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalewatch/internal/chainhook"
	"whalewatch/internal/pricing"
	"whalewatch/internal/storage"
)

func rule(id string, threshold string, addrs ...string) storage.AlertRule {
	return storage.AlertRule{
		ID:           id,
		UserID:       "u",
		ThresholdBTC: decimal.RequireFromString(threshold),
		Addresses:    addrs,
		Channels:     []storage.Channel{storage.ChannelEmail},
		State:        storage.RuleActive,
	}
}

func TestMatchesPausedNeverFires(t *testing.T) {
	r := rule("r", "0.1")
	r.State = storage.RulePaused
	mv := chainhook.Movement{TxID: "t", AmountSats: 1_000_000_000_000}
	assert.False(t, Matches(r, mv, pricing.SatsToBTC(mv.AmountSats)))
}

func TestMatchesThresholdBoundary(t *testing.T) {
	r := rule("r", "1.0")

	exact := chainhook.Movement{AmountSats: 100_000_000}
	assert.True(t, Matches(r, exact, pricing.SatsToBTC(exact.AmountSats)))

	below := chainhook.Movement{AmountSats: 99_999_999}
	assert.False(t, Matches(r, below, pricing.SatsToBTC(below.AmountSats)))
}

func TestMatchesAddressFilter(t *testing.T) {
	r := rule("r", "1", "A")
	amount := decimal.NewFromInt(5)

	assert.True(t, Matches(r, chainhook.Movement{To: []string{"A", "B"}}, amount))
	assert.True(t, Matches(r, chainhook.Movement{From: []string{"A"}}, amount))
	assert.False(t, Matches(r, chainhook.Movement{From: []string{"C"}, To: []string{"D"}}, amount))
	assert.False(t, Matches(r, chainhook.Movement{}, amount))

	open := rule("open", "1")
	assert.True(t, Matches(open, chainhook.Movement{}, amount))
}

func TestIndexMatchPreservesInputOrder(t *testing.T) {
	rules := []storage.AlertRule{
		rule("big", "10"),
		rule("small", "0.5"),
		rule("mid", "1.5"),
		rule("filtered", "0.1", "X"),
	}
	paused := rule("paused", "0.1")
	paused.State = storage.RulePaused
	rules = append(rules, paused)

	ix := NewIndex(rules)
	assert.Equal(t, 4, ix.Len())

	mv := chainhook.Movement{TxID: "t", AmountSats: 150_000_000}
	results := ix.Match(mv, pricing.SatsToBTC(mv.AmountSats), decimal.NewFromInt(90000))
	require.Len(t, results, 2)
	assert.Equal(t, "small", results[0].Rule.ID)
	assert.Equal(t, "mid", results[1].Rule.ID)
	assert.True(t, results[0].AmountUSD.Equal(decimal.NewFromInt(90000)))

	assert.Empty(t, ix.Match(chainhook.Movement{}, decimal.Zero, decimal.Zero))
}

func TestIndexAgreesWithLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	addrs := []string{"A", "B", "C", "D"}

	rules := make([]storage.AlertRule, 0, 200)
	for i := 0; i < 200; i++ {
		r := rule(fmt.Sprintf("r%d", i), decimal.New(rng.Int63n(500)+1, -2).String())
		if rng.Intn(3) == 0 {
			r.Addresses = []string{addrs[rng.Intn(len(addrs))]}
		}
		if rng.Intn(5) == 0 {
			r.State = storage.RulePaused
		}
		rules = append(rules, r)
	}
	ix := NewIndex(rules)

	for i := 0; i < 100; i++ {
		mv := chainhook.Movement{
			AmountSats: rng.Int63n(600_000_000),
			To:         []string{addrs[rng.Intn(len(addrs))]},
		}
		btc := pricing.SatsToBTC(mv.AmountSats)

		var want []string
		for _, r := range rules {
			if Matches(r, mv, btc) {
				want = append(want, r.ID)
			}
		}
		var got []string
		for _, res := range ix.Match(mv, btc, decimal.Zero) {
			got = append(got, res.Rule.ID)
		}
		require.Equal(t, want, got, "movement %d", i)
	}
}
