// Package matcher evaluates extracted movements against alert rules.
package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"whalewatch/internal/chainhook"
	"whalewatch/internal/storage"
)

// Result is a movement that satisfied a rule, with the amounts it was valued at.
type Result struct {
	Rule      storage.AlertRule
	Movement  chainhook.Movement
	AmountBTC decimal.Decimal
	AmountUSD decimal.Decimal
}

// Matches reports whether rule fires for mv valued at amountBTC.
// Checks run cheapest first: state, threshold, then the address filter.
func Matches(rule storage.AlertRule, mv chainhook.Movement, amountBTC decimal.Decimal) bool {
	if !rule.Active() {
		return false
	}
	if amountBTC.LessThan(rule.ThresholdBTC) {
		return false
	}
	if len(rule.Addresses) == 0 {
		return true
	}
	return anyAddress(rule.Addresses, mv)
}

func anyAddress(watched []string, mv chainhook.Movement) bool {
	if len(mv.From)+len(mv.To) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(watched))
	for _, addr := range watched {
		set[addr] = struct{}{}
	}
	for _, addr := range mv.From {
		if _, ok := set[addr]; ok {
			return true
		}
	}
	for _, addr := range mv.To {
		if _, ok := set[addr]; ok {
			return true
		}
	}
	return false
}

// Index holds a rule set sorted by threshold so only rules whose threshold
// is within reach of a movement are evaluated.
type Index struct {
	byThreshold []indexed
}

type indexed struct {
	pos  int
	rule storage.AlertRule
}

// NewIndex builds an index over rules. Inactive rules are dropped.
func NewIndex(rules []storage.AlertRule) *Index {
	entries := make([]indexed, 0, len(rules))
	for i, rule := range rules {
		if !rule.Active() {
			continue
		}
		entries = append(entries, indexed{pos: i, rule: rule})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].rule.ThresholdBTC.LessThan(entries[j].rule.ThresholdBTC)
	})
	return &Index{byThreshold: entries}
}

// Len reports the number of indexed rules.
func (ix *Index) Len() int {
	return len(ix.byThreshold)
}

// Match returns every rule that matches mv, in the order the rules were
// given to NewIndex.
func (ix *Index) Match(mv chainhook.Movement, amountBTC, amountUSD decimal.Decimal) []Result {
	// first entry whose threshold exceeds the amount
	cut := sort.Search(len(ix.byThreshold), func(i int) bool {
		return ix.byThreshold[i].rule.ThresholdBTC.GreaterThan(amountBTC)
	})
	if cut == 0 {
		return nil
	}

	hits := make([]indexed, 0, cut)
	for _, entry := range ix.byThreshold[:cut] {
		if Matches(entry.rule, mv, amountBTC) {
			hits = append(hits, entry)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			Rule:      hit.rule,
			Movement:  mv,
			AmountBTC: amountBTC,
			AmountUSD: amountUSD,
		})
	}
	return results
}
