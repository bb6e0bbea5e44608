package chainhook

import (
	"encoding/json"
	"math"
	"strings"
)

// MaxSupplySats caps a single operation value; anything larger is malformed.
const MaxSupplySats int64 = 21_000_000 * 100_000_000

// Movement is a single monetary transfer extracted from an event.
type Movement struct {
	TxID        string
	AmountSats  int64
	From        []string
	To          []string
	BlockHeight int64
}

// Addresses returns the union of source and destination addresses.
func (m Movement) Addresses() []string {
	out := make([]string, 0, len(m.From)+len(m.To))
	out = append(out, m.From...)
	return append(out, m.To...)
}

type rawTransaction struct {
	TransactionIdentifier struct {
		Hash string `json:"hash"`
	} `json:"transaction_identifier"`
	Operations []json.RawMessage `json:"operations"`
}

type rawOperation struct {
	Type   string `json:"type"`
	Amount *struct {
		Value json.RawMessage `json:"value"`
	} `json:"amount"`
	Account *struct {
		Address string `json:"address"`
	} `json:"account"`
}

// Extract converts the apply side of ev into movements, in payload order.
// It never fails: malformed transactions become zero-magnitude movements.
func Extract(ev Event) []Movement {
	movements := make([]Movement, 0)
	for _, entry := range ev.Apply {
		switch e := entry.(type) {
		case BlockEntry:
			for _, tx := range e.Transactions {
				movements = append(movements, movementFrom(tx, e.Block.Index))
			}
		case TransactionEntry:
			movements = append(movements, movementFrom(e.Transaction, e.Block.Index))
		}
	}
	return movements
}

func movementFrom(raw json.RawMessage, height int64) Movement {
	mv := Movement{BlockHeight: height}

	var tx rawTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return mv
	}
	mv.TxID = tx.TransactionIdentifier.Hash

	from := newAddressSet()
	to := newAddressSet()
	for _, rawOp := range tx.Operations {
		var op rawOperation
		if err := json.Unmarshal(rawOp, &op); err != nil {
			continue
		}
		if !strings.EqualFold(op.Type, "transfer") || op.Amount == nil {
			continue
		}

		value := parseInteger(op.Amount.Value)
		if value > MaxSupplySats || value < -MaxSupplySats {
			continue
		}
		mv.AmountSats = addSaturating(mv.AmountSats, abs(value))

		if op.Account == nil || op.Account.Address == "" {
			continue
		}
		if value < 0 {
			from.add(op.Account.Address)
		} else {
			to.add(op.Account.Address)
		}
	}
	mv.From = from.items
	mv.To = to.items
	return mv
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func addSaturating(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

type addressSet struct {
	seen  map[string]struct{}
	items []string
}

func newAddressSet() *addressSet {
	return &addressSet{seen: make(map[string]struct{})}
}

func (s *addressSet) add(addr string) {
	if _, ok := s.seen[addr]; ok {
		return
	}
	s.seen[addr] = struct{}{}
	s.items = append(s.items, addr)
}
