// Package chainhook decodes chainhook-style Bitcoin event payloads and
// extracts the monetary movements they describe.
package chainhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidPayload is returned when the body is not a JSON object.
var ErrInvalidPayload = errors.New("chainhook: invalid payload")

// Event is a decoded webhook delivery. Apply entries are matched against
// alert rules; rollback entries are carried only for accounting.
type Event struct {
	Apply    []Entry
	Rollback []Entry
}

// Entry is one element of an apply or rollback array. The concrete type is
// one of BlockEntry, TransactionEntry or UnknownEntry.
type Entry interface {
	entry()
}

// BlockIdentifier locates a block.
type BlockIdentifier struct {
	Index int64
	Hash  string
}

// BlockEntry is a block carrying a list of transactions.
type BlockEntry struct {
	Block        BlockIdentifier
	Transactions []json.RawMessage
}

// TransactionEntry is a single transaction with its enclosing block.
type TransactionEntry struct {
	Block       BlockIdentifier
	Transaction json.RawMessage
}

// UnknownEntry is any entry whose shape is not recognised.
type UnknownEntry struct {
	Raw json.RawMessage
}

func (BlockEntry) entry()       {}
func (TransactionEntry) entry() {}
func (UnknownEntry) entry()     {}

// Decode validates raw as a JSON object and classifies its apply and
// rollback entries. Only a non-object body is an error; everything below
// the top level degrades to empty values or UnknownEntry.
func Decode(raw []byte) (Event, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if top == nil {
		return Event{}, fmt.Errorf("%w: body is null", ErrInvalidPayload)
	}

	return Event{
		Apply:    decodeEntries(top["apply"]),
		Rollback: decodeEntries(top["rollback"]),
	}, nil
}

func decodeEntries(raw json.RawMessage) []Entry {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, classify(item))
	}
	return entries
}

type rawEntry struct {
	BlockIdentifier json.RawMessage `json:"block_identifier"`
	Transactions    json.RawMessage `json:"transactions"`
	Transaction     json.RawMessage `json:"transaction"`
}

func classify(item json.RawMessage) Entry {
	var e rawEntry
	if err := json.Unmarshal(item, &e); err != nil {
		return UnknownEntry{Raw: item}
	}

	block := decodeBlockIdentifier(e.BlockIdentifier)

	if !isNull(e.Transactions) {
		var txs []json.RawMessage
		if err := json.Unmarshal(e.Transactions, &txs); err == nil {
			return BlockEntry{Block: block, Transactions: txs}
		}
	}
	if !isNull(e.Transaction) {
		return TransactionEntry{Block: block, Transaction: e.Transaction}
	}
	return UnknownEntry{Raw: item}
}

func decodeBlockIdentifier(raw json.RawMessage) BlockIdentifier {
	var b struct {
		Index json.RawMessage `json:"index"`
		Hash  string          `json:"hash"`
	}
	if isNull(raw) || json.Unmarshal(raw, &b) != nil {
		return BlockIdentifier{}
	}
	return BlockIdentifier{Index: parseInteger(b.Index), Hash: b.Hash}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// parseInteger reads a JSON number or numeric string, truncating any
// fractional part. Anything else yields zero.
func parseInteger(raw json.RawMessage) int64 {
	if isNull(raw) {
		return 0
	}
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return 0
		}
		text = strings.TrimSpace(unquoted)
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return v
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0
	}
	d = d.Truncate(0)
	if d.Abs().GreaterThan(maxInt64) {
		return 0
	}
	return d.IntPart()
}
