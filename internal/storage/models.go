package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleState is the lifecycle state of an alert rule.
type RuleState string

const (
	RuleActive RuleState = "active"
	RulePaused RuleState = "paused"
)

// Channel names a notification transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

// AlertRule is a user-owned threshold/address predicate with notification channels.
type AlertRule struct {
	ID              string
	UserID          string
	Name            string
	ThresholdBTC    decimal.Decimal
	Addresses       []string
	Channels        []Channel
	Email           string
	TelegramChatID  string
	IncludeMetadata bool
	State           RuleState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the rule participates in matching.
func (r AlertRule) Active() bool {
	return r.State == RuleActive
}

// HistoryRecord captures a fired alert for auditing and de-duplication.
// At most one record exists per (RuleID, TxID).
type HistoryRecord struct {
	ID            int64
	RuleID        string
	TxID          string
	AmountSats    int64
	AmountBTC     decimal.Decimal
	AmountUSD     decimal.Decimal
	FromAddresses []string
	ToAddresses   []string
	BlockHeight   int64
	CreatedAt     time.Time
}

// ChannelStrings converts channels to their wire names.
func ChannelStrings(channels []Channel) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, string(c))
	}
	return out
}

// ParseChannels converts wire names to channels, dropping blanks.
func ParseChannels(values []string) []Channel {
	out := make([]Channel, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		out = append(out, Channel(v))
	}
	return out
}
