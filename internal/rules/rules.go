// Package rules validates alert rules before they are stored.
package rules

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

// ErrInvalidRule wraps every validation failure.
var ErrInvalidRule = errors.New("invalid alert rule")

// DefaultMinThreshold is the smallest threshold accepted when none is configured.
var DefaultMinThreshold = decimal.RequireFromString("0.1")

const maxNameLength = 100

var bech32Pattern = regexp.MustCompile(`^bc1[ac-hj-np-z02-9]{39,59}$`)

// Validate checks rule against creation constraints. All problems are
// reported together.
func Validate(rule storage.AlertRule, minThreshold decimal.Decimal) error {
	var problems []string

	name := strings.TrimSpace(rule.Name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		problems = append(problems, fmt.Sprintf("name must be between 1 and %d characters", maxNameLength))
	}
	if rule.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if !rule.ThresholdBTC.IsPositive() {
		problems = append(problems, "threshold must be greater than zero")
	} else if rule.ThresholdBTC.LessThan(minThreshold) {
		problems = append(problems, fmt.Sprintf("threshold must be at least %s BTC", minThreshold.String()))
	}

	if len(rule.Channels) == 0 && rule.State != storage.RulePaused {
		problems = append(problems, "at least one notification channel is required")
	}
	for _, ch := range rule.Channels {
		if ch != storage.ChannelEmail && ch != storage.ChannelTelegram {
			problems = append(problems, fmt.Sprintf("unsupported channel %q", ch))
		}
	}

	for _, addr := range rule.Addresses {
		if err := ValidateAddress(addr); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if rule.Email != "" {
		if _, err := mail.ParseAddress(rule.Email); err != nil {
			problems = append(problems, fmt.Sprintf("invalid email %q", rule.Email))
		}
	}

	switch rule.State {
	case storage.RuleActive, storage.RulePaused:
	default:
		problems = append(problems, fmt.Sprintf("unknown state %q", rule.State))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateAddress accepts legacy base58check (P2PKH/P2SH) and bech32 mainnet addresses.
func ValidateAddress(addr string) error {
	switch {
	case strings.HasPrefix(addr, "bc1"):
		if bech32Pattern.MatchString(addr) {
			return nil
		}
	case strings.HasPrefix(addr, "1"), strings.HasPrefix(addr, "3"):
		if validBase58Check(addr) {
			return nil
		}
	}
	return fmt.Errorf("invalid bitcoin address %q", addr)
}

func validBase58Check(addr string) bool {
	if len(addr) < 26 || len(addr) > 35 {
		return false
	}
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != 25 {
		return false
	}
	// version byte: 0x00 P2PKH, 0x05 P2SH
	if raw[0] != 0x00 && raw[0] != 0x05 {
		return false
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], raw[21:])
}

// Normalize trims the name and removes duplicate channels and addresses,
// keeping first-seen order.
func Normalize(rule storage.AlertRule) storage.AlertRule {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.Email = strings.TrimSpace(rule.Email)
	rule.TelegramChatID = strings.TrimSpace(rule.TelegramChatID)

	seenCh := make(map[storage.Channel]struct{}, len(rule.Channels))
	channels := make([]storage.Channel, 0, len(rule.Channels))
	for _, ch := range rule.Channels {
		ch = storage.Channel(strings.ToLower(strings.TrimSpace(string(ch))))
		if ch == "" {
			continue
		}
		if _, ok := seenCh[ch]; ok {
			continue
		}
		seenCh[ch] = struct{}{}
		channels = append(channels, ch)
	}
	rule.Channels = channels

	seenAddr := make(map[string]struct{}, len(rule.Addresses))
	addrs := make([]string, 0, len(rule.Addresses))
	for _, a := range rule.Addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seenAddr[a]; ok {
			continue
		}
		seenAddr[a] = struct{}{}
		addrs = append(addrs, a)
	}
	rule.Addresses = addrs

	if rule.State == "" {
		rule.State = storage.RuleActive
	}
	return rule
}
