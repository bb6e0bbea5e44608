package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

func validRule() storage.AlertRule {
	return storage.AlertRule{
		ID:           "r1",
		UserID:       "u1",
		Name:         "big movers",
		ThresholdBTC: decimal.NewFromInt(10),
		Channels:     []storage.Channel{storage.ChannelEmail},
		State:        storage.RuleActive,
	}
}

func TestValidateAcceptsGoodRule(t *testing.T) {
	r := validRule()
	r.Addresses = []string{
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy",
		"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
	}
	r.Email = "ops@example.com"
	if err := Validate(r, DefaultMinThreshold); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*storage.AlertRule)
		want   string
	}{
		"below minimum":   {func(r *storage.AlertRule) { r.ThresholdBTC = decimal.RequireFromString("0.05") }, "at least 0.1 BTC"},
		"zero threshold":  {func(r *storage.AlertRule) { r.ThresholdBTC = decimal.Zero }, "greater than zero"},
		"no channels":     {func(r *storage.AlertRule) { r.Channels = nil }, "notification channel"},
		"unknown channel": {func(r *storage.AlertRule) { r.Channels = []storage.Channel{"sms"} }, `unsupported channel "sms"`},
		"blank name":      {func(r *storage.AlertRule) { r.Name = "  " }, "name must be"},
		"bad address":     {func(r *storage.AlertRule) { r.Addresses = []string{"xyz"} }, "invalid bitcoin address"},
		"bad email":       {func(r *storage.AlertRule) { r.Email = "nope" }, "invalid email"},
		"bad state":       {func(r *storage.AlertRule) { r.State = "deleted" }, "unknown state"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := validRule()
			tc.mutate(&r)
			err := Validate(r, DefaultMinThreshold)
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestPausedRuleMayHaveNoChannels(t *testing.T) {
	r := validRule()
	r.Channels = nil
	r.State = storage.RulePaused
	if err := Validate(r, DefaultMinThreshold); err != nil {
		t.Fatalf("paused rule without channels should validate: %v", err)
	}
}

func TestValidateAddressChecksum(t *testing.T) {
	// last character altered
	if err := ValidateAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb"); err == nil {
		t.Fatal("expected checksum failure")
	}
	if err := ValidateAddress("bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdb"); err == nil {
		t.Fatal("expected bech32 charset failure")
	}
}

func TestNormalize(t *testing.T) {
	r := Normalize(storage.AlertRule{
		Name:      "  whales ",
		Channels:  []storage.Channel{"Email", "telegram", "email", ""},
		Addresses: []string{" A", "A", "B"},
	})
	if r.Name != "whales" {
		t.Fatalf("name = %q", r.Name)
	}
	if len(r.Channels) != 2 || r.Channels[0] != storage.ChannelEmail || r.Channels[1] != storage.ChannelTelegram {
		t.Fatalf("channels = %v", r.Channels)
	}
	if len(r.Addresses) != 2 {
		t.Fatalf("addresses = %v", r.Addresses)
	}
	if r.State != storage.RuleActive {
		t.Fatalf("state = %q", r.State)
	}
}
