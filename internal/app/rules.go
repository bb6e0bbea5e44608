package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whalewatch/internal/rules"
	"whalewatch/internal/storage"
)

// RuleInput carries the fields accepted by `rules add`.
type RuleInput struct {
	UserID          string
	Name            string
	ThresholdBTC    decimal.Decimal
	Addresses       []string
	Channels        []string
	Email           string
	TelegramChatID  string
	IncludeMetadata bool
	Paused          bool
}

func (a *App) minThreshold() decimal.Decimal {
	if a.Config.Rules.MinThresholdBTC <= 0 {
		return rules.DefaultMinThreshold
	}
	return decimal.NewFromFloat(a.Config.Rules.MinThresholdBTC)
}

// AddRule validates and stores a new alert rule.
func (a *App) AddRule(ctx context.Context, in RuleInput) (storage.AlertRule, error) {
	state := storage.RuleActive
	if in.Paused {
		state = storage.RulePaused
	}
	rule := rules.Normalize(storage.AlertRule{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Name:            in.Name,
		ThresholdBTC:    in.ThresholdBTC,
		Addresses:       in.Addresses,
		Channels:        storage.ParseChannels(in.Channels),
		Email:           in.Email,
		TelegramChatID:  in.TelegramChatID,
		IncludeMetadata: in.IncludeMetadata,
		State:           state,
	})
	if err := rules.Validate(rule, a.minThreshold()); err != nil {
		return storage.AlertRule{}, err
	}

	st, err := a.openStores(ctx, false)
	if err != nil {
		return storage.AlertRule{}, err
	}
	defer st.close()

	created, err := st.rules.CreateRule(ctx, rule)
	if err != nil {
		return storage.AlertRule{}, err
	}
	a.Logger.Info().Str("rule_id", created.ID).Str("user_id", created.UserID).Msg("rule created")
	return created, nil
}

// ListRules prints rules filtered by owner and state.
func (a *App) ListRules(ctx context.Context, userID string, state storage.RuleState) error {
	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	list, err := st.rules.ListRules(ctx, userID, state)
	if err != nil {
		return err
	}
	return renderRules(os.Stdout, list)
}

func renderRules(out io.Writer, list []storage.AlertRule) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "no rules found")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUser\tName\tThreshold BTC\tChannels\tAddresses\tState")
	for _, r := range list {
		addrs := "any"
		if len(r.Addresses) > 0 {
			addrs = fmt.Sprintf("%d watched", len(r.Addresses))
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.UserID, sanitizeInline(r.Name), r.ThresholdBTC.String(),
			strings.Join(storage.ChannelStrings(r.Channels), ","), addrs, r.State)
	}
	return writer.Flush()
}

// SetRuleState pauses or resumes a rule.
func (a *App) SetRuleState(ctx context.Context, id string, state storage.RuleState) error {
	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	rule, err := st.rules.GetRule(ctx, id)
	if err != nil {
		return fmt.Errorf("load rule %s: %w", id, err)
	}
	rule.State = state
	if err := rules.Validate(rule, decimal.Zero); err != nil {
		return err
	}
	if _, err := st.rules.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("update rule %s: %w", id, err)
	}
	a.Logger.Info().Str("rule_id", id).Str("state", string(state)).Msg("rule state changed")
	return nil
}

// DeleteRule removes a rule; its history is kept.
func (a *App) DeleteRule(ctx context.Context, id string) error {
	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.rules.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	a.Logger.Info().Str("rule_id", id).Msg("rule deleted")
	return nil
}
