// Package dispatch turns chain events into recorded matches and queued
// notification jobs.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/alerting"
	"whalewatch/internal/chainhook"
	"whalewatch/internal/matcher"
	"whalewatch/internal/pricing"
	"whalewatch/internal/queue"
	"whalewatch/internal/storage"
)

// RuleSource supplies the rules evaluated for each event.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]storage.AlertRule, error)
}

// HistoryWriter records a fired alert at most once per (rule, tx).
type HistoryWriter interface {
	CreateHistory(ctx context.Context, rec storage.HistoryRecord) (storage.HistoryRecord, bool, error)
}

// Enqueuer accepts delivery jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, policy queue.RetryPolicy) error
}

// RateSource returns the BTC/USD rate; it must not fail.
type RateSource interface {
	CurrentRate(ctx context.Context) decimal.Decimal
}

// Recorder observes finished pipeline runs.
type Recorder interface {
	EventHandled(s Summary, elapsed time.Duration)
}

// Summary counts what one event produced.
type Summary struct {
	Movements  int
	Rollbacks  int
	Rules      int
	Matches    int
	Recorded   int
	Duplicates int
	Unkeyed    int
	Enqueued   int
	Failed     int
}

// Options configure a Pipeline.
type Options struct {
	Policy        queue.RetryPolicy
	ExplorerURL   string
	DefaultEmail  string
	DefaultChatID string
	Recorder      Recorder
}

// Pipeline runs extract, price, match, record and enqueue for one event.
type Pipeline struct {
	rules    RuleSource
	history  HistoryWriter
	queue    Enqueuer
	rates    RateSource
	opts     Options
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPipeline wires the pipeline stages.
func NewPipeline(rules RuleSource, history HistoryWriter, q Enqueuer, rates RateSource, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Policy.Attempts <= 0 {
		opts.Policy = queue.DefaultRetryPolicy
	}
	return &Pipeline{
		rules:    rules,
		history:  history,
		queue:    q,
		rates:    rates,
		opts:     opts,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent processes one decoded event. Only a failure to load rules is
// returned; per-match failures are logged and counted in the summary.
func (p *Pipeline) HandleEvent(ctx context.Context, ev chainhook.Event) (Summary, error) {
	start := time.Now()
	summary, err := p.handle(ctx, ev)
	if p.recorder != nil {
		p.recorder.EventHandled(summary, time.Since(start))
	}
	return summary, err
}

func (p *Pipeline) handle(ctx context.Context, ev chainhook.Event) (Summary, error) {
	var summary Summary

	if n := len(ev.Rollback); n > 0 {
		summary.Rollbacks = n
		p.logger.Debug().Int("rollback_entries", n).Msg("rollback entries ignored")
	}

	movements := chainhook.Extract(ev)
	summary.Movements = len(movements)
	if len(movements) == 0 {
		return summary, nil
	}

	rules, err := p.rules.ListActiveRules(ctx)
	if err != nil {
		return summary, fmt.Errorf("load active rules: %w", err)
	}
	index := matcher.NewIndex(p.usable(rules))
	summary.Rules = index.Len()
	if index.Len() == 0 {
		return summary, nil
	}

	rate := p.rates.CurrentRate(ctx)
	for _, mv := range movements {
		if mv.AmountSats <= 0 {
			continue
		}
		if mv.TxID == "" {
			// no key for the (rule, tx) dedupe
			summary.Unkeyed++
			p.logger.Warn().Int64("block_height", mv.BlockHeight).Int64("amount_sats", mv.AmountSats).Msg("movement without txid skipped")
			continue
		}
		btc := pricing.SatsToBTC(mv.AmountSats)
		usd := pricing.BTCToUSD(btc, rate)

		for _, res := range index.Match(mv, btc, usd) {
			summary.Matches++
			p.dispatch(ctx, res, rate, &summary)
		}
	}

	p.logger.Info().
		Int("movements", summary.Movements).
		Int("matches", summary.Matches).
		Int("enqueued", summary.Enqueued).
		Int("duplicates", summary.Duplicates).
		Int("unkeyed", summary.Unkeyed).
		Int("failed", summary.Failed).
		Msg("event processed")
	return summary, nil
}

// usable drops rules that cannot produce a deliverable alert.
func (p *Pipeline) usable(rules []storage.AlertRule) []storage.AlertRule {
	out := make([]storage.AlertRule, 0, len(rules))
	for _, r := range rules {
		switch {
		case len(r.Channels) == 0:
			p.logger.Warn().Str("rule_id", r.ID).Msg("rule has no channels, skipped")
		case !r.ThresholdBTC.IsPositive():
			p.logger.Warn().Str("rule_id", r.ID).Str("threshold", r.ThresholdBTC.String()).Msg("rule threshold not positive, skipped")
		default:
			out = append(out, r)
		}
	}
	return out
}

func (p *Pipeline) dispatch(ctx context.Context, res matcher.Result, rate decimal.Decimal, summary *Summary) {
	rule, mv := res.Rule, res.Movement
	log := p.logger.With().Str("rule_id", rule.ID).Str("txid", mv.TxID).Logger()

	rec, created, err := p.history.CreateHistory(ctx, storage.HistoryRecord{
		RuleID:        rule.ID,
		TxID:          mv.TxID,
		AmountSats:    mv.AmountSats,
		AmountBTC:     res.AmountBTC,
		AmountUSD:     res.AmountUSD,
		FromAddresses: mv.From,
		ToAddresses:   mv.To,
		BlockHeight:   mv.BlockHeight,
	})
	if err != nil {
		summary.Failed++
		log.Error().Err(err).Msg("failed to record alert history")
		return
	}
	if !created {
		summary.Duplicates++
		log.Debug().Msg("alert already recorded, skipping")
		return
	}
	summary.Recorded++

	job, err := queue.NewJob(p.delivery(res, rate, rec.CreatedAt))
	if err != nil {
		summary.Failed++
		log.Error().Err(err).Msg("failed to build delivery job")
		return
	}
	job.RuleID = rule.ID
	job.TxID = mv.TxID

	if err := p.queue.Enqueue(ctx, job, p.opts.Policy); err != nil {
		summary.Failed++
		log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed, alert recorded but not queued")
		return
	}
	summary.Enqueued++
	log.Info().Str("job_id", job.ID).
		Str("amount_btc", res.AmountBTC.String()).
		Str("amount_usd", res.AmountUSD.StringFixed(2)).
		Msg("whale alert queued")
}

func (p *Pipeline) delivery(res matcher.Result, rate decimal.Decimal, detectedAt time.Time) alerting.Delivery {
	rule, mv := res.Rule, res.Movement
	if detectedAt.IsZero() {
		detectedAt = p.now()
	}

	note := alerting.Notification{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TxID:        mv.TxID,
		AmountSats:  mv.AmountSats,
		AmountBTC:   res.AmountBTC,
		AmountUSD:   res.AmountUSD,
		From:        mv.From,
		To:          mv.To,
		BlockHeight: mv.BlockHeight,
		DetectedAt:  detectedAt,
		ExplorerURL: alerting.ExplorerLink(p.opts.ExplorerURL, mv.TxID),
	}
	if rule.IncludeMetadata {
		note.Metadata = map[string]string{
			"block_height":  strconv.FormatInt(mv.BlockHeight, 10),
			"threshold_btc": rule.ThresholdBTC.String(),
			"btc_usd_rate":  rate.StringFixed(2),
			"user_id":       rule.UserID,
		}
	}

	return alerting.Delivery{
		Channels:     rule.Channels,
		Recipients:   p.recipients(rule),
		Notification: note,
	}
}

func (p *Pipeline) recipients(rule storage.AlertRule) map[storage.Channel]string {
	out := make(map[storage.Channel]string, len(rule.Channels))
	for _, ch := range rule.Channels {
		switch ch {
		case storage.ChannelEmail:
			out[ch] = firstNonEmpty(rule.Email, p.opts.DefaultEmail)
		case storage.ChannelTelegram:
			out[ch] = firstNonEmpty(rule.TelegramChatID, p.opts.DefaultChatID)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
