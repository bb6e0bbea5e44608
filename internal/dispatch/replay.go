package dispatch

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"whalewatch/internal/chainhook"
	"whalewatch/internal/matcher"
	"whalewatch/internal/queue"
	"whalewatch/internal/storage"
)

// Replay enqueues a fresh delivery job for an already recorded alert,
// bypassing the history de-duplication. Used to recover alerts whose
// enqueue failed.
func (p *Pipeline) Replay(ctx context.Context, rule storage.AlertRule, rec storage.HistoryRecord) (queue.Job, error) {
	if rule.ID != rec.RuleID {
		return queue.Job{}, fmt.Errorf("history %d belongs to rule %s, not %s", rec.ID, rec.RuleID, rule.ID)
	}
	if len(rule.Channels) == 0 {
		return queue.Job{}, fmt.Errorf("rule %s has no channels", rule.ID)
	}

	res := matcher.Result{
		Rule: rule,
		Movement: chainhook.Movement{
			TxID:        rec.TxID,
			AmountSats:  rec.AmountSats,
			From:        rec.FromAddresses,
			To:          rec.ToAddresses,
			BlockHeight: rec.BlockHeight,
		},
		AmountBTC: rec.AmountBTC,
		AmountUSD: rec.AmountUSD,
	}

	job, err := queue.NewJob(p.delivery(res, impliedRate(rec), rec.CreatedAt))
	if err != nil {
		return queue.Job{}, err
	}
	job.RuleID = rule.ID
	job.TxID = rec.TxID

	if err := p.queue.Enqueue(ctx, job, p.opts.Policy); err != nil {
		return queue.Job{}, fmt.Errorf("enqueue replay for %s/%s: %w", rule.ID, rec.TxID, err)
	}
	p.logger.Info().Str("rule_id", rule.ID).Str("txid", rec.TxID).Str("job_id", job.ID).Msg("alert replayed")
	return job, nil
}

// impliedRate recovers the rate an alert was valued at.
func impliedRate(rec storage.HistoryRecord) decimal.Decimal {
	if rec.AmountBTC.IsZero() {
		return decimal.Zero
	}
	return rec.AmountUSD.Div(rec.AmountBTC)
}
