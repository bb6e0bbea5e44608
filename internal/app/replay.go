package app

import (
	"context"
	"errors"
	"fmt"

	"whalewatch/internal/storage"
)

// Replay re-enqueues recorded alerts in [From, To). Used after a queue
// outage, when history was written but jobs were lost.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("回放范围为空，请检查 --from/--to")
	}

	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	records, err := st.history.ListHistoryBetween(ctx, opts.From.UTC(), opts.To.UTC())
	if err != nil {
		return err
	}
	records = forRule(records, opts.RuleID)

	if opts.DryRun {
		a.Logger.Warn().Msg("回放 dry-run：不会写入队列")
	}

	q, closeQueue, err := a.openQueue(ctx, opts.DryRun)
	if err != nil {
		return err
	}
	defer closeQueue()

	pipeline := a.newPipeline(st, q, nil, nil)
	known := make(map[string]*storage.AlertRule)

	replayed, skipped, failed := 0, 0, 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rule, ok := known[rec.RuleID]
		if !ok {
			r, err := st.rules.GetRule(ctx, rec.RuleID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				rule = nil
			case err != nil:
				return err
			default:
				rule = &r
			}
			known[rec.RuleID] = rule
		}
		if rule == nil {
			skipped++
			a.Logger.Warn().Str("rule_id", rec.RuleID).Str("txid", rec.TxID).Msg("rule deleted, alert not replayed")
			continue
		}

		if opts.DryRun {
			replayed++
			a.Logger.Info().Str("rule_id", rec.RuleID).Str("txid", rec.TxID).Msg("would replay alert")
			continue
		}
		if _, err := pipeline.Replay(ctx, *rule, rec); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("rule_id", rec.RuleID).Str("txid", rec.TxID).Msg("回放失败")
			continue
		}
		replayed++
	}

	a.Logger.Info().Int("replayed", replayed).Int("skipped", skipped).Int("failed", failed).Msg("回放完成")
	if failed > 0 {
		return fmt.Errorf("%d alerts could not be replayed, check the logs", failed)
	}
	return nil
}
