package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"whalewatch/internal/chainhook"
	"whalewatch/internal/pricing"
	"whalewatch/internal/queue"
)

// SimulateOptions configure simulate-event.
type SimulateOptions struct {
	Path string
	// Rate pins BTC/USD instead of querying the configured source.
	Rate decimal.Decimal
	// Deliver sends queued notifications through the configured channels.
	Deliver bool
}

// SimulateEvent 读取一个 chainhook payload 文件并完整跑一遍告警流水线。
func (a *App) SimulateEvent(ctx context.Context, opts SimulateOptions) error {
	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	ev, err := chainhook.Decode(raw)
	if err != nil {
		return err
	}

	st, err := a.openStores(ctx, true)
	if err != nil {
		return err
	}
	defer st.close()

	var source pricing.QuoteSource = pricing.StaticSource{Rate: opts.Rate}
	if !opts.Rate.IsPositive() {
		source = a.newQuoteSource()
	}
	oracle := a.newOracle(source, nil)

	// local queue so a simulation never leaks jobs to running workers
	q := queue.NewMemoryQueue(100 * time.Millisecond)
	pipeline := a.newPipeline(st, q, oracle, nil)

	summary, err := pipeline.HandleEvent(ctx, ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "movements=%d rules=%d matches=%d recorded=%d duplicates=%d enqueued=%d failed=%d\n",
		summary.Movements, summary.Rules, summary.Matches, summary.Recorded, summary.Duplicates, summary.Enqueued, summary.Failed)

	if !opts.Deliver {
		return nil
	}
	return a.drain(ctx, q)
}

// drain delivers every queued job once, without retries.
func (a *App) drain(ctx context.Context, q *queue.MemoryQueue) error {
	sender := a.newSender(nil)
	var failed int
	for {
		job, err := q.Dequeue(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			break
		}
		if err := sender.HandleJob(ctx, job); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("job_id", job.ID).Str("rule_id", job.RuleID).Str("txid", job.TxID).Msg("模拟发送失败")
			_, _ = q.Nack(ctx, job, queue.Permanent(err))
			continue
		}
		_ = q.Ack(ctx, job)
	}
	if failed > 0 {
		return errors.New("部分通知发送失败，请检查日志")
	}
	return nil
}
