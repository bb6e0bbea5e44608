package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

// Show prints recent alert history followed by a summary. With Since set,
// the summary covers the whole window and the table its latest Limit rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	if opts.Since > 0 {
		to := time.Now().UTC()
		window, err := st.history.ListHistoryBetween(ctx, to.Add(-opts.Since), to)
		if err != nil {
			return err
		}
		window = forRule(window, opts.RuleID)
		fmt.Fprintf(os.Stdout, "window: last %s\n", opts.Since)
		return renderHistory(os.Stdout, latest(window, opts.Limit), window)
	}

	var records []storage.HistoryRecord
	if opts.RuleID != "" {
		records, err = st.history.ListHistoryByRule(ctx, opts.RuleID, opts.Limit)
	} else {
		records, err = st.history.ListRecentHistory(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	return renderHistory(os.Stdout, records, records)
}

// latest returns up to limit records, newest first, from an oldest-first slice.
func latest(records []storage.HistoryRecord, limit int) []storage.HistoryRecord {
	n := len(records)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]storage.HistoryRecord, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, records[i])
	}
	return out
}

// historyStats summarises a set of alerts.
type historyStats struct {
	Count    int
	Rules    int
	TotalBTC decimal.Decimal
	TotalUSD decimal.Decimal
	AvgBTC   decimal.Decimal
	Largest  storage.HistoryRecord
}

func summarize(records []storage.HistoryRecord) historyStats {
	stats := historyStats{TotalBTC: decimal.Zero, TotalUSD: decimal.Zero, AvgBTC: decimal.Zero}
	rules := make(map[string]struct{})
	for i, rec := range records {
		stats.TotalBTC = stats.TotalBTC.Add(rec.AmountBTC)
		stats.TotalUSD = stats.TotalUSD.Add(rec.AmountUSD)
		if i == 0 || rec.AmountBTC.GreaterThan(stats.Largest.AmountBTC) {
			stats.Largest = rec
		}
		rules[rec.RuleID] = struct{}{}
	}
	stats.Count = len(records)
	stats.Rules = len(rules)
	if stats.Count > 0 {
		stats.AvgBTC = stats.TotalBTC.Div(decimal.NewFromInt(int64(stats.Count)))
	}
	return stats
}

func renderHistory(out io.Writer, records, summarised []storage.HistoryRecord) error {
	if len(summarised) == 0 {
		fmt.Fprintln(out, "no alerts recorded")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRule\tTxID\tBTC\tUSD\tBlock\tTo")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.RuleID,
			shortTxID(rec.TxID),
			formatDecimal(rec.AmountBTC, 8),
			formatDecimal(rec.AmountUSD, 2),
			rec.BlockHeight,
			sanitizeInline(strings.Join(rec.ToAddresses, ",")),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	stats := summarize(summarised)
	fmt.Fprintf(out, "\n%d alerts across %d rules, %s BTC (%s USD)\n",
		stats.Count, stats.Rules, formatDecimal(stats.TotalBTC, 8), formatDecimal(stats.TotalUSD, 2))
	fmt.Fprintf(out, "average %s BTC, largest %s BTC (%s, rule %s)\n",
		formatDecimal(stats.AvgBTC, 8), formatDecimal(stats.Largest.AmountBTC, 8),
		shortTxID(stats.Largest.TxID), stats.Largest.RuleID)
	return nil
}

func shortTxID(txid string) string {
	if len(txid) <= 16 {
		return txid
	}
	return txid[:8] + "…" + txid[len(txid)-8:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
