package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"whalewatch/internal/storage"
)

// defaultExportWindow applies when --from is omitted.
const defaultExportWindow = 30 * 24 * time.Hour

// Export renders alert history as CSV and/or a PNG chart of alerted volume.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, err := a.openStores(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := st.history.ListHistoryBetween(ctx, from, to)
	if err != nil {
		return err
	}
	records = forRule(records, opts.RuleID)
	if len(records) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	a.Logger.Info().Int("total", len(records)).Msg("exporting alert history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsample(records, opts.MaxPoints)); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		points := downsample(dailyVolume(records), opts.MaxPoints)
		if err := writeVolumePNG(opts.PNGPath, points); err != nil {
			return err
		}
	}
	return nil
}

func forRule(records []storage.HistoryRecord, ruleID string) []storage.HistoryRecord {
	if ruleID == "" {
		return records
	}
	out := make([]storage.HistoryRecord, 0, len(records))
	for _, rec := range records {
		if rec.RuleID == ruleID {
			out = append(out, rec)
		}
	}
	return out
}

// volumePoint aggregates alerted volume per UTC day.
type volumePoint struct {
	Day    time.Time
	Alerts int
	BTC    decimal.Decimal
	USD    decimal.Decimal
}

func dailyVolume(records []storage.HistoryRecord) []volumePoint {
	var points []volumePoint
	index := make(map[time.Time]int)
	for _, rec := range records {
		day := rec.CreatedAt.UTC().Truncate(24 * time.Hour)
		i, ok := index[day]
		if !ok {
			i = len(points)
			index[day] = i
			points = append(points, volumePoint{Day: day, BTC: decimal.Zero, USD: decimal.Zero})
		}
		points[i].Alerts++
		points[i].BTC = points[i].BTC.Add(rec.AmountBTC)
		points[i].USD = points[i].USD.Add(rec.AmountUSD)
	}
	return points
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[:1]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeHistoryCSV(path string, records []storage.HistoryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"created_at", "rule_id", "txid", "amount_sats", "amount_btc", "amount_usd", "block_height", "from_addresses", "to_addresses"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.RuleID,
			rec.TxID,
			strconv.FormatInt(rec.AmountSats, 10),
			rec.AmountBTC.String(),
			rec.AmountUSD.StringFixed(2),
			strconv.FormatInt(rec.BlockHeight, 10),
			strings.Join(rec.FromAddresses, " "),
			strings.Join(rec.ToAddresses, " "),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeVolumePNG(path string, points []volumePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// go-chart needs at least two points per series
	if len(points) == 1 {
		prev := points[0]
		prev.Day = prev.Day.Add(-24 * time.Hour)
		prev.Alerts, prev.BTC, prev.USD = 0, decimal.Zero, decimal.Zero
		points = append([]volumePoint{prev}, points...)
	}

	x := make([]time.Time, len(points))
	btc := make([]float64, len(points))
	usd := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Day
		btc[i] = p.BTC.InexactFloat64()
		usd[i] = p.USD.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Alerted volume (BTC)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Alerted volume (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "BTC",
				XValues: x,
				YValues: btc,
			},
			chart.TimeSeries{
				Name:    "USD",
				XValues: x,
				YValues: usd,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
