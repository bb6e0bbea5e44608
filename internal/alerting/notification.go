package alerting

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

// Notification 封装一次巨鲸告警的展示内容。
type Notification struct {
	RuleID      string            `json:"rule_id"`
	RuleName    string            `json:"rule_name,omitempty"`
	TxID        string            `json:"txid"`
	AmountSats  int64             `json:"amount_sats"`
	AmountBTC   decimal.Decimal   `json:"amount_btc"`
	AmountUSD   decimal.Decimal   `json:"amount_usd"`
	From        []string          `json:"from_addresses"`
	To          []string          `json:"to_addresses"`
	BlockHeight int64             `json:"block_height"`
	DetectedAt  time.Time         `json:"detected_at"`
	ExplorerURL string            `json:"explorer_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Delivery is the queued unit of work: what to send, where, and to whom.
type Delivery struct {
	Channels     []storage.Channel          `json:"channels"`
	Recipients   map[storage.Channel]string `json:"recipients"`
	Notification Notification               `json:"notification"`
}

// ExplorerLink renders the explorer URL template for txid.
func ExplorerLink(template, txid string) string {
	if template == "" {
		template = "https://blockstream.info/tx/%s"
	}
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, txid)
	}
	return strings.TrimRight(template, "/") + "/" + txid
}

func formatUSD(v decimal.Decimal) string {
	fixed := v.StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")
	neg := strings.HasPrefix(intPart, "-")
	intPart = strings.TrimPrefix(intPart, "-")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "$" + b.String() + "." + frac
	if neg {
		return "-" + out
	}
	return out
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escapeMarkdown escapes Telegram legacy Markdown control characters so
// dynamic text never opens an entity.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func joinOrDash(addrs []string) string {
	if len(addrs) == 0 {
		return "-"
	}
	return strings.Join(addrs, ", ")
}

func sortedMetadata(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// renderTelegram builds the Markdown chat message.
func renderTelegram(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("🐋 *Whale Alert*\n\n")
	builder.WriteString(fmt.Sprintf("💰 *Amount:* %s BTC (%s)\n", note.AmountBTC.String(), formatUSD(note.AmountUSD)))
	builder.WriteString(fmt.Sprintf("🔗 *TX:* `%s`\n", strings.ReplaceAll(note.TxID, "`", "")))
	builder.WriteString(fmt.Sprintf("📤 *From:* %s\n", escapeMarkdown(joinOrDash(note.From))))
	builder.WriteString(fmt.Sprintf("📥 *To:* %s\n", escapeMarkdown(joinOrDash(note.To))))
	builder.WriteString(fmt.Sprintf("⛓️ *Block:* %d\n", note.BlockHeight))
	builder.WriteString(fmt.Sprintf("🕐 *Time:* %s\n", note.DetectedAt.UTC().Format(time.RFC3339)))
	for _, k := range sortedMetadata(note.Metadata) {
		builder.WriteString(fmt.Sprintf("• %s: %s\n", escapeMarkdown(k), escapeMarkdown(note.Metadata[k])))
	}
	if note.ExplorerURL != "" {
		builder.WriteString(fmt.Sprintf("\n[View on Explorer](%s)", note.ExplorerURL))
	}
	return builder.String()
}

func emailSubject(note Notification) string {
	return fmt.Sprintf("🐋 Whale Alert: %s BTC Transaction Detected", note.AmountBTC.String())
}

// renderEmail returns the HTML body and its plain-text alternative.
func renderEmail(note Notification) (string, string) {
	rows := [][2]string{
		{"Amount", fmt.Sprintf("%s BTC (%s)", note.AmountBTC.String(), formatUSD(note.AmountUSD))},
		{"Transaction ID", note.TxID},
		{"From", joinOrDash(note.From)},
		{"To", joinOrDash(note.To)},
		{"Block", fmt.Sprintf("%d", note.BlockHeight)},
		{"Time", note.DetectedAt.UTC().Format(time.RFC3339)},
	}
	for _, k := range sortedMetadata(note.Metadata) {
		rows = append(rows, [2]string{k, note.Metadata[k]})
	}

	var htmlBody, text strings.Builder
	htmlBody.WriteString("<html><body>\n<h2>Large Bitcoin Transaction Detected</h2>\n")
	text.WriteString("Large Bitcoin Transaction Detected\n\n")
	for _, row := range rows {
		htmlBody.WriteString(fmt.Sprintf("<p><strong>%s:</strong> %s</p>\n", html.EscapeString(row[0]), html.EscapeString(row[1])))
		text.WriteString(fmt.Sprintf("%s: %s\n", row[0], row[1]))
	}
	if note.ExplorerURL != "" {
		htmlBody.WriteString(fmt.Sprintf("<p><a href=\"%s\">View on Explorer</a></p>\n", html.EscapeString(note.ExplorerURL)))
		text.WriteString("\n" + note.ExplorerURL + "\n")
	}
	htmlBody.WriteString("</body></html>\n")
	return htmlBody.String(), text.String()
}
