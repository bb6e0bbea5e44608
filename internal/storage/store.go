package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	ruleColumns = `id, user_id, name, threshold_btc::text, addresses, channels, email,
        telegram_chat_id, include_metadata, state, created_at, updated_at`

	insertRuleSQL = `INSERT INTO alert_rules (
        id,
        user_id,
        name,
        threshold_btc,
        addresses,
        channels,
        email,
        telegram_chat_id,
        include_metadata,
        state
    ) VALUES (
        $1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,$10
    )
    RETURNING ` + ruleColumns + `;`

	updateRuleSQL = `UPDATE alert_rules
    SET name             = $2,
        threshold_btc    = $3::numeric,
        addresses        = $4,
        channels         = $5,
        email            = $6,
        telegram_chat_id = $7,
        include_metadata = $8,
        state            = $9,
        updated_at       = now()
    WHERE id = $1
    RETURNING ` + ruleColumns + `;`

	deleteRuleSQL = `DELETE FROM alert_rules WHERE id = $1;`

	getRuleSQL = `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = $1;`

	listRulesSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE ($1 = '' OR user_id = $1)
      AND ($2 = '' OR state = $2)
    ORDER BY created_at, id;`

	historyColumns = `id, rule_id, txid, amount_sats, amount_btc::text, amount_usd::text,
        from_addresses, to_addresses, block_height, created_at`

	insertHistorySQL = `INSERT INTO alert_history (
        rule_id,
        txid,
        amount_sats,
        amount_btc,
        amount_usd,
        from_addresses,
        to_addresses,
        block_height
    ) VALUES (
        $1,$2,$3,$4::numeric,$5::numeric,$6,$7,$8
    )
    ON CONFLICT (rule_id, txid) DO NOTHING
    RETURNING ` + historyColumns + `;`

	listRecentHistorySQL = `SELECT ` + historyColumns + `
    FROM alert_history
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listHistoryBetweenSQL = `SELECT ` + historyColumns + `
    FROM alert_history
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, id;`

	listHistoryByRuleSQL = `SELECT ` + historyColumns + `
    FROM alert_history
    WHERE rule_id = $1
    ORDER BY created_at DESC, id DESC
    LIMIT $2;`
)

// RuleStore defines alert rule persistence.
type RuleStore interface {
	CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	UpdateRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (AlertRule, error)
	// ListRules filters by owner and state; empty values match everything.
	ListRules(ctx context.Context, userID string, state RuleState) ([]AlertRule, error)
	ListActiveRules(ctx context.Context) ([]AlertRule, error)
}

// HistoryStore defines alert history persistence.
type HistoryStore interface {
	// CreateHistory inserts rec unless a record for (RuleID, TxID) already exists.
	// The boolean reports whether a new record was written.
	CreateHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, bool, error)
	ListRecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	ListHistoryBetween(ctx context.Context, from, to time.Time) ([]HistoryRecord, error)
	ListHistoryByRule(ctx context.Context, ruleID string, limit int) ([]HistoryRecord, error)
}

// Store aggregates access to alert rules and history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateRule persists a new rule.
func (s *Store) CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if rule.ID == "" || rule.UserID == "" {
		return AlertRule{}, ErrInvalidInput
	}

	row := pool.QueryRow(ctx, insertRuleSQL,
		rule.ID,
		rule.UserID,
		rule.Name,
		rule.ThresholdBTC.String(),
		nonNil(rule.Addresses),
		ChannelStrings(rule.Channels),
		rule.Email,
		rule.TelegramChatID,
		rule.IncludeMetadata,
		string(rule.State),
	)
	created, err := scanRule(row)
	if err != nil {
		if isUniqueViolation(err) {
			return AlertRule{}, ErrDuplicateKey
		}
		return AlertRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return created, nil
}

// UpdateRule replaces the mutable fields of an existing rule.
func (s *Store) UpdateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	row := pool.QueryRow(ctx, updateRuleSQL,
		rule.ID,
		rule.Name,
		rule.ThresholdBTC.String(),
		nonNil(rule.Addresses),
		ChannelStrings(rule.Channels),
		rule.Email,
		rule.TelegramChatID,
		rule.IncludeMetadata,
		string(rule.State),
	)
	updated, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AlertRule{}, ErrNotFound
		}
		return AlertRule{}, fmt.Errorf("update rule: %w", err)
	}
	return updated, nil
}

// DeleteRule removes a rule. History rows are kept.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteRuleSQL, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule loads a rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	rule, err := scanRule(pool.QueryRow(ctx, getRuleSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AlertRule{}, ErrNotFound
		}
		return AlertRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules lists rules filtered by owner and state.
func (s *Store) ListRules(ctx context.Context, userID string, state RuleState) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRulesSQL, userID, string(state))
	if queryErr != nil {
		return nil, fmt.Errorf("list rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan rule: %w", scanErr)
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// ListActiveRules lists every active rule across all owners.
func (s *Store) ListActiveRules(ctx context.Context) ([]AlertRule, error) {
	return s.ListRules(ctx, "", RuleActive)
}

// CreateHistory performs an atomic check-and-insert keyed by (rule_id, txid).
func (s *Store) CreateHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return HistoryRecord{}, false, err
	}
	if rec.RuleID == "" || rec.TxID == "" {
		return HistoryRecord{}, false, ErrInvalidInput
	}

	row := pool.QueryRow(ctx, insertHistorySQL,
		rec.RuleID,
		rec.TxID,
		rec.AmountSats,
		rec.AmountBTC.String(),
		rec.AmountUSD.StringFixed(2),
		nonNil(rec.FromAddresses),
		nonNil(rec.ToAddresses),
		rec.BlockHeight,
	)
	created, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HistoryRecord{}, false, nil
		}
		return HistoryRecord{}, false, fmt.Errorf("insert history: %w", err)
	}
	return created, true, nil
}

// ListRecentHistory lists the most recent history records.
func (s *Store) ListRecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentHistorySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent history: %w", err)
	}
	return collectHistory(rows)
}

// ListHistoryBetween lists records created within [from, to).
func (s *Store) ListHistoryBetween(ctx context.Context, from, to time.Time) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listHistoryBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list history between: %w", err)
	}
	return collectHistory(rows)
}

// ListHistoryByRule lists the latest records for one rule.
func (s *Store) ListHistoryByRule(ctx context.Context, ruleID string, limit int) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listHistoryByRuleSQL, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history by rule: %w", err)
	}
	return collectHistory(rows)
}

func collectHistory(rows pgx.Rows) ([]HistoryRecord, error) {
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRule(row pgx.Row) (AlertRule, error) {
	var (
		rule         AlertRule
		thresholdStr string
		channels     []string
		state        string
	)
	if err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Name,
		&thresholdStr,
		&rule.Addresses,
		&channels,
		&rule.Email,
		&rule.TelegramChatID,
		&rule.IncludeMetadata,
		&state,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse threshold: %w", err)
	}
	rule.ThresholdBTC = threshold
	rule.Channels = ParseChannels(channels)
	rule.State = RuleState(state)
	return rule, nil
}

func scanHistory(row pgx.Row) (HistoryRecord, error) {
	var (
		rec       HistoryRecord
		amountBTC string
		amountUSD string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.RuleID,
		&rec.TxID,
		&rec.AmountSats,
		&amountBTC,
		&amountUSD,
		&rec.FromAddresses,
		&rec.ToAddresses,
		&rec.BlockHeight,
		&rec.CreatedAt,
	); err != nil {
		return HistoryRecord{}, err
	}

	var convErr error
	rec.AmountBTC, convErr = decimal.NewFromString(amountBTC)
	if convErr != nil {
		return HistoryRecord{}, fmt.Errorf("parse amount btc: %w", convErr)
	}
	rec.AmountUSD, convErr = decimal.NewFromString(amountUSD)
	if convErr != nil {
		return HistoryRecord{}, fmt.Errorf("parse amount usd: %w", convErr)
	}
	return rec, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var (
	_ RuleStore    = (*Store)(nil)
	_ HistoryStore = (*Store)(nil)
)
