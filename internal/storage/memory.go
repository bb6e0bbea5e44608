package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type historyKey struct {
	ruleID string
	txID   string
}

// MemoryStore is an in-memory implementation of RuleStore and HistoryStore.
// It backs local runs without a database and the pipeline tests.
type MemoryStore struct {
	mu      sync.RWMutex
	rules   map[string]AlertRule
	history []HistoryRecord
	seen    map[historyKey]struct{}
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]AlertRule),
		seen:  make(map[historyKey]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateRule adds a rule. Returns ErrDuplicateKey if the id exists.
func (s *MemoryStore) CreateRule(_ context.Context, rule AlertRule) (AlertRule, error) {
	if rule.ID == "" || rule.UserID == "" {
		return AlertRule{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return AlertRule{}, ErrDuplicateKey
	}
	ts := s.now()
	rule.CreatedAt = ts
	rule.UpdatedAt = ts
	rule = copyRule(rule)
	s.rules[rule.ID] = rule
	return copyRule(rule), nil
}

// UpdateRule replaces the mutable fields of a rule.
func (s *MemoryStore) UpdateRule(_ context.Context, rule AlertRule) (AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return AlertRule{}, ErrNotFound
	}
	rule.UserID = existing.UserID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	rule = copyRule(rule)
	s.rules[rule.ID] = rule
	return copyRule(rule), nil
}

// DeleteRule removes a rule. History is kept.
func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// GetRule returns a rule by id.
func (s *MemoryStore) GetRule(_ context.Context, id string) (AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return AlertRule{}, ErrNotFound
	}
	return copyRule(rule), nil
}

// ListRules returns rules filtered by owner and state, ordered by creation time.
func (s *MemoryStore) ListRules(_ context.Context, userID string, state RuleState) ([]AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if userID != "" && rule.UserID != userID {
			continue
		}
		if state != "" && rule.State != state {
			continue
		}
		out = append(out, copyRule(rule))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListActiveRules returns every active rule.
func (s *MemoryStore) ListActiveRules(ctx context.Context) ([]AlertRule, error) {
	return s.ListRules(ctx, "", RuleActive)
}

// CreateHistory inserts rec unless (RuleID, TxID) was already recorded.
func (s *MemoryStore) CreateHistory(_ context.Context, rec HistoryRecord) (HistoryRecord, bool, error) {
	if rec.RuleID == "" || rec.TxID == "" {
		return HistoryRecord{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey{ruleID: rec.RuleID, txID: rec.TxID}
	if _, dup := s.seen[key]; dup {
		return HistoryRecord{}, false, nil
	}
	s.seen[key] = struct{}{}

	s.nextID++
	rec.ID = s.nextID
	rec.CreatedAt = s.now()
	rec = copyHistory(rec)
	s.history = append(s.history, rec)
	return copyHistory(rec), true, nil
}

// ListRecentHistory returns up to limit records, newest first.
func (s *MemoryStore) ListRecentHistory(_ context.Context, limit int) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HistoryRecord, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyHistory(s.history[i]))
	}
	return out, nil
}

// ListHistoryBetween returns records created within [from, to), oldest first.
func (s *MemoryStore) ListHistoryBetween(_ context.Context, from, to time.Time) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HistoryRecord, 0)
	for _, rec := range s.history {
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, copyHistory(rec))
	}
	return out, nil
}

// ListHistoryByRule returns up to limit records for one rule, newest first.
func (s *MemoryStore) ListHistoryByRule(_ context.Context, ruleID string, limit int) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HistoryRecord, 0)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].RuleID == ruleID {
			out = append(out, copyHistory(s.history[i]))
		}
	}
	return out, nil
}

func copyRule(rule AlertRule) AlertRule {
	rule.Addresses = append([]string(nil), rule.Addresses...)
	rule.Channels = append([]Channel(nil), rule.Channels...)
	return rule
}

func copyHistory(rec HistoryRecord) HistoryRecord {
	rec.FromAddresses = append([]string(nil), rec.FromAddresses...)
	rec.ToAddresses = append([]string(nil), rec.ToAddresses...)
	return rec
}

var (
	_ RuleStore    = (*MemoryStore)(nil)
	_ HistoryStore = (*MemoryStore)(nil)
)
