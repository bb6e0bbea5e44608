package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule(id string) AlertRule {
	return AlertRule{
		ID:           id,
		UserID:       "user-1",
		Name:         "large moves",
		ThresholdBTC: decimal.RequireFromString("1.5"),
		Addresses:    []string{"bc1qexample"},
		Channels:     []Channel{ChannelEmail, ChannelTelegram},
		Email:        "ops@example.com",
		State:        RuleActive,
	}
}

func TestStore_RuleLifecycle(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateRule(ctx, testRule("rule-1"))
	require.NoError(t, err)
	assert.True(t, created.ThresholdBTC.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, []Channel{ChannelEmail, ChannelTelegram}, created.Channels)
	assert.NotZero(t, created.CreatedAt)

	_, err = store.CreateRule(ctx, testRule("rule-1"))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	created.State = RulePaused
	updated, err := store.UpdateRule(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, RulePaused, updated.State)

	active, err := store.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListRules(ctx, "user-1", "")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.DeleteRule(ctx, "rule-1"))
	assert.ErrorIs(t, store.DeleteRule(ctx, "rule-1"), ErrNotFound)

	_, err = store.GetRule(ctx, "rule-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateHistoryIsIdempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	rec := HistoryRecord{
		RuleID:        "rule-1",
		TxID:          "tx-1",
		AmountSats:    150_000_000,
		AmountBTC:     decimal.RequireFromString("1.5"),
		AmountUSD:     decimal.RequireFromString("75000"),
		ToAddresses:   []string{"bc1qdest"},
		FromAddresses: nil,
		BlockHeight:   840000,
	}

	first, created, err := store.CreateHistory(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)
	assert.NotZero(t, first.ID)
	assert.True(t, first.AmountUSD.Equal(decimal.RequireFromString("75000")))

	_, created, err = store.CreateHistory(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)

	unkeyed := rec
	unkeyed.TxID = ""
	_, _, err = store.CreateHistory(ctx, unkeyed)
	assert.ErrorIs(t, err, ErrInvalidInput)

	byRule, err := store.ListHistoryByRule(ctx, "rule-1", 10)
	require.NoError(t, err)
	assert.Len(t, byRule, 1)
}

func TestStore_CreateHistoryConcurrent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.CreateHistory(ctx, HistoryRecord{RuleID: "rule-c", TxID: "tx-c"})
			if err != nil {
				t.Errorf("create history: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestStore_ListHistoryWindows(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.CreateHistory(ctx, HistoryRecord{
			RuleID:    "rule-w",
			TxID:      fmt.Sprintf("tx-%d", i),
			AmountBTC: decimal.NewFromInt(int64(i + 1)),
		})
		require.NoError(t, err)
	}

	recent, err := store.ListRecentHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "tx-2", recent[0].TxID)

	between, err := store.ListHistoryBetween(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, between, 3)
}

func TestStore_AdvisoryLock(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, again)

	unlock()
}
