package ledger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ap2 "github.com/agentpay/ap2-go"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func TestRedisStore_EventRoundTrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	ev := &ap2.UsageEvent{
		EventID:        "event_1",
		MandateID:      testMandate,
		UserAddress:    testUser,
		Timestamp:      1700000000,
		Prompt:         "hello",
		Response:       "world",
		ModelName:      "llama3.1:8b",
		TokensUsed:     42,
		PriceMicroUSDC: 100,
	}
	require.NoError(t, s.PutEvent(ctx, ev))

	got, err := s.Event(ctx, "event_1")
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	_, err = s.Event(ctx, "event_missing")
	assert.ErrorIs(t, err, ap2.ErrEventNotFound)
}

func TestRedisStore_IndicesSurviveUpdates(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	for _, id := range []string{"event_1", "event_2", "event_3"} {
		require.NoError(t, s.PutEvent(ctx, &ap2.UsageEvent{
			EventID:        id,
			MandateID:      testMandate,
			UserAddress:    testUser,
			ModelName:      "llama3.1:8b",
			PriceMicroUSDC: 100,
		}))
	}

	// Updating an existing event must not duplicate its index entries.
	ev, err := s.Event(ctx, "event_2")
	require.NoError(t, err)
	ev.BatchID = "batch_1"
	require.NoError(t, s.PutEvent(ctx, ev))

	byMandate, err := s.EventsByMandate(ctx, testMandate)
	require.NoError(t, err)
	require.Len(t, byMandate, 3)
	assert.Equal(t, "event_1", byMandate[0].EventID)
	assert.Equal(t, "event_2", byMandate[1].EventID)
	assert.Equal(t, "batch_1", byMandate[1].BatchID)
	assert.Equal(t, "event_3", byMandate[2].EventID)

	// User lookups are case-insensitive.
	byUser, err := s.EventsByUser(ctx, "0x857B06519E91E3A54538791BDBB0E22373E36B66")
	require.NoError(t, err)
	assert.Len(t, byUser, 3)
}

func TestRedisStore_BatchRoundTrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	b := &ap2.BatchInvoice{
		BatchID:         "batch_1",
		MandateID:       testMandate,
		UserAddress:     testUser,
		MerchantAddress: testMerchant,
		EventIDs:        []string{"event_1", "event_2"},
		EventCount:      2,
		TotalMicroUSDC:  200,
		CreatedAt:       1700000000,
		Status:          ap2.BatchPending,
	}
	require.NoError(t, s.PutBatch(ctx, b))

	got, err := s.Batch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = s.Batch(ctx, "batch_missing")
	assert.ErrorIs(t, err, ap2.ErrBatchNotFound)

	b.Status = ap2.BatchSettled
	b.TransactionHash = "0xabc"
	require.NoError(t, s.PutBatch(ctx, b))

	byUser, err := s.BatchesByUser(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, ap2.BatchSettled, byUser[0].Status)

	byMandate, err := s.BatchesByMandate(ctx, testMandate)
	require.NoError(t, err)
	require.Len(t, byMandate, 1)
}

// The full ledger lifecycle behaves identically over Redis.
func TestRedisStore_LedgerLifecycle(t *testing.T) {
	l := New(newRedisStore(t))
	ctx := context.Background()

	record(t, l, 5)

	should, err := l.ShouldBatch(ctx, testMandate, 5)
	require.NoError(t, err)
	assert.True(t, should)

	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, int64(500), batch.TotalMicroUSDC)

	_, err = l.Finalize(ctx, batch.BatchID, ap2.BatchFailed, FinalizeParams{ErrorMessage: "rpc down"})
	require.NoError(t, err)

	retry, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.ElementsMatch(t, batch.EventIDs, retry.EventIDs)

	settled, err := l.Finalize(ctx, retry.BatchID, ap2.BatchSettled, FinalizeParams{
		TransactionHash: "0xdef",
		BlockNumber:     99,
	})
	require.NoError(t, err)
	assert.Equal(t, ap2.BatchSettled, settled.Status)

	unsettled, err := l.Unsettled(ctx, testMandate)
	require.NoError(t, err)
	assert.Empty(t, unsettled)
}
