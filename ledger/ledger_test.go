package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ap2 "github.com/agentpay/ap2-go"
)

const (
	testUser     = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	testMerchant = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testMandate  = "mandate-1"
)

func record(t *testing.T, l *Ledger, n int) []*ap2.UsageEvent {
	t.Helper()
	events := make([]*ap2.UsageEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Record(context.Background(), RecordParams{
			MandateID:      testMandate,
			UserAddress:    testUser,
			Prompt:         "hello",
			Response:       "world",
			ModelName:      "llama3.1:8b",
			PriceMicroUSDC: 100,
		})
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestRecord(t *testing.T) {
	l := New(NewMemStore())
	ev := record(t, l, 1)[0]

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, testMandate, ev.MandateID)
	assert.Equal(t, int64(100), ev.PriceMicroUSDC)
	assert.Empty(t, ev.BatchID)
	assert.False(t, ev.Settled)

	two := record(t, l, 1)[0]
	assert.NotEqual(t, ev.EventID, two.EventID)
}

func TestRecord_ValidatesShape(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	valid := RecordParams{
		MandateID:      testMandate,
		UserAddress:    testUser,
		ModelName:      "llama3.1:8b",
		PriceMicroUSDC: 100,
	}

	tests := []struct {
		name   string
		mutate func(*RecordParams)
	}{
		{"missing mandate", func(p *RecordParams) { p.MandateID = "" }},
		{"bad address", func(p *RecordParams) { p.UserAddress = "mallory" }},
		{"missing model", func(p *RecordParams) { p.ModelName = "" }},
		{"zero price", func(p *RecordParams) { p.PriceMicroUSDC = 0 }},
		{"negative price", func(p *RecordParams) { p.PriceMicroUSDC = -100 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := l.Record(ctx, p)
			assert.Error(t, err)
		})
	}
}

func TestBatchThreshold(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	record(t, l, 4)

	should, err := l.ShouldBatch(ctx, testMandate, 5)
	require.NoError(t, err)
	assert.False(t, should, "threshold not reached after 4 events")

	remaining, err := l.MessagesUntilSettlement(ctx, testMandate, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	record(t, l, 1)

	should, err = l.ShouldBatch(ctx, testMandate, 5)
	require.NoError(t, err)
	assert.True(t, should, "threshold reached after 5 events")

	remaining, err = l.MessagesUntilSettlement(ctx, testMandate, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestDailyUsageAndCap(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	events := record(t, l, 4)
	now := events[0].Timestamp

	usage, err := l.DailyUsage(ctx, testUser, now)
	require.NoError(t, err)
	assert.Equal(t, int64(400), usage)

	exceeded, err := l.ExceedsCap(ctx, testUser, 500, now)
	require.NoError(t, err)
	assert.False(t, exceeded, "cap not reached after 4 events of 100")

	record(t, l, 1)

	exceeded, err = l.ExceedsCap(ctx, testUser, 500, now)
	require.NoError(t, err)
	assert.True(t, exceeded, "cap reached after 5 events of 100")

	// The window is a UTC calendar day, not a rolling 24 hours: asking at a
	// time before today's day boundary sees none of today's events.
	dayBefore := now - now%86400 - 1
	usage, err = l.DailyUsage(ctx, testUser, dayBefore)
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestCreateBatch(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	ctx := context.Background()

	record(t, l, 5)

	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.Equal(t, 5, batch.EventCount)
	assert.Len(t, batch.EventIDs, 5)
	assert.Equal(t, int64(500), batch.TotalMicroUSDC)
	assert.Equal(t, ap2.BatchPending, batch.Status)

	// Every snapshotted event is stamped with the batch id but not settled.
	for _, eventID := range batch.EventIDs {
		ev, err := store.Event(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, batch.BatchID, ev.BatchID)
		assert.False(t, ev.Settled)
	}

	// Stamping consumed the batchable pool: an immediate second call is a
	// no-op until the first batch settles or fails.
	unsettled, err := l.Unsettled(ctx, testMandate)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	second, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestCreateBatch_Empty(t *testing.T) {
	l := New(NewMemStore())
	batch, err := l.CreateBatch(context.Background(), testMandate, testUser, testMerchant)
	require.NoError(t, err)
	assert.Nil(t, batch, "no unsettled events means no batch")
}

func TestFinalize_Settled(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	record(t, l, 5)
	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)

	updated, err := l.Finalize(ctx, batch.BatchID, ap2.BatchSettled, FinalizeParams{
		TransactionHash: "0xabc",
		BlockNumber:     123,
	})
	require.NoError(t, err)

	assert.Equal(t, ap2.BatchSettled, updated.Status)
	assert.Equal(t, "0xabc", updated.TransactionHash)
	assert.Equal(t, uint64(123), updated.BlockNumber)
	assert.NotZero(t, updated.SettledAt)

	unsettled, err := l.Unsettled(ctx, testMandate)
	require.NoError(t, err)
	assert.Empty(t, unsettled, "settled events leave the unsettled set")

	next, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)
	assert.Nil(t, next, "second createBatch after settlement returns nil")
}

func TestFinalize_FailedRebatches(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	record(t, l, 5)
	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)

	failed, err := l.Finalize(ctx, batch.BatchID, ap2.BatchFailed, FinalizeParams{
		ErrorMessage: "timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, ap2.BatchFailed, failed.Status)
	assert.Equal(t, "timeout", failed.ErrorMessage)
	assert.Zero(t, failed.SettledAt)

	// Failed-batch events keep settled=false and flow into the next batch.
	unsettled, err := l.Unsettled(ctx, testMandate)
	require.NoError(t, err)
	assert.Len(t, unsettled, 5)

	retry, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.NotEqual(t, batch.BatchID, retry.BatchID)
	assert.Equal(t, int64(500), retry.TotalMicroUSDC)
	assert.ElementsMatch(t, batch.EventIDs, retry.EventIDs)
}

func TestFinalize_TerminalStatesAreFinal(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	record(t, l, 2)
	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)

	_, err = l.Finalize(ctx, batch.BatchID, ap2.BatchSettling, FinalizeParams{})
	require.NoError(t, err)

	_, err = l.Finalize(ctx, batch.BatchID, ap2.BatchFailed, FinalizeParams{ErrorMessage: "boom"})
	require.NoError(t, err)

	_, err = l.Finalize(ctx, batch.BatchID, ap2.BatchSettled, FinalizeParams{})
	assert.ErrorIs(t, err, ap2.ErrBatchFinalized)

	_, err = l.Finalize(ctx, batch.BatchID, ap2.BatchFailed, FinalizeParams{})
	assert.ErrorIs(t, err, ap2.ErrBatchFinalized)
}

func TestFinalize_Errors(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	_, err := l.Finalize(ctx, "batch_missing", ap2.BatchSettled, FinalizeParams{})
	assert.ErrorIs(t, err, ap2.ErrBatchNotFound)

	record(t, l, 1)
	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)

	_, err = l.Finalize(ctx, batch.BatchID, ap2.BatchPending, FinalizeParams{})
	assert.Error(t, err, "pending is not a finalize target")
}

func TestBatchAccessors(t *testing.T) {
	l := New(NewMemStore())
	ctx := context.Background()

	record(t, l, 3)
	batch, err := l.CreateBatch(ctx, testMandate, testUser, testMerchant)
	require.NoError(t, err)

	got, err := l.Batch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchID, got.BatchID)

	byUser, err := l.BatchesForUser(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, byUser, 1)

	byMandate, err := l.BatchesForMandate(ctx, testMandate)
	require.NoError(t, err)
	require.Len(t, byMandate, 1)
	assert.Equal(t, batch.BatchID, byMandate[0].BatchID)
}
