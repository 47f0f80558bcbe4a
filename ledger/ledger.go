package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	ap2 "github.com/agentpay/ap2-go"
)

const secondsPerDay = 86400

// Ledger records usage events and owns the batch-invoice lifecycle. The cap
// is advisory here: Record never rejects on spend. Callers that must not
// jointly exceed a mandate's cap check DailyUsage and Record inside one
// per-mandate critical section (see meter.CheckAndRecord).
type Ledger struct {
	store Store

	// Per-mandate locks serialize the snapshot-then-stamp step in
	// CreateBatch and status transitions in Finalize, so two concurrent
	// callers can never batch overlapping events.
	locks sync.Map
}

// New returns a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// RecordParams are the inputs for one billable inference call.
type RecordParams struct {
	MandateID      string
	UserAddress    string
	Prompt         string
	Response       string
	ModelName      string
	TokensUsed     int
	PriceMicroUSDC int64
}

// Record stores a new usage event with a fresh id and the current timestamp.
// Inputs are validated for shape only; the daily cap is not enforced here.
func (l *Ledger) Record(ctx context.Context, p RecordParams) (*ap2.UsageEvent, error) {
	if p.MandateID == "" {
		return nil, fmt.Errorf("record: mandate id is required")
	}
	if !common.IsHexAddress(p.UserAddress) {
		return nil, fmt.Errorf("record: %w: %q", ap2.ErrInvalidAddress, p.UserAddress)
	}
	if p.ModelName == "" {
		return nil, fmt.Errorf("record: model name is required")
	}
	if p.PriceMicroUSDC <= 0 {
		return nil, fmt.Errorf("record: %w: %d", ap2.ErrInvalidAmount, p.PriceMicroUSDC)
	}

	ev := &ap2.UsageEvent{
		EventID:        newID("event"),
		MandateID:      p.MandateID,
		UserAddress:    common.HexToAddress(p.UserAddress).Hex(),
		Timestamp:      time.Now().Unix(),
		Prompt:         p.Prompt,
		Response:       p.Response,
		ModelName:      p.ModelName,
		TokensUsed:     p.TokensUsed,
		PriceMicroUSDC: p.PriceMicroUSDC,
	}

	if err := l.store.PutEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	return ev, nil
}

// DailyUsage sums the prices of the user's events falling inside the current
// UTC calendar day, i.e. with timestamps in [now - now%86400, now]. This is
// a calendar-day boundary, not a rolling 24-hour window.
func (l *Ledger) DailyUsage(ctx context.Context, userAddress string, now int64) (int64, error) {
	dayStart := now - now%secondsPerDay

	events, err := l.store.EventsByUser(ctx, userAddress)
	if err != nil {
		return 0, fmt.Errorf("daily usage: %w", err)
	}

	var total int64
	for _, ev := range events {
		if ev.Timestamp >= dayStart && ev.Timestamp <= now {
			total += ev.PriceMicroUSDC
		}
	}
	return total, nil
}

// ExceedsCap reports whether the user's daily usage has reached the cap.
func (l *Ledger) ExceedsCap(ctx context.Context, userAddress string, capMicroUSDC, now int64) (bool, error) {
	usage, err := l.DailyUsage(ctx, userAddress, now)
	if err != nil {
		return false, err
	}
	return usage >= capMicroUSDC, nil
}

// Unsettled returns the mandate's batchable events in insertion order: not
// yet settled and not claimed by an in-flight batch. Finalizing a batch as
// failed releases its events' claims, so they reappear here and flow into
// the next batch.
func (l *Ledger) Unsettled(ctx context.Context, mandateID string) ([]*ap2.UsageEvent, error) {
	events, err := l.store.EventsByMandate(ctx, mandateID)
	if err != nil {
		return nil, fmt.Errorf("unsettled: %w", err)
	}

	out := events[:0]
	for _, ev := range events {
		if !ev.Settled && ev.BatchID == "" {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ShouldBatch reports whether the mandate has accumulated enough unsettled
// events to trigger settlement.
func (l *Ledger) ShouldBatch(ctx context.Context, mandateID string, threshold int) (bool, error) {
	unsettled, err := l.Unsettled(ctx, mandateID)
	if err != nil {
		return false, err
	}
	return len(unsettled) >= threshold, nil
}

// MessagesUntilSettlement returns how many more recorded messages will
// trigger the next batch, never below zero.
func (l *Ledger) MessagesUntilSettlement(ctx context.Context, mandateID string, threshold int) (int, error) {
	unsettled, err := l.Unsettled(ctx, mandateID)
	if err != nil {
		return 0, err
	}
	if remaining := threshold - len(unsettled); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// CreateBatch snapshots the mandate's current unsettled events into a new
// pending invoice and stamps each event's batch id. Returns (nil, nil) when
// there is nothing to batch, which also makes an immediate second call a
// no-op: the first call consumed the unsettled set.
func (l *Ledger) CreateBatch(ctx context.Context, mandateID, userAddress, merchantAddress string) (*ap2.BatchInvoice, error) {
	if !common.IsHexAddress(userAddress) || !common.IsHexAddress(merchantAddress) {
		return nil, fmt.Errorf("create batch: %w", ap2.ErrInvalidAddress)
	}

	unlock := l.lockMandate(mandateID)
	defer unlock()

	unsettled, err := l.Unsettled(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	if len(unsettled) == 0 {
		return nil, nil
	}

	batch := &ap2.BatchInvoice{
		BatchID:         newID("batch"),
		MandateID:       mandateID,
		UserAddress:     common.HexToAddress(userAddress).Hex(),
		MerchantAddress: common.HexToAddress(merchantAddress).Hex(),
		EventIDs:        make([]string, 0, len(unsettled)),
		EventCount:      len(unsettled),
		CreatedAt:       time.Now().Unix(),
		Status:          ap2.BatchPending,
	}
	for _, ev := range unsettled {
		batch.EventIDs = append(batch.EventIDs, ev.EventID)
		batch.TotalMicroUSDC += ev.PriceMicroUSDC
	}

	if err := l.store.PutBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	for _, ev := range unsettled {
		ev.BatchID = batch.BatchID
		if err := l.store.PutEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("stamp event %s: %w", ev.EventID, err)
		}
	}

	return batch, nil
}

// FinalizeParams carry the settlement outcome onto the batch.
type FinalizeParams struct {
	TransactionHash string
	BlockNumber     uint64
	ErrorMessage    string
}

// Finalize transitions a batch's status. Terminal statuses (settled, failed)
// admit no further transitions. On settled the batch's events are flipped to
// settled=true and the settlement time stamped. On failed the batch stays
// terminal but its events are released back into the batchable pool, so the
// next batch sweeps them up again.
func (l *Ledger) Finalize(ctx context.Context, batchID string, status ap2.BatchStatus, p FinalizeParams) (*ap2.BatchInvoice, error) {
	switch status {
	case ap2.BatchSettling, ap2.BatchSettled, ap2.BatchFailed:
	default:
		return nil, fmt.Errorf("finalize: invalid target status %q", status)
	}

	batch, err := l.store.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	unlock := l.lockMandate(batch.MandateID)
	defer unlock()

	// Re-read under the lock: a concurrent finalize may have won.
	batch, err = l.store.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ap2.ErrBatchFinalized, batchID, batch.Status)
	}

	batch.Status = status
	batch.TransactionHash = p.TransactionHash
	batch.BlockNumber = p.BlockNumber
	batch.ErrorMessage = p.ErrorMessage

	switch status {
	case ap2.BatchSettled:
		batch.SettledAt = time.Now().Unix()
		for _, eventID := range batch.EventIDs {
			ev, err := l.store.Event(ctx, eventID)
			if err != nil {
				return nil, fmt.Errorf("finalize event %s: %w", eventID, err)
			}
			ev.Settled = true
			if err := l.store.PutEvent(ctx, ev); err != nil {
				return nil, fmt.Errorf("finalize event %s: %w", eventID, err)
			}
		}
	case ap2.BatchFailed:
		for _, eventID := range batch.EventIDs {
			ev, err := l.store.Event(ctx, eventID)
			if err != nil {
				return nil, fmt.Errorf("finalize event %s: %w", eventID, err)
			}
			ev.BatchID = ""
			if err := l.store.PutEvent(ctx, ev); err != nil {
				return nil, fmt.Errorf("finalize event %s: %w", eventID, err)
			}
		}
	}

	if err := l.store.PutBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	return batch, nil
}

// Batch returns the invoice with the given id.
func (l *Ledger) Batch(ctx context.Context, batchID string) (*ap2.BatchInvoice, error) {
	return l.store.Batch(ctx, batchID)
}

// BatchesForUser returns all invoices for a user in creation order.
func (l *Ledger) BatchesForUser(ctx context.Context, userAddress string) ([]*ap2.BatchInvoice, error) {
	return l.store.BatchesByUser(ctx, userAddress)
}

// BatchesForMandate returns all invoices for a mandate in creation order.
func (l *Ledger) BatchesForMandate(ctx context.Context, mandateID string) ([]*ap2.BatchInvoice, error) {
	return l.store.BatchesByMandate(ctx, mandateID)
}

func (l *Ledger) lockMandate(mandateID string) func() {
	mu, _ := l.locks.LoadOrStore(mandateID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// newID returns a prefixed random identifier, e.g. "event_3fa9...".
func newID(prefix string) string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable.
		panic(fmt.Sprintf("ledger: random id: %v", err))
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}
