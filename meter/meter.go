// Package meter is the contract the inference serving layer calls per
// message: check the mandate's daily cap and record the charge, then trigger
// batch settlement when the threshold is crossed.
package meter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/ledger"
	"github.com/agentpay/ap2-go/mandate"
)

// Settler drives a pending batch to a terminal status. Satisfied by
// settlement.Coordinator.
type Settler interface {
	Settle(ctx context.Context, batchID string) (*ap2.SettlementResult, error)
}

// Meter ties the mandate authority, the usage ledger and the settlement
// pipeline together for the serving layer.
type Meter struct {
	authority *mandate.Authority
	ledger    *ledger.Ledger
	settler   Settler
	logger    *zap.Logger

	// The ledger's cap is advisory. These locks make check-then-record
	// exclusive per mandate, so concurrent charges cannot jointly pass a
	// cap neither would pass alone.
	locks sync.Map
}

// New wires a meter. settler may be nil to disable settlement; MaybeSettle
// is then a no-op and events accumulate until a settler-equipped process
// sweeps them.
func New(authority *mandate.Authority, l *ledger.Ledger, settler Settler, logger *zap.Logger) *Meter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meter{authority: authority, ledger: l, settler: settler, logger: logger}
}

// ChargeParams describe one inference call to be billed.
type ChargeParams struct {
	Prompt     string
	Response   string
	TokensUsed int
}

// ChargeResult is the outcome of CheckAndRecord. When Allowed is false the
// cap fields explain the rejection and Event is nil; no state was changed.
type ChargeResult struct {
	Allowed                 bool            `json:"allowed"`
	Event                   *ap2.UsageEvent `json:"event,omitempty"`
	DailyUsageMicroUSDC     int64           `json:"dailyUsageMicroUsdc"`
	DailyCapMicroUSDC       int64           `json:"dailyCapMicroUsdc"`
	MessagesUntilSettlement int             `json:"messagesUntilSettlement"`
}

// Check reports whether a charge would currently go through, without
// recording anything. Serving layers call it before spending inference
// compute on a request that would only be rejected. CheckAndRecord remains
// the authoritative gate and re-checks under the mandate lock.
func (m *Meter) Check(ctx context.Context, im *ap2.IntentMandate) (*ChargeResult, error) {
	now := time.Now().Unix()
	if !m.authority.IsActive(im, now) {
		if im.Expired(now) {
			return nil, fmt.Errorf("check: %w: %s", ap2.ErrMandateExpired, im.MandateID)
		}
		return nil, fmt.Errorf("check: %w: %s", ap2.ErrMandateNotSigned, im.MandateID)
	}

	usage, err := m.ledger.DailyUsage(ctx, im.UserAddress, now)
	if err != nil {
		return nil, err
	}
	if usage >= im.DailyCapMicroUSDC {
		return m.capReached(ctx, im, usage)
	}

	remaining, err := m.ledger.MessagesUntilSettlement(ctx, im.MandateID, im.BatchThreshold)
	if err != nil {
		return nil, err
	}
	return &ChargeResult{
		Allowed:                 true,
		DailyUsageMicroUSDC:     usage,
		DailyCapMicroUSDC:       im.DailyCapMicroUSDC,
		MessagesUntilSettlement: remaining,
	}, nil
}

// CheckAndRecord enforces the mandate's daily cap and records the charge.
// The cap check and the record happen inside one per-mandate critical
// section. The mandate must be active; expired or unsigned mandates are
// rejected before any state change.
func (m *Meter) CheckAndRecord(ctx context.Context, im *ap2.IntentMandate, p ChargeParams) (*ChargeResult, error) {
	now := time.Now().Unix()
	if !m.authority.IsActive(im, now) {
		if im.Expired(now) {
			return nil, fmt.Errorf("check and record: %w: %s", ap2.ErrMandateExpired, im.MandateID)
		}
		return nil, fmt.Errorf("check and record: %w: %s", ap2.ErrMandateNotSigned, im.MandateID)
	}

	unlock := m.lockMandate(im.MandateID)
	defer unlock()

	usage, err := m.ledger.DailyUsage(ctx, im.UserAddress, now)
	if err != nil {
		return nil, err
	}
	if usage >= im.DailyCapMicroUSDC {
		return m.capReached(ctx, im, usage)
	}

	ev, err := m.ledger.Record(ctx, ledger.RecordParams{
		MandateID:      im.MandateID,
		UserAddress:    im.UserAddress,
		Prompt:         p.Prompt,
		Response:       p.Response,
		ModelName:      im.ModelName,
		TokensUsed:     p.TokensUsed,
		PriceMicroUSDC: im.PricePerMessageMicroUSDC,
	})
	if err != nil {
		return nil, err
	}

	remaining, err := m.ledger.MessagesUntilSettlement(ctx, im.MandateID, im.BatchThreshold)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		Allowed:                 true,
		Event:                   ev,
		DailyUsageMicroUSDC:     usage + ev.PriceMicroUSDC,
		DailyCapMicroUSDC:       im.DailyCapMicroUSDC,
		MessagesUntilSettlement: remaining,
	}, nil
}

// MaybeSettle batches and settles the mandate's unsettled events once the
// threshold is reached. Returns (nil, nil) below the threshold or when
// another caller already swept the events. The settlement attempt itself
// runs outside every lock on the frozen batch.
func (m *Meter) MaybeSettle(ctx context.Context, im *ap2.IntentMandate) (*ap2.SettlementResult, error) {
	if m.settler == nil {
		return nil, nil
	}

	should, err := m.ledger.ShouldBatch(ctx, im.MandateID, im.BatchThreshold)
	if err != nil {
		return nil, err
	}
	if !should {
		return nil, nil
	}

	batch, err := m.ledger.CreateBatch(ctx, im.MandateID, im.UserAddress, im.MerchantAddress)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}

	m.logger.Info("batch created",
		zap.String("batchId", batch.BatchID),
		zap.String("mandateId", im.MandateID),
		zap.Int("events", batch.EventCount),
		zap.Int64("totalMicroUsdc", batch.TotalMicroUSDC),
	)

	return m.settler.Settle(ctx, batch.BatchID)
}

// capReached builds the rejection result for a charge at or over the cap.
func (m *Meter) capReached(ctx context.Context, im *ap2.IntentMandate, usage int64) (*ChargeResult, error) {
	m.logger.Info("daily cap reached",
		zap.String("mandateId", im.MandateID),
		zap.Int64("usageMicroUsdc", usage),
		zap.Int64("capMicroUsdc", im.DailyCapMicroUSDC),
	)
	remaining, err := m.ledger.MessagesUntilSettlement(ctx, im.MandateID, im.BatchThreshold)
	if err != nil {
		return nil, err
	}
	return &ChargeResult{
		Allowed:                 false,
		DailyUsageMicroUSDC:     usage,
		DailyCapMicroUSDC:       im.DailyCapMicroUSDC,
		MessagesUntilSettlement: remaining,
	}, nil
}

func (m *Meter) lockMandate(mandateID string) func() {
	mu, _ := m.locks.LoadOrStore(mandateID, &sync.Mutex{})
	l := mu.(*sync.Mutex)
	l.Lock()
	return l.Unlock
}
