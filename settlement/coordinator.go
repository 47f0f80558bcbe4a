package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/authorizer"
	"github.com/agentpay/ap2-go/ledger"
)

// SchemeExact is the only x402 payment scheme this coordinator settles with.
const SchemeExact = "exact"

// Coordinator drives a batch invoice through settlement: mint a fresh
// transfer authorization, submit it to the facilitator, wait for one on-chain
// confirmation and finalize the batch. A batch handed to Settle always ends
// in a terminal status; failures are recorded on the batch so the next
// threshold crossing re-batches its events.
type Coordinator struct {
	ledger      *ledger.Ledger
	authorizer  *authorizer.Authorizer
	facilitator *FacilitatorClient
	waiter      ReceiptWaiter
	chain       ap2.ChainConfig
	maxTimeout  time.Duration
	logger      *zap.Logger
}

// NewCoordinator wires the settlement pipeline. waiter may be nil, in which
// case the facilitator's reported block number is trusted without waiting
// for a confirmation. maxTimeout bounds how long the facilitator may hold
// the authorization; zero falls back to one hour.
func NewCoordinator(l *ledger.Ledger, auth *authorizer.Authorizer, fc *FacilitatorClient, waiter ReceiptWaiter, chain ap2.ChainConfig, maxTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if maxTimeout <= 0 {
		maxTimeout = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		ledger:      l,
		authorizer:  auth,
		facilitator: fc,
		waiter:      waiter,
		chain:       chain,
		maxTimeout:  maxTimeout,
		logger:      logger,
	}
}

// Settle runs exactly one settlement attempt for the batch. The returned
// result is terminal either way; the error return is reserved for ledger and
// input failures where no attempt was made.
func (c *Coordinator) Settle(ctx context.Context, batchID string) (*ap2.SettlementResult, error) {
	batch, err := c.ledger.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ap2.ErrBatchFinalized, batchID, batch.Status)
	}

	if _, err := c.ledger.Finalize(ctx, batchID, ap2.BatchSettling, ledger.FinalizeParams{}); err != nil {
		return nil, fmt.Errorf("mark settling: %w", err)
	}

	c.logger.Info("settling batch",
		zap.String("batchId", batchID),
		zap.Int("events", batch.EventCount),
		zap.Int64("totalMicroUsdc", batch.TotalMicroUSDC),
	)

	value := big.NewInt(batch.TotalMicroUSDC)
	auth, err := c.authorizer.CreateAuthorization(
		common.HexToAddress(batch.UserAddress),
		common.HexToAddress(batch.MerchantAddress),
		value,
		batchID,
	)
	if err != nil {
		return c.fail(ctx, batchID, fmt.Sprintf("create authorization: %v", err))
	}

	payment := ap2.PaymentPayload{
		Scheme:  SchemeExact,
		Network: c.chain.NetworkID,
		Payload: *auth,
	}
	requirements := ap2.PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           c.chain.NetworkID,
		Token:             c.chain.USDCAddress,
		Amount:            value.String(),
		Recipient:         batch.MerchantAddress,
		Description:       fmt.Sprintf("Batch %s: %d messages", batchID, batch.EventCount),
		MaxTimeoutSeconds: int(c.maxTimeout / time.Second),
	}

	resp, err := c.facilitator.Settle(ctx, payment, requirements)
	if err != nil {
		return c.fail(ctx, batchID, err.Error())
	}

	blockNumber := resp.BlockNumber
	var gasUsed uint64
	if c.waiter != nil {
		conf, err := c.waiter.WaitMined(ctx, resp.TransactionHash)
		if err != nil {
			return c.fail(ctx, batchID, fmt.Sprintf("confirm %s: %v", resp.TransactionHash, err))
		}
		if conf.Reverted {
			return c.fail(ctx, batchID, fmt.Sprintf("transaction %s reverted", resp.TransactionHash))
		}
		blockNumber = conf.BlockNumber
		gasUsed = conf.GasUsed
	}

	if _, err := c.ledger.Finalize(ctx, batchID, ap2.BatchSettled, ledger.FinalizeParams{
		TransactionHash: resp.TransactionHash,
		BlockNumber:     blockNumber,
	}); err != nil {
		return nil, fmt.Errorf("mark settled: %w", err)
	}

	c.logger.Info("batch settled",
		zap.String("batchId", batchID),
		zap.String("txHash", resp.TransactionHash),
		zap.Uint64("blockNumber", blockNumber),
	)

	return &ap2.SettlementResult{
		Success:         true,
		BatchID:         batchID,
		TransactionHash: resp.TransactionHash,
		BlockNumber:     blockNumber,
		GasUsed:         gasUsed,
		ExplorerURL:     c.chain.ExplorerTxURL(resp.TransactionHash),
	}, nil
}

// HealthCheck verifies the facilitator is reachable and settles the exact
// scheme on this coordinator's network.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	supported, err := c.facilitator.Supported(ctx)
	if err != nil {
		return err
	}
	if !supported.SupportsExact(c.chain.NetworkID) {
		return fmt.Errorf("facilitator does not support %s/%s", SchemeExact, c.chain.NetworkID)
	}
	return nil
}

// fail records a terminal failure on the batch and returns it as a result.
// The batch's events are released for the next batch.
func (c *Coordinator) fail(ctx context.Context, batchID, reason string) (*ap2.SettlementResult, error) {
	c.logger.Warn("settlement failed",
		zap.String("batchId", batchID),
		zap.String("reason", reason),
	)

	if _, err := c.ledger.Finalize(ctx, batchID, ap2.BatchFailed, ledger.FinalizeParams{
		ErrorMessage: reason,
	}); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return &ap2.SettlementResult{
		Success: false,
		BatchID: batchID,
		Error:   reason,
	}, nil
}
