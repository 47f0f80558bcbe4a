package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/retry"
)

// Confirmation carries the on-chain facts of a mined settlement transaction.
type Confirmation struct {
	BlockNumber uint64
	GasUsed     uint64
	Reverted    bool
}

// ReceiptWaiter blocks until a transaction is mined, giving one confirmation.
type ReceiptWaiter interface {
	WaitMined(ctx context.Context, txHash string) (*Confirmation, error)
}

// RPCReceiptWaiter polls an Ethereum JSON-RPC node for the transaction
// receipt. Transient RPC failures are treated like a still-pending receipt
// and polled through.
type RPCReceiptWaiter struct {
	client   *ethclient.Client
	interval time.Duration
	timeout  time.Duration
}

// NewRPCReceiptWaiter wraps an ethclient with the given poll interval and
// overall deadline. Zero values fall back to 2s/120s.
func NewRPCReceiptWaiter(client *ethclient.Client, interval, timeout time.Duration) *RPCReceiptWaiter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RPCReceiptWaiter{client: client, interval: interval, timeout: timeout}
}

func (w *RPCReceiptWaiter) WaitMined(ctx context.Context, txHash string) (*Confirmation, error) {
	hash := common.HexToHash(txHash)

	conf, err := retry.Poll(ctx, w.interval, w.timeout, func(ctx context.Context) (*Confirmation, bool, error) {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err != nil {
			return nil, false, nil
		}
		return &Confirmation{
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
			Reverted:    receipt.Status != types.ReceiptStatusSuccessful,
		}, true, nil
	})
	if errors.Is(err, retry.ErrPollTimeout) {
		return nil, fmt.Errorf("%w: tx %s", ap2.ErrConfirmationTimeout, txHash)
	}
	if err != nil {
		return nil, err
	}
	return conf, nil
}
