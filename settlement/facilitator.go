// Package settlement submits batch invoices to an x402 facilitator and
// drives them to a terminal status. Each settlement is exactly one facilitator
// attempt with a fresh transfer authorization; a failed batch is left for the
// next threshold crossing to re-batch.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ap2 "github.com/agentpay/ap2-go"
)

// FacilitatorClient talks to an x402 facilitator over HTTP.
type FacilitatorClient struct {
	BaseURL       string
	Client        *http.Client
	SettleTimeout time.Duration // settle waits on a blockchain tx, so it runs long
	QueryTimeout  time.Duration
}

// NewFacilitatorClient returns a client with default timeouts.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:       baseURL,
		Client:        &http.Client{},
		SettleTimeout: 120 * time.Second,
		QueryTimeout:  10 * time.Second,
	}
}

// SettleRequest is the request payload sent to the facilitator /settle
// endpoint.
type SettleRequest struct {
	PaymentPayload      ap2.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements ap2.PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse is the facilitator's /settle result.
type SettleResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	Status          string `json:"status,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Settle submits a signed payment for on-chain execution. A facilitator that
// answers with a non-2xx status or success=false yields ErrSettlementFailed;
// an unreachable facilitator yields ErrFacilitatorUnavailable.
func (c *FacilitatorClient) Settle(ctx context.Context, payment ap2.PaymentPayload, requirements ap2.PaymentRequirements) (*SettleResponse, error) {
	req := SettleRequest{
		PaymentPayload:      payment,
		PaymentRequirements: requirements,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal settle request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.SettleTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/settle", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap2.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	var settleResp SettleResponse
	if err := json.NewDecoder(resp.Body).Decode(&settleResp); err != nil {
		return nil, fmt.Errorf("decode settle response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		reason := settleResp.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ap2.ErrSettlementFailed, reason)
	}
	if !settleResp.Success {
		reason := settleResp.Error
		if reason == "" {
			reason = "facilitator reported failure"
		}
		return nil, fmt.Errorf("%w: %s", ap2.ErrSettlementFailed, reason)
	}
	return &settleResp, nil
}

// SupportedKind is one scheme/network pair the facilitator can settle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the facilitator's /supported result.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supported queries the facilitator for the payment kinds it can settle.
func (c *FacilitatorClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.QueryTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("create supported request: %w", err)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap2.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: supported returned status %d", ap2.ErrFacilitatorUnavailable, resp.StatusCode)
	}

	var supportedResp SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("decode supported response: %w", err)
	}
	return &supportedResp, nil
}

// SupportsExact reports whether the facilitator lists the exact scheme on the
// given network.
func (r *SupportedResponse) SupportsExact(network string) bool {
	for _, kind := range r.Kinds {
		if kind.Scheme == "exact" && kind.Network == network {
			return true
		}
	}
	return false
}
