package ap2

import (
	"math/big"
	"strings"
)

// BatchStatus is the settlement lifecycle state of a BatchInvoice.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchSettling BatchStatus = "settling"
	BatchSettled  BatchStatus = "settled"
	BatchFailed   BatchStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s BatchStatus) Terminal() bool {
	return s == BatchSettled || s == BatchFailed
}

// IntentMandate is a user-signed, time-bounded spending authorization for a
// metered service. Once UserSignature verifies against the mandate's EIP-712
// digest the mandate is immutable; mutating any field invalidates the
// signature.
type IntentMandate struct {
	// MandateID is an opaque, globally unique identifier.
	MandateID string `json:"mandateId"`

	// UserAddress is the payer's account (hex, 20 bytes).
	UserAddress string `json:"userAddress"`

	// MerchantAddress is the service operator's account.
	MerchantAddress string `json:"merchantAddress"`

	// CreatedAt and ExpiresAt are unix seconds.
	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiresAt"`

	// DailyCapMicroUSDC caps the payer's spend per UTC calendar day.
	DailyCapMicroUSDC int64 `json:"dailyCapMicroUsdc"`

	// PricePerMessageMicroUSDC is the fixed charge per inference call.
	PricePerMessageMicroUSDC int64 `json:"pricePerMessageMicroUsdc"`

	// BatchThreshold is the unsettled-event count that triggers settlement.
	BatchThreshold int `json:"batchThreshold"`

	ServiceType string `json:"serviceType"`
	ModelName   string `json:"modelName"`

	// UserSignature is the 65-byte hex signature over the mandate digest.
	// Empty until the user has signed.
	UserSignature string `json:"userSignature,omitempty"`
}

// Signed reports whether a user signature has been attached.
func (m *IntentMandate) Signed() bool {
	return m.UserSignature != ""
}

// Expired reports whether the mandate is past its expiry at the given unix time.
func (m *IntentMandate) Expired(now int64) bool {
	return now > m.ExpiresAt
}

// UsageEvent records one billable inference call under a mandate.
// Events are created once and never deleted; only batch assignment and
// settlement finalization mutate them.
type UsageEvent struct {
	EventID     string `json:"eventId"`
	MandateID   string `json:"mandateId"`
	UserAddress string `json:"userAddress"`
	Timestamp   int64  `json:"timestamp"`
	Prompt      string `json:"prompt"`
	Response    string `json:"response"`
	ModelName   string `json:"modelName"`

	// TokensUsed is reported by the inference backend when available.
	TokensUsed int `json:"tokensUsed,omitempty"`

	// PriceMicroUSDC is fixed at record time from the mandate's price.
	PriceMicroUSDC int64 `json:"priceMicroUsdc"`

	// BatchID is empty until the event is swept into a batch.
	BatchID string `json:"batchId,omitempty"`

	// Settled transitions false→true exactly once, when the owning batch settles.
	Settled bool `json:"settled"`
}

// BatchInvoice is a frozen group of usage events collapsed into a single
// settlement attempt. EventIDs never change after creation.
type BatchInvoice struct {
	BatchID         string      `json:"batchId"`
	MandateID       string      `json:"mandateId"`
	UserAddress     string      `json:"userAddress"`
	MerchantAddress string      `json:"merchantAddress"`
	EventIDs        []string    `json:"eventIds"`
	EventCount      int         `json:"eventCount"`
	TotalMicroUSDC  int64       `json:"totalMicroUsdc"`
	CreatedAt       int64       `json:"createdAt"`
	SettledAt       int64       `json:"settledAt,omitempty"`
	Status          BatchStatus `json:"status"`
	TransactionHash string      `json:"transactionHash,omitempty"`
	BlockNumber     uint64      `json:"blockNumber,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
}

// DelegatedAuthorization is an EIP-3009 transferWithAuthorization signed
// off-chain. It is minted fresh for every settlement attempt and never
// reused across batches: a retry gets a new nonce.
type DelegatedAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the transfer amount in atomic token units, decimal string.
	Value string `json:"value"`

	// ValidAfter and ValidBefore bound the validity window, unix seconds.
	ValidAfter  int64 `json:"validAfter"`
	ValidBefore int64 `json:"validBefore"`

	// Nonce is a single-use random 32-byte hex string.
	Nonce string `json:"nonce"`

	// V, R, S are the split ECDSA signature components. V is 27 or 28.
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// PaymentPayload wraps a signed authorization for the facilitator.
type PaymentPayload struct {
	Scheme  string                 `json:"scheme"`
	Network string                 `json:"network"`
	Payload DelegatedAuthorization `json:"payload"`
}

// PaymentRequirements describes the expected payment alongside the payload.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Token             string `json:"token"`
	Amount            string `json:"amount"`
	Recipient         string `json:"recipient"`
	Description       string `json:"description"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// SettlementResult is the terminal outcome of one settlement attempt.
type SettlementResult struct {
	Success         bool   `json:"success"`
	BatchID         string `json:"batchId"`
	TransactionHash string `json:"transactionHash,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	GasUsed         uint64 `json:"gasUsed,omitempty"`
	ExplorerURL     string `json:"explorerUrl,omitempty"`
	Error           string `json:"error,omitempty"`
}

// EqualAddress compares two hex account identifiers case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// MicroUSDCToUSDC renders a micro-USDC amount as a decimal USDC string.
// For example, 1500000 becomes "1.500000".
func MicroUSDCToUSDC(micro int64) string {
	f := new(big.Float).SetInt64(micro)
	f.Quo(f, big.NewFloat(1e6))
	return f.Text('f', 6)
}
