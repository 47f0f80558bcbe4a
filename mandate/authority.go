// Package mandate issues and verifies intent mandates: long-lived,
// user-signed spending authorizations that cap per-day spend and fix the
// per-message price for a metered service.
package mandate

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/typeddata"
)

// EIP-712 domain parameters for mandate signing. These are protocol-scoped,
// unlike the token-scoped domain used for transfer authorizations.
const (
	DomainName    = "AP2-IntentMandate"
	DomainVersion = "1"
)

// Type declares the canonical mandate struct for EIP-712 hashing. The field
// order is fixed by the protocol; createdAt is deliberately not part of the
// signed payload.
var Type = typeddata.TypeDescriptor{
	Name: "IntentMandate",
	Fields: []typeddata.Field{
		{Name: "mandateId", Type: "string"},
		{Name: "userAddress", Type: "address"},
		{Name: "merchantAddress", Type: "address"},
		{Name: "dailyCapMicroUsdc", Type: "uint256"},
		{Name: "pricePerMessageMicroUsdc", Type: "uint256"},
		{Name: "batchThreshold", Type: "uint256"},
		{Name: "serviceType", Type: "string"},
		{Name: "modelName", Type: "string"},
		{Name: "expiresAt", Type: "uint256"},
	},
}

// Config carries the pricing and cap parameters stamped into issued mandates.
type Config struct {
	PricePerMessageMicroUSDC int64
	DailyCapMicroUSDC        int64
	BatchThreshold           int
	ServiceType              string
	ModelName                string

	// Validity is the expiry horizon for newly issued mandates.
	Validity time.Duration
}

// Authority builds unsigned mandates and verifies user signatures over them.
// It holds no mutable reference to a mandate after issuance; mandates are
// value types owned by the caller.
type Authority struct {
	merchant          common.Address
	chainID           *big.Int
	verifyingContract common.Address
	cfg               Config
}

// NewAuthority validates the configuration and returns a mandate authority.
func NewAuthority(merchant common.Address, chainID *big.Int, verifyingContract common.Address, cfg Config) (*Authority, error) {
	if cfg.BatchThreshold < 1 {
		return nil, ap2.ErrInvalidThreshold
	}
	if cfg.PricePerMessageMicroUSDC <= 0 {
		return nil, fmt.Errorf("%w: price per message must be positive", ap2.ErrInvalidAmount)
	}
	if cfg.DailyCapMicroUSDC <= 0 {
		return nil, fmt.Errorf("%w: daily cap must be positive", ap2.ErrInvalidAmount)
	}
	if cfg.Validity <= 0 {
		return nil, fmt.Errorf("mandate validity must be positive, got %s", cfg.Validity)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id")
	}

	return &Authority{
		merchant:          merchant,
		chainID:           chainID,
		verifyingContract: verifyingContract,
		cfg:               cfg,
	}, nil
}

// IssueUnsigned allocates a fresh mandate for the given user with the
// authority's pricing and caps. The returned mandate carries no signature;
// the user signs its digest externally and the caller activates it with
// Activate.
func (a *Authority) IssueUnsigned(user common.Address) *ap2.IntentMandate {
	now := time.Now().Unix()
	return &ap2.IntentMandate{
		MandateID:                uuid.NewString(),
		UserAddress:              strings.ToLower(user.Hex()),
		MerchantAddress:          strings.ToLower(a.merchant.Hex()),
		CreatedAt:                now,
		ExpiresAt:                now + int64(a.cfg.Validity/time.Second),
		DailyCapMicroUSDC:        a.cfg.DailyCapMicroUSDC,
		PricePerMessageMicroUSDC: a.cfg.PricePerMessageMicroUSDC,
		BatchThreshold:           a.cfg.BatchThreshold,
		ServiceType:              a.cfg.ServiceType,
		ModelName:                a.cfg.ModelName,
	}
}

// Digest computes the EIP-712 signing digest for a mandate. External signing
// agents use this (together with Type, DomainName, DomainVersion and the
// authority's chain parameters) to produce a compliant signature.
func (a *Authority) Digest(m *ap2.IntentMandate) (common.Hash, error) {
	if !common.IsHexAddress(m.UserAddress) || !common.IsHexAddress(m.MerchantAddress) {
		return common.Hash{}, ap2.ErrInvalidAddress
	}

	structHash, err := typeddata.StructHash(Type, map[string]interface{}{
		"mandateId":                m.MandateID,
		"userAddress":              common.HexToAddress(m.UserAddress),
		"merchantAddress":          common.HexToAddress(m.MerchantAddress),
		"dailyCapMicroUsdc":        big.NewInt(m.DailyCapMicroUSDC),
		"pricePerMessageMicroUsdc": big.NewInt(m.PricePerMessageMicroUSDC),
		"batchThreshold":           big.NewInt(int64(m.BatchThreshold)),
		"serviceType":              m.ServiceType,
		"modelName":                m.ModelName,
		"expiresAt":                big.NewInt(m.ExpiresAt),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash mandate: %w", err)
	}

	sep := typeddata.DomainSeparator(DomainName, DomainVersion, a.chainID, a.verifyingContract)
	return typeddata.Digest(sep, structHash), nil
}

// Verify reports whether signature is a valid user signature over the
// mandate's digest. The signature is attacker-supplied input: any malformed
// encoding, recovery failure, or signer mismatch yields false, never an
// error or panic. The mandate is not mutated.
func (a *Authority) Verify(m *ap2.IntentMandate, signature string) bool {
	digest, err := a.Digest(m)
	if err != nil {
		return false
	}

	signer, err := recoverSigner(digest, signature)
	if err != nil {
		return false
	}

	return ap2.EqualAddress(signer.Hex(), m.UserAddress)
}

// Activate verifies the signature and stores it on the mandate, flipping it
// to active. The mandate is immutable from then on: changing any field
// invalidates the stored signature.
func (a *Authority) Activate(m *ap2.IntentMandate, signature string) error {
	if !a.Verify(m, signature) {
		return ap2.ErrSignatureMismatch
	}
	m.UserSignature = signature
	return nil
}

// IsActive reports whether the mandate carries a verified signature and has
// not expired at the given unix time. Expiry is a derived state; mandates
// are never deleted.
func (a *Authority) IsActive(m *ap2.IntentMandate, now int64) bool {
	if !m.Signed() || now >= m.ExpiresAt {
		return false
	}
	return a.Verify(m, m.UserSignature)
}

// ChainID returns the EIP-712 domain chain id.
func (a *Authority) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// VerifyingContract returns the EIP-712 domain verifying contract.
func (a *Authority) VerifyingContract() common.Address {
	return a.verifyingContract
}

// Merchant returns the authority's merchant address.
func (a *Authority) Merchant() common.Address {
	return a.merchant
}

// recoverSigner recovers the account that produced a 65-byte hex signature
// over the digest. Accepts both 0/1 and 27/28 recovery identifiers.
func recoverSigner(digest common.Hash, signature string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}

	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ap2.ErrSignatureMismatch
	}

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
