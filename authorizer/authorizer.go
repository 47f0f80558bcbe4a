// Package authorizer produces and verifies per-batch EIP-3009
// transferWithAuthorization signatures.
//
// Trust model: the signing key is held by the service operator, not the
// payer. After the payer signs an intent mandate and grants an on-chain
// allowance, the operator signs transfer authorizations on the payer's
// behalf within the mandated limits. This delegated-signing arrangement is
// an explicit protocol decision and differs from the textbook EIP-3009 flow
// where the payer signs each transfer.
//
// Nonce-reuse tracking is not this package's responsibility: every
// authorization gets a fresh random nonce, and consumers that accept
// authorizations must track consumed nonces per payer and token externally.
package authorizer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/typeddata"
)

// TransferType declares the canonical EIP-3009 transferWithAuthorization
// struct. Field order is fixed by the standard.
var TransferType = typeddata.TypeDescriptor{
	Name: "TransferWithAuthorization",
	Fields: []typeddata.Field{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// clockSkew is subtracted from validAfter so an authorization is not
// rejected by a verifier whose clock runs slightly behind.
const clockSkew = 60 * time.Second

// TokenDomain identifies the token contract whose EIP-712 domain scopes the
// authorization signature. The domain belongs to the token, not to this
// protocol.
type TokenDomain struct {
	Address common.Address
	Name    string
	Version string
	ChainID *big.Int
}

// Authorizer signs transfer authorizations with the operator's key.
type Authorizer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	token   TokenDomain
	timeout time.Duration
}

// New returns an authorizer signing against the given token domain.
// timeout bounds each authorization's validity window.
func New(key *ecdsa.PrivateKey, token TokenDomain, timeout time.Duration) (*Authorizer, error) {
	if key == nil {
		return nil, ap2.ErrInvalidKey
	}
	if token.ChainID == nil || token.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid token chain id")
	}
	if token.Name == "" || token.Version == "" {
		return nil, fmt.Errorf("token domain name and version are required")
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	return &Authorizer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		token:   token,
		timeout: timeout,
	}, nil
}

// Address returns the signing account.
func (a *Authorizer) Address() common.Address {
	return a.address
}

// CreateAuthorization mints and signs a fresh authorization moving value
// atomic token units from the payer to the recipient. Each call generates a
// new random nonce and validity window; authorizations are never reused
// across settlement attempts. batchID is carried for caller bookkeeping only
// and is not part of the signed payload.
func (a *Authorizer) CreateAuthorization(from, to common.Address, value *big.Int, batchID string) (*ap2.DelegatedAuthorization, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, ap2.ErrInvalidAmount
	}

	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now().Unix()
	validAfter := now - int64(clockSkew/time.Second)
	validBefore := now + int64(a.timeout/time.Second)

	digest, err := transferDigest(a.token, from, to, value,
		big.NewInt(validAfter), big.NewInt(validBefore), nonce)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest[:], a.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &ap2.DelegatedAuthorization{
		From:        strings.ToLower(from.Hex()),
		To:          strings.ToLower(to.Hex()),
		Value:       value.String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce.Hex(),
		V:           sig[64] + 27,
		R:           "0x" + hex.EncodeToString(sig[:32]),
		S:           "0x" + hex.EncodeToString(sig[32:64]),
	}, nil
}

// VerifyAuthorization rebuilds the authorization's digest against the token
// domain and recovers the signing account. It returns (signer, true) on
// success and (zero, false) for any malformed input, a recovery identifier
// outside {27, 28}, or recovery failure. It never panics: the authorization
// is untrusted input.
//
// Time-window and nonce-uniqueness checks are deliberately left to the
// caller; this function only answers who signed.
func VerifyAuthorization(auth *ap2.DelegatedAuthorization, token TokenDomain) (common.Address, bool) {
	if auth == nil || token.ChainID == nil {
		return common.Address{}, false
	}
	if auth.V != 27 && auth.V != 28 {
		return common.Address{}, false
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return common.Address{}, false
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return common.Address{}, false
	}

	nonce, ok := decodeHash(auth.Nonce)
	if !ok {
		return common.Address{}, false
	}
	r, ok := decodeHash(auth.R)
	if !ok {
		return common.Address{}, false
	}
	s, ok := decodeHash(auth.S)
	if !ok {
		return common.Address{}, false
	}

	digest, err := transferDigest(token,
		common.HexToAddress(auth.From), common.HexToAddress(auth.To), value,
		big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore), nonce)
	if err != nil {
		return common.Address{}, false
	}

	sig := make([]byte, 65)
	copy(sig[:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = auth.V - 27

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}

// transferDigest computes the EIP-712 digest for a transferWithAuthorization
// under the token contract's domain.
func transferDigest(token TokenDomain, from, to common.Address, value, validAfter, validBefore *big.Int, nonce common.Hash) (common.Hash, error) {
	structHash, err := typeddata.StructHash(TransferType, map[string]interface{}{
		"from":        from,
		"to":          to,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash authorization: %w", err)
	}

	sep := typeddata.DomainSeparator(token.Name, token.Version, token.ChainID, token.Address)
	return typeddata.Digest(sep, structHash), nil
}

// decodeHash parses a 0x-prefixed 32-byte hex string.
func decodeHash(s string) (common.Hash, bool) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}
