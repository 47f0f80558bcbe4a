// Package typeddata implements EIP-712 typed structured data hashing: struct
// hashes, domain separators, and final signing digests. It is used for both
// intent-mandate signing and EIP-3009 transfer authorizations, so the
// field-ordering logic exists exactly once.
//
// Field order is part of a struct's type signature. Reordering fields in a
// TypeDescriptor silently produces a different, non-interoperable hash, which
// is why the fixed test vectors in this package must never be weakened.
package typeddata

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DomainTypeHash is the type hash of the standard EIP712Domain struct.
var DomainTypeHash = crypto.Keccak256Hash([]byte(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
))

// Field is a single named, typed member of a struct type.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypeDescriptor declares a struct type for EIP-712 hashing. Fields must be
// listed in the exact order of the canonical type string.
type TypeDescriptor struct {
	Name   string
	Fields []Field
}

// TypeString returns the canonical encoded type,
// e.g. "TransferWithAuthorization(address from,address to,...)".
func (d TypeDescriptor) TypeString() string {
	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteByte('(')
	for i, f := range d.Fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.Type)
		b.WriteByte(' ')
		b.WriteString(f.Name)
	}
	b.WriteByte(')')
	return b.String()
}

// TypeHash returns keccak256 of the canonical type string.
func (d TypeDescriptor) TypeHash() common.Hash {
	return crypto.Keccak256Hash([]byte(d.TypeString()))
}

// StructHash computes keccak256(typeHash ‖ enc(value_1) ‖ ... ‖ enc(value_n))
// with each value encoded into a fixed 32-byte slot per ABI rules. Dynamic
// types (string, bytes) are pre-hashed with keccak256.
//
// Supported field types and their expected Go values:
//
//	string  → string
//	bytes   → []byte
//	address → common.Address
//	uint256 → *big.Int (non-negative, at most 256 bits)
//	bytes32 → common.Hash
//
// Values not matching the declared type, or fields missing from values,
// return an error.
func StructHash(d TypeDescriptor, values map[string]interface{}) (common.Hash, error) {
	encoded := make([]byte, 0, (len(d.Fields)+1)*32)
	typeHash := d.TypeHash()
	encoded = append(encoded, typeHash[:]...)

	for _, f := range d.Fields {
		v, ok := values[f.Name]
		if !ok {
			return common.Hash{}, fmt.Errorf("%s: missing value for field %q", d.Name, f.Name)
		}
		slot, err := encodeSlot(f, v)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%s: %w", d.Name, err)
		}
		encoded = append(encoded, slot[:]...)
	}

	return crypto.Keccak256Hash(encoded), nil
}

// DomainSeparator computes the EIP-712 domain separator over the four
// standard domain fields.
func DomainSeparator(name, version string, chainID *big.Int, verifyingContract common.Address) common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(name))
	versionHash := crypto.Keccak256Hash([]byte(version))

	// ABI-encode (bytes32, bytes32, bytes32, uint256, address): every element
	// occupies a 32-byte slot, addresses right-aligned.
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], DomainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], verifyingContract.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// Digest computes the final signing hash:
// keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash).
func Digest(domainSeparator, structHash common.Hash) common.Hash {
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], domainSeparator[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

func encodeSlot(f Field, v interface{}) ([32]byte, error) {
	var slot [32]byte

	switch f.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return slot, fmt.Errorf("field %q: expected string, got %T", f.Name, v)
		}
		copy(slot[:], crypto.Keccak256([]byte(s)))

	case "bytes":
		b, ok := v.([]byte)
		if !ok {
			return slot, fmt.Errorf("field %q: expected []byte, got %T", f.Name, v)
		}
		copy(slot[:], crypto.Keccak256(b))

	case "address":
		addr, ok := v.(common.Address)
		if !ok {
			return slot, fmt.Errorf("field %q: expected common.Address, got %T", f.Name, v)
		}
		copy(slot[12:], addr.Bytes())

	case "uint256":
		n, ok := v.(*big.Int)
		if !ok {
			return slot, fmt.Errorf("field %q: expected *big.Int, got %T", f.Name, v)
		}
		if n == nil || n.Sign() < 0 || n.BitLen() > 256 {
			return slot, fmt.Errorf("field %q: value out of uint256 range", f.Name)
		}
		n.FillBytes(slot[:])

	case "bytes32":
		h, ok := v.(common.Hash)
		if !ok {
			return slot, fmt.Errorf("field %q: expected common.Hash, got %T", f.Name, v)
		}
		slot = h

	default:
		return slot, fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
	}

	return slot, nil
}
