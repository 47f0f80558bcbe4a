package typeddata

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// Canonical constants published with EIP-712 and Circle's EIP-3009 reference
// implementation. If these fail, the slot encoding is broken.
const (
	wantDomainTypeHash = "0x8b73c3c69bb8fe3d512ecc4cf759cc79239f7b179b0ffacaa9a75d522b39400f"
	wantTransferHash   = "0x7c7c6cdb67a18743f49ec6fa9b35f50d52ed05cbed4cc592e13b44501c1a2267"
	wantUSDCDomainSep  = "0x06c37168a7db5138defc7866392bb87a741f9b3d104deb5094588ce041cae335"
)

var mailType = TypeDescriptor{
	Name: "Mail",
	Fields: []Field{
		{Name: "contents", Type: "string"},
		{Name: "wallet", Type: "address"},
	},
}

func TestDomainTypeHash(t *testing.T) {
	if got := DomainTypeHash.Hex(); got != wantDomainTypeHash {
		t.Errorf("DomainTypeHash = %s, want %s", got, wantDomainTypeHash)
	}
}

func TestTransferWithAuthorizationTypeHash(t *testing.T) {
	td := TypeDescriptor{
		Name: "TransferWithAuthorization",
		Fields: []Field{
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
	if got := td.TypeHash().Hex(); got != wantTransferHash {
		t.Errorf("TypeHash = %s, want %s", got, wantTransferHash)
	}
}

func TestDomainSeparator_USDCMainnet(t *testing.T) {
	sep := DomainSeparator(
		"USD Coin",
		"2",
		big.NewInt(1),
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	)
	if got := sep.Hex(); got != wantUSDCDomainSep {
		t.Errorf("DomainSeparator = %s, want %s", got, wantUSDCDomainSep)
	}
}

func TestTypeString(t *testing.T) {
	want := "Mail(string contents,address wallet)"
	if got := mailType.TypeString(); got != want {
		t.Errorf("TypeString = %q, want %q", got, want)
	}
}

func TestStructHash_FixedVector(t *testing.T) {
	hash, err := StructHash(mailType, map[string]interface{}{
		"contents": "hello",
		"wallet":   common.HexToAddress("0x0000000000000000000000000000000000000001"),
	})
	if err != nil {
		t.Fatalf("StructHash failed: %v", err)
	}

	want := "0x2946e35f738b7f130f4deac2145e8f5b51bac03b907ccbdf58fc704239581c3b"
	if got := hash.Hex(); got != want {
		t.Errorf("StructHash = %s, want %s", got, want)
	}
}

func TestDigest_FixedVector(t *testing.T) {
	structHash, err := StructHash(mailType, map[string]interface{}{
		"contents": "hello",
		"wallet":   common.HexToAddress("0x0000000000000000000000000000000000000001"),
	})
	if err != nil {
		t.Fatalf("StructHash failed: %v", err)
	}

	sep := DomainSeparator("Test", "1", big.NewInt(421614),
		common.HexToAddress("0x0000000000000000000000000000000000000002"))
	if got, want := sep.Hex(), "0xd52ee4bdcfe240bec369b9629b9d1e58f32c96f073c2b14934f59c37f78672be"; got != want {
		t.Errorf("DomainSeparator = %s, want %s", got, want)
	}

	digest := Digest(sep, structHash)
	want := "0x9eaab8c971af90141f412543f8973f8d0c6f086f6da17fe26e843c059081f47e"
	if got := digest.Hex(); got != want {
		t.Errorf("Digest = %s, want %s", got, want)
	}
}

func TestStructHash_Deterministic(t *testing.T) {
	values := map[string]interface{}{
		"contents": "same input",
		"wallet":   common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66"),
	}

	first, err := StructHash(mailType, values)
	if err != nil {
		t.Fatalf("StructHash failed: %v", err)
	}
	second, err := StructHash(mailType, values)
	if err != nil {
		t.Fatalf("StructHash failed: %v", err)
	}

	if first != second {
		t.Errorf("identical inputs produced different hashes: %s vs %s", first.Hex(), second.Hex())
	}
}

// Reordering fields is the most likely way to silently break interoperability:
// the hash must change when the declared order changes.
func TestStructHash_FieldOrderMatters(t *testing.T) {
	reordered := TypeDescriptor{
		Name: "Mail",
		Fields: []Field{
			{Name: "wallet", Type: "address"},
			{Name: "contents", Type: "string"},
		},
	}

	values := map[string]interface{}{
		"contents": "hello",
		"wallet":   common.HexToAddress("0x0000000000000000000000000000000000000001"),
	}

	original, err := StructHash(mailType, values)
	if err != nil {
		t.Fatalf("StructHash failed: %v", err)
	}
	swapped, err := StructHash(reordered, values)
	if err != nil {
		t.Fatalf("StructHash failed: %v", err)
	}

	if original == swapped {
		t.Error("reordered type produced the same struct hash")
	}

	// Known vector for the reordered form, so both orders stay pinned.
	want := "0x685a06021a52e3d526eeb6237ca2aae5ebc2065211cb0a1bab3090103b33f2c3"
	if got := swapped.Hex(); got != want {
		t.Errorf("reordered StructHash = %s, want %s", got, want)
	}
}

func TestStructHash_Errors(t *testing.T) {
	tests := []struct {
		name   string
		desc   TypeDescriptor
		values map[string]interface{}
	}{
		{
			name: "missing field value",
			desc: mailType,
			values: map[string]interface{}{
				"contents": "hello",
			},
		},
		{
			name: "wrong value kind",
			desc: mailType,
			values: map[string]interface{}{
				"contents": 42,
				"wallet":   common.HexToAddress("0x0000000000000000000000000000000000000001"),
			},
		},
		{
			name: "unsupported field type",
			desc: TypeDescriptor{
				Name:   "Bad",
				Fields: []Field{{Name: "x", Type: "uint8[]"}},
			},
			values: map[string]interface{}{"x": []byte{1}},
		},
		{
			name: "negative uint256",
			desc: TypeDescriptor{
				Name:   "Num",
				Fields: []Field{{Name: "n", Type: "uint256"}},
			},
			values: map[string]interface{}{"n": big.NewInt(-1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := StructHash(tt.desc, tt.values); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
