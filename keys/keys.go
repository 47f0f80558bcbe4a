// Package keys loads the merchant's delegated signing key from its supported
// sources: a raw hex string, an encrypted geth keystore file or a BIP39
// mnemonic.
package keys

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	ap2 "github.com/agentpay/ap2-go"
)

// ParsePrivateKey parses a hex-encoded secp256k1 private key, with or
// without a 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap2.ErrInvalidKey, err)
	}
	return key, nil
}

// FromKeystore loads a private key from an encrypted keystore file.
func FromKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap2.ErrInvalidKeystore, err)
	}

	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(data, &keyJSON); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", ap2.ErrInvalidKeystore)
	}

	privateKeyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ap2.ErrInvalidKeystore)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", ap2.ErrInvalidKeystore)
	}
	return privateKey, nil
}

// FromMnemonic derives a private key from a BIP39 mnemonic phrase along the
// standard Ethereum path m/44'/60'/0'/0/{accountIndex}.
func FromMnemonic(mnemonic string, accountIndex uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ap2.ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	privateKey, err := deriveEthereumKey(seed, accountIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap2.ErrInvalidMnemonic, err)
	}
	return privateKey, nil
}

// Address returns the account controlled by the key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// deriveEthereumKey walks the BIP44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44, // purpose
		bip32.FirstHardenedChild + 60, // ethereum coin type
		bip32.FirstHardenedChild + 0,  // account 0
		0,                             // external chain
		index,
	}

	key := masterKey
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}
