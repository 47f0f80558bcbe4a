// Package ap2 provides the core types for metered AI-inference billing with
// gasless batch settlement: user-signed intent mandates, off-chain usage
// accounting, and EIP-3009 delegated transfer authorizations settled through
// an external x402 facilitator.
package ap2

import "fmt"

// ChainConfig contains chain-specific configuration for the settlement token
// and the EIP-712 domains used on that chain.
type ChainConfig struct {
	// NetworkID is the protocol network identifier (e.g., "arbitrum-sepolia").
	NetworkID string

	// ChainID is the EVM chain identifier.
	ChainID int64

	// USDCAddress is the settlement token contract address.
	USDCAddress string

	// USDCName and USDCVersion are the token's EIP-712 domain parameters.
	USDCName    string
	USDCVersion string

	// ExplorerBaseURL is the block explorer root for transaction links.
	ExplorerBaseURL string
}

// ExplorerTxURL returns the block explorer link for a transaction hash.
// Returns empty when no explorer is configured.
func (c ChainConfig) ExplorerTxURL(txHash string) string {
	if c.ExplorerBaseURL == "" || txHash == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", c.ExplorerBaseURL, txHash)
}

var (
	// ArbitrumSepolia is the configuration for the Arbitrum Sepolia testnet.
	// The token address is a deployment-specific TestUSDC and is normally
	// overridden from configuration.
	ArbitrumSepolia = ChainConfig{
		NetworkID:       "arbitrum-sepolia",
		ChainID:         421614,
		USDCName:        "TestUSDC",
		USDCVersion:     "1",
		ExplorerBaseURL: "https://sepolia.arbiscan.io",
	}

	// ArbitrumOne is the configuration for Arbitrum mainnet with Circle USDC.
	ArbitrumOne = ChainConfig{
		NetworkID:       "arbitrum",
		ChainID:         42161,
		USDCAddress:     "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		USDCName:        "USD Coin",
		USDCVersion:     "2",
		ExplorerBaseURL: "https://arbiscan.io",
	}
)

// ChainByNetwork returns the chain configuration for a network identifier.
func ChainByNetwork(network string) (ChainConfig, bool) {
	switch network {
	case ArbitrumSepolia.NetworkID:
		return ArbitrumSepolia, true
	case ArbitrumOne.NetworkID:
		return ArbitrumOne, true
	default:
		return ChainConfig{}, false
	}
}
