package x402

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CAIP-2 network identifiers for the supported EVM chains.
const (
	// Mainnets
	NetworkBase      = "eip155:8453"
	NetworkPolygon   = "eip155:137"
	NetworkAvalanche = "eip155:43114"
	NetworkEthereum  = "eip155:1"

	// Testnets
	NetworkBaseSepolia   = "eip155:84532"
	NetworkPolygonAmoy   = "eip155:80002"
	NetworkAvalancheFuji = "eip155:43113"
	NetworkSepolia       = "eip155:11155111"
)

// ChainConfig holds configuration for a specific blockchain.
type ChainConfig struct {
	// Network is the CAIP-2 network identifier.
	Network string

	// LegacyName is the version 1 wire name of the network (e.g. "base-sepolia").
	LegacyName string

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-712 domain parameter "name" of the USDC contract.
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain parameter "version".
	EIP3009Version string
}

// Predefined chain configurations.
var (
	BaseMainnet = ChainConfig{
		Network:        NetworkBase,
		LegacyName:     "base",
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	PolygonMainnet = ChainConfig{
		Network:        NetworkPolygon,
		LegacyName:     "polygon",
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	AvalancheMainnet = ChainConfig{
		Network:        NetworkAvalanche,
		LegacyName:     "avalanche",
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	EthereumMainnet = ChainConfig{
		Network:        NetworkEthereum,
		LegacyName:     "ethereum",
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	BaseSepolia = ChainConfig{
		Network:        NetworkBaseSepolia,
		LegacyName:     "base-sepolia",
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	PolygonAmoy = ChainConfig{
		Network:        NetworkPolygonAmoy,
		LegacyName:     "polygon-amoy",
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	AvalancheFuji = ChainConfig{
		Network:        NetworkAvalancheFuji,
		LegacyName:     "avalanche-fuji",
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	SepoliaTestnet = ChainConfig{
		Network:        NetworkSepolia,
		LegacyName:     "sepolia",
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}
)

var chainConfigByNetwork = map[string]ChainConfig{
	NetworkBase:          BaseMainnet,
	NetworkPolygon:       PolygonMainnet,
	NetworkAvalanche:     AvalancheMainnet,
	NetworkEthereum:      EthereumMainnet,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkPolygonAmoy:   PolygonAmoy,
	NetworkAvalancheFuji: AvalancheFuji,
	NetworkSepolia:       SepoliaTestnet,
}

// SupportedChains returns the configurations of every known chain, ordered
// by network identifier.
func SupportedChains() []ChainConfig {
	chains := make([]ChainConfig, 0, len(chainConfigByNetwork))
	for _, config := range chainConfigByNetwork {
		chains = append(chains, config)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].Network < chains[j].Network })
	return chains
}

// GetChainConfig returns the chain configuration for a CAIP-2 network identifier.
// Returns an error if the network is not recognized.
func GetChainConfig(network string) (ChainConfig, error) {
	config, ok := chainConfigByNetwork[network]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return config, nil
}

// ValidateNetwork validates a CAIP-2 network identifier.
// Only the eip155 namespace is supported; the reference must be a numeric
// chain ID.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}

	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}

	switch parts[0] {
	case "eip155":
		if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
			return fmt.Errorf("%w: invalid EIP-155 chain ID: %s", ErrInvalidNetwork, parts[1])
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported namespace: %s", ErrInvalidNetwork, parts[0])
	}
}

// GetChainID extracts the chain ID from a CAIP-2 EVM network identifier.
func GetChainID(network string) (int64, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}
	if parts[0] != "eip155" {
		return 0, fmt.Errorf("%w: not an EVM network: %s", ErrInvalidNetwork, network)
	}
	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chain ID: %s", ErrInvalidNetwork, parts[1])
	}
	return chainID, nil
}

// NetworkFromLegacyName maps a version 1 network name to its CAIP-2 identifier.
func NetworkFromLegacyName(name string) (string, error) {
	for _, config := range chainConfigByNetwork {
		if config.LegacyName == name {
			return config.Network, nil
		}
	}
	return "", fmt.Errorf("%w: unknown legacy network name: %s", ErrInvalidNetwork, name)
}

// LegacyNetworkName maps a CAIP-2 identifier to its version 1 network name.
// Unknown networks fall back to the CAIP-2 form so encoding never drops data.
func LegacyNetworkName(network string) string {
	if config, ok := chainConfigByNetwork[network]; ok {
		return config.LegacyName
	}
	return network
}
