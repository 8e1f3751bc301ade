// Package evm implements the ledger client against EVM chains using
// go-ethereum: ERC-20 balance reads via eth_call and settlement via an
// EIP-1559 transferWithAuthorization transaction signed by the facilitator
// key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/eip3009"
	"github.com/nacorid/x402-facilitator/x402/ledger"
)

// erc3009ABI covers the two contract entry points the facilitator uses.
const erc3009ABI = `[
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	},
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"constant": false
	}
]`

// Node is the subset of the Ethereum RPC client the ledger client needs.
// *ethclient.Client satisfies it.
type Node interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// DialNode connects to an Ethereum RPC endpoint. Overridable in tests.
var DialNode = func(rpcURL string) (Node, error) {
	return ethclient.Dial(rpcURL)
}

// Config holds the parameters for one EVM ledger client.
type Config struct {
	// Network is the CAIP-2 network identifier, used to derive the chain ID.
	Network string

	// RPCURL is the JSON-RPC endpoint.
	RPCURL string

	// PrivateKey is the hex-encoded facilitator settlement key.
	PrivateKey string

	// GasLimitCap rejects settlements whose buffered gas estimate exceeds
	// this bound. Zero disables the cap.
	GasLimitCap uint64
}

// Client settles exact-scheme payments on one EVM chain.
type Client struct {
	network string
	chainID *big.Int
	node    Node
	key     *ecdsa.PrivateKey
	signer  common.Address
	gasCap  uint64
	abi     abi.ABI
}

var _ ledger.Client = (*Client)(nil)

// Dial creates a client for the configured network.
func Dial(cfg Config) (*Client, error) {
	chainID, err := x402.GetChainID(cfg.Network)
	if err != nil {
		return nil, err
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm: missing RPC URL for %s", cfg.Network)
	}
	node, err := DialNode(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dialing %s: %w", cfg.Network, err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: parsing settlement key: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc3009ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parsing contract ABI: %w", err)
	}

	return &Client{
		network: cfg.Network,
		chainID: big.NewInt(chainID),
		node:    node,
		key:     key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
		gasCap:  cfg.GasLimitCap,
		abi:     parsedABI,
	}, nil
}

// SignerAddress returns the facilitator settlement address.
func (c *Client) SignerAddress() string {
	return c.signer.Hex()
}

// VerifySignature recovers the signer of the authorization and compares it to
// the from address. Recovery is local; no RPC round trip is involved.
func (c *Client) VerifySignature(ctx context.Context, auth x402.EVMAuthorization, domain ledger.Domain, signature string) (bool, error) {
	parsed, err := eip3009.ParseAuthorization(auth)
	if err != nil {
		return false, err
	}

	recovered, err := eip3009.RecoverSigner(eip3009.Domain{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           big.NewInt(domain.ChainID),
		VerifyingContract: common.HexToAddress(domain.VerifyingContract),
	}, parsed, signature)
	if err != nil {
		return false, err
	}

	return recovered == parsed.From, nil
}

// CheckBalance reads the ERC-20 balance of the address via eth_call.
func (c *Client) CheckBalance(ctx context.Context, address, asset string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: invalid address %q", x402.ErrInvalidPayload, address)
	}
	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("%w: invalid asset %q", x402.ErrInvalidPayload, asset)
	}

	callData, err := c.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("evm: packing balanceOf: %w", err)
	}

	assetAddress := common.HexToAddress(asset)
	result, err := c.node.CallContract(ctx, ethereum.CallMsg{
		To:   &assetAddress,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf call: %v", x402.ErrLedgerUnavailable, err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("%w: balanceOf returned %d bytes", x402.ErrLedgerUnavailable, len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// Submit broadcasts a transferWithAuthorization transaction and returns its
// hash once the node accepts it. Acceptance is submission acknowledgment,
// not confirmation.
func (c *Client) Submit(ctx context.Context, auth x402.EVMAuthorization, signature, asset string) (string, error) {
	parsed, err := eip3009.ParseAuthorization(auth)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(asset) {
		return "", fmt.Errorf("%w: invalid asset %q", x402.ErrInvalidPayload, asset)
	}

	sig, err := common.ParseHexOrString(signature)
	if err != nil || len(sig) != 65 {
		return "", fmt.Errorf("%w: signature must be 65 bytes", x402.ErrInvalidPayload)
	}

	var sigR, sigS [32]byte
	copy(sigR[:], sig[0:32])
	copy(sigS[:], sig[32:64])
	sigV := sig[64]
	// The contract expects the 27/28 form.
	if sigV == 0 || sigV == 1 {
		sigV += 27
	}

	txData, err := c.abi.Pack(
		"transferWithAuthorization",
		parsed.From,
		parsed.To,
		parsed.Value,
		parsed.ValidAfter,
		parsed.ValidBefore,
		parsed.Nonce,
		sigV,
		sigR,
		sigS,
	)
	if err != nil {
		return "", fmt.Errorf("%w: packing transferWithAuthorization: %v", x402.ErrInvalidPayload, err)
	}

	contractAddress := common.HexToAddress(asset)

	txNonce, err := c.node.PendingNonceAt(ctx, c.signer)
	if err != nil {
		return "", fmt.Errorf("%w: pending nonce: %v", x402.ErrLedgerUnavailable, err)
	}

	gasTipCap, err := c.node.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas tip cap: %v", x402.ErrLedgerUnavailable, err)
	}

	header, err := c.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: block header: %v", x402.ErrLedgerUnavailable, err)
	}
	if header.BaseFee == nil {
		return "", fmt.Errorf("%w: network does not support EIP-1559", x402.ErrLedgerUnavailable)
	}

	// 2x base fee plus tip absorbs base-fee swings between estimate and
	// inclusion.
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := c.node.EstimateGas(ctx, ethereum.CallMsg{
		From: c.signer,
		To:   &contractAddress,
		Data: txData,
	})
	if err != nil {
		return "", fmt.Errorf("%w: gas estimate: %v", x402.ErrSettlementFailed, err)
	}
	gasLimit = gasLimit * 120 / 100

	if c.gasCap > 0 && gasLimit > c.gasCap {
		return "", fmt.Errorf("%w: gas limit %d exceeds cap %d", x402.ErrSettlementFailed, gasLimit, c.gasCap)
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contractAddress,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("evm: signing transaction: %w", err)
	}

	if err := c.node.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: sending transaction: %v", x402.ErrLedgerUnavailable, err)
	}

	return signedTx.Hash().Hex(), nil
}
