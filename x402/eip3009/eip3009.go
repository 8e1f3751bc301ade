// Package eip3009 implements EIP-712 typed-data hashing, signing, and signer
// recovery for the EIP-3009 TransferWithAuthorization message, which is the
// canonical authorization message of the "exact" payment scheme.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/nacorid/x402-facilitator/x402"
)

// Domain holds the EIP-712 domain parameters of the asset contract.
type Domain struct {
	// Name is the domain parameter "name" (e.g. "USD Coin").
	Name string

	// Version is the domain parameter "version" (e.g. "2").
	Version string

	// ChainID is the EIP-155 chain ID.
	ChainID *big.Int

	// VerifyingContract is the asset contract address.
	VerifyingContract common.Address
}

// Authorization is the parsed form of a transferWithAuthorization message.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// ParseAuthorization converts the wire form of an authorization into typed
// values, validating addresses, numeric bounds, and the 32-byte nonce.
func ParseAuthorization(auth x402.EVMAuthorization) (Authorization, error) {
	var parsed Authorization

	if !common.IsHexAddress(auth.From) {
		return parsed, fmt.Errorf("%w: invalid from address %q", x402.ErrInvalidPayload, auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return parsed, fmt.Errorf("%w: invalid to address %q", x402.ErrInvalidPayload, auth.To)
	}
	parsed.From = common.HexToAddress(auth.From)
	parsed.To = common.HexToAddress(auth.To)

	value, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return parsed, fmt.Errorf("%w: value: %v", x402.ErrInvalidPayload, err)
	}
	parsed.Value = value

	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return parsed, fmt.Errorf("%w: invalid validAfter %q", x402.ErrInvalidPayload, auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return parsed, fmt.Errorf("%w: invalid validBefore %q", x402.ErrInvalidPayload, auth.ValidBefore)
	}
	parsed.ValidAfter = validAfter
	parsed.ValidBefore = validBefore

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil {
		return parsed, fmt.Errorf("%w: invalid nonce %q", x402.ErrInvalidPayload, auth.Nonce)
	}
	if len(nonceBytes) != 32 {
		return parsed, fmt.Errorf("%w: nonce must be 32 bytes, got %d", x402.ErrInvalidPayload, len(nonceBytes))
	}
	copy(parsed.Nonce[:], nonceBytes)

	return parsed, nil
}

// Wire converts a parsed authorization back to its wire form.
func (a Authorization) Wire() x402.EVMAuthorization {
	return x402.EVMAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       common.BytesToHash(a.Nonce[:]).Hex(),
	}
}

// NewAuthorization builds an authorization valid from just before now until
// now plus the timeout, with a fresh random nonce.
func NewAuthorization(from, to common.Address, value *big.Int, timeout time.Duration) (Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return Authorization{}, fmt.Errorf("generating nonce: %w", err)
	}

	now := time.Now().Unix()
	return Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now - 10),
		ValidBefore: big.NewInt(now + int64(timeout/time.Second)),
		Nonce:       nonce,
	}, nil
}

// GenerateNonce returns 32 bytes of cryptographic randomness.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// Digest computes the EIP-712 signing digest for the authorization under the
// given domain.
func Digest(domain Domain, auth Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hashing domain: %w", err)
	}

	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hashing message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Sign signs the authorization with the given key and returns the hex-encoded
// 65-byte signature with the recovery byte in its 27/28 form.
func Sign(privateKey *ecdsa.PrivateKey, domain Domain, auth Authorization) (string, error) {
	digest, err := Digest(domain, auth)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("signing authorization: %w", err)
	}

	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverSigner recovers the address that produced the signature over the
// authorization under the given domain. The recovery byte is accepted in
// either its 0/1 or 27/28 form.
func RecoverSigner(domain Domain, auth Authorization, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: invalid signature encoding", x402.ErrInvalidPayload)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", x402.ErrInvalidPayload, len(sig))
	}

	// Work on a copy so the caller's signature is untouched.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] == 27 || normalized[64] == 28 {
		normalized[64] -= 27
	}

	digest, err := Digest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}

	pubkey, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: signature recovery failed", x402.ErrInvalidPayload)
	}

	return crypto.PubkeyToAddress(*pubkey), nil
}
