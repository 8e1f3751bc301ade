// Package x402 defines the canonical types of the x402 payment-challenge
// protocol as used by the facilitator: payment requirements, signed payment
// payloads, and settlement results.
//
// The canonical forms follow the version 2 wire schema (CAIP-2 network
// identifiers, relative timeout windows). Version 1 wire types and their
// conversions live in v1.go; the codec package handles transport encoding
// for both versions.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// X402Version is the current protocol version.
const X402Version = 2

// SchemeExact is the exact-amount authorization transfer scheme. It is the
// only scheme the facilitator currently supports.
const SchemeExact = "exact"

// ResourceInfo describes the protected resource.
type ResourceInfo struct {
	// URL is the URL of the protected resource.
	URL string `json:"url"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`
}

// PaymentRequirements defines a single acceptable payment option.
// This is an element in the "accepts" array of PaymentRequired.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string `json:"network"`

	// Amount is the payment amount in atomic units as a decimal string.
	Amount string `json:"amount"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the validity window for the payment authorization.
	MaxTimeoutSeconds int64 `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data, such as the EIP-712
	// domain name and version of the asset contract.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Extension represents a protocol extension with its data and schema.
// Extensions are passed through opaquely and never validated.
type Extension struct {
	Info   map[string]interface{} `json:"info"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// PaymentRequired is the 402 challenge body sent by resource servers.
type PaymentRequired struct {
	// X402Version is the protocol version (2 for the canonical schema).
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Resource describes the protected resource.
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Accepts is the list of payment options the server will accept.
	Accepts []PaymentRequirements `json:"accepts"`

	// Extensions contains protocol extensions (passthrough).
	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// PaymentPayload is the envelope transmitted by clients to pay for resources.
type PaymentPayload struct {
	// X402Version is the protocol version (2 for the canonical schema).
	X402Version int `json:"x402Version"`

	// Resource optionally describes the resource being accessed.
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Accepted contains the payment requirements the client accepted.
	// It must structurally match one of the server's offered requirements.
	Accepted PaymentRequirements `json:"accepted"`

	// Payload contains the scheme-specific signed payment data.
	// For the "exact" scheme this is an ExactEVMPayload.
	Payload interface{} `json:"payload"`

	// Extensions contains protocol extensions (passthrough).
	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// ExactEVMPayload contains EIP-3009 authorization data for the exact scheme.
type ExactEVMPayload struct {
	// Signature is the hex-encoded 65-byte ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization contains EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string preventing replay.
	Nonce string `json:"nonce"`
}

// VerifyResponse is the outcome of verifying a payment payload.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason is a short machine-readable code when invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// InvalidMessage is a human-readable explanation when invalid.
	InvalidMessage string `json:"invalidMessage,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is the outcome of executing an authorization.
// It is created once per settlement attempt and immutable once returned.
type SettleResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// ErrorReason is a short machine-readable code when settlement failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage is a human-readable explanation when settlement failed.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction is the ledger transaction reference.
	Transaction string `json:"transaction"`

	// Network is the CAIP-2 network where the payment was settled.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format.
	Network string `json:"network"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`

	// Extensions lists the extension identifiers supported.
	Extensions []string `json:"extensions"`

	// Signers maps CAIP-2 network patterns to settlement signer addresses.
	Signers map[string][]string `json:"signers,omitempty"`
}

// ExactPayload extracts the scheme-specific payload from a PaymentPayload.
// The Payload field is decoded as interface{} from the wire, so it is
// re-marshaled into the concrete ExactEVMPayload form. A payload that already
// carries the concrete type is returned as is.
func (p PaymentPayload) ExactPayload() (ExactEVMPayload, error) {
	switch v := p.Payload.(type) {
	case ExactEVMPayload:
		return v, nil
	case *ExactEVMPayload:
		if v == nil {
			return ExactEVMPayload{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
		}
		return *v, nil
	case nil:
		return ExactEVMPayload{}, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ExactEVMPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		var exact ExactEVMPayload
		if err := json.Unmarshal(raw, &exact); err != nil {
			return ExactEVMPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if exact.Signature == "" || exact.Authorization.From == "" {
			return ExactEVMPayload{}, fmt.Errorf("%w: missing signature or authorization", ErrInvalidPayload)
		}
		return exact, nil
	}
}

// ParseAmount parses a decimal atomic-unit amount string into a big.Int.
// Returns ErrInvalidAmount for malformed or negative values.
func ParseAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}
	return value, nil
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}
