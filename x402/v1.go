package x402

import (
	"time"
)

// Version 1 wire types. The legacy schema is flat: requirements carry an
// absolute expiry instead of a relative timeout, the asset field is named
// contractAddress, the amount field maxAmountRequired, and networks use
// human-readable names instead of CAIP-2 identifiers.
//
// These types exist only at the codec boundary; everything past decoding
// operates on the canonical forms in types.go.

// V1PaymentRequired is the version 1 402 challenge wrapper.
type V1PaymentRequired struct {
	// X402Version is the protocol version (1).
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Accepts is the list of payment options the server will accept.
	Accepts []V1PaymentRequirements `json:"accepts"`
}

// V1PaymentRequirements is a single version 1 payment option.
type V1PaymentRequirements struct {
	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the legacy network name (e.g. "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// ContractAddress is the token contract address.
	ContractAddress string `json:"contractAddress"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Expiry is the absolute unix second at which the option expires.
	Expiry int64 `json:"expiry"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// V1PaymentPayload is the version 1 client payment envelope.
type V1PaymentPayload struct {
	// X402Version is the protocol version (1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme the client resolved.
	Scheme string `json:"scheme"`

	// Network is the legacy network name the client resolved.
	Network string `json:"network"`

	// Payload contains the signed payment data.
	Payload ExactEVMPayload `json:"payload"`
}

// V1SettleResponse is the version 1 settlement result.
type V1SettleResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// Error is a short error code when settlement failed.
	Error string `json:"error,omitempty"`

	// TxHash is the ledger transaction reference.
	TxHash string `json:"txHash"`

	// NetworkID is the legacy network name where the payment settled.
	NetworkID string `json:"networkId"`
}

// Requirements converts a version 1 payment option to the canonical form.
// The absolute expiry becomes a timeout window relative to now, clamped at
// zero so an already-expired option converts to a zero-length window rather
// than a negative one.
func (r V1PaymentRequirements) Requirements(now time.Time) (PaymentRequirements, error) {
	network, err := NetworkFromLegacyName(r.Network)
	if err != nil {
		return PaymentRequirements{}, err
	}

	timeout := r.Expiry - now.Unix()
	if timeout < 0 {
		timeout = 0
	}

	return PaymentRequirements{
		Scheme:            r.Scheme,
		Network:           network,
		Amount:            r.MaxAmountRequired,
		Asset:             r.ContractAddress,
		PayTo:             r.PayTo,
		MaxTimeoutSeconds: timeout,
		Extra:             r.Extra,
	}, nil
}

// V1Requirements converts a canonical payment option to the version 1 wire
// form, turning the relative timeout into an absolute expiry.
func (r PaymentRequirements) V1Requirements(now time.Time) V1PaymentRequirements {
	return V1PaymentRequirements{
		Scheme:            r.Scheme,
		Network:           LegacyNetworkName(r.Network),
		MaxAmountRequired: r.Amount,
		ContractAddress:   r.Asset,
		PayTo:             r.PayTo,
		Expiry:            now.Unix() + r.MaxTimeoutSeconds,
		Extra:             r.Extra,
	}
}

// Payment converts a version 1 payment envelope to the canonical form.
// Version 1 clients echo only the resolved scheme and network, so the
// Accepted option carries just those two fields; the facilitator matches
// the rest against the requirement supplied alongside the payload.
func (p V1PaymentPayload) Payment() (PaymentPayload, error) {
	network, err := NetworkFromLegacyName(p.Network)
	if err != nil {
		return PaymentPayload{}, err
	}

	return PaymentPayload{
		X402Version: p.X402Version,
		Accepted: PaymentRequirements{
			Scheme:  p.Scheme,
			Network: network,
		},
		Payload: p.Payload,
	}, nil
}

// V1Settlement converts a canonical settlement result to the version 1 wire form.
func (s SettleResponse) V1Settlement() V1SettleResponse {
	return V1SettleResponse{
		Success:   s.Success,
		Error:     s.ErrorReason,
		TxHash:    s.Transaction,
		NetworkID: LegacyNetworkName(s.Network),
	}
}

// Settlement converts a version 1 settlement result to the canonical form.
func (s V1SettleResponse) Settlement() SettleResponse {
	network := s.NetworkID
	if caip2, err := NetworkFromLegacyName(s.NetworkID); err == nil {
		network = caip2
	}
	return SettleResponse{
		Success:     s.Success,
		ErrorReason: s.Error,
		Transaction: s.TxHash,
		Network:     network,
	}
}
