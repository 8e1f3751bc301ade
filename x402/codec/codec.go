// Package codec implements the versioned wire encoding of the x402 protocol:
// payment requirements, payment payloads, and settlement results, in both the
// legacy version 1 schema and the current version 2 schema.
//
// Transport framing is JSON wrapped in base64 for header transmission.
// Decoders accept raw JSON and base64-wrapped JSON transparently: input whose
// first non-whitespace byte is '{' is parsed as JSON, anything else is
// base64-decoded first (standard and URL-safe alphabets, padded or raw).
//
// Decoded messages are returned as closed tagged unions (Required, Payment,
// Settlement) carrying the version they were decoded under; Canonical()
// switches exhaustively over that tag. Every decoding failure is a typed
// *DecodeError, never a silent default.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
)

// Version identifies a wire schema version.
type Version int

const (
	// V1 is the legacy flat schema with absolute expiries and legacy
	// network names.
	V1 Version = 1

	// V2 is the current schema with CAIP-2 networks and relative timeouts.
	V2 Version = 2
)

// Valid reports whether v is a known wire version.
func (v Version) Valid() bool {
	return v == V1 || v == V2
}

// String implements fmt.Stringer.
func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// Header names, one fixed name per purpose per version. A decoder must not
// assume which family is present and should check both; see PaymentFromHeaders.
const (
	HeaderRequiredV1   = "X-PAYMENT-REQUIRED"
	HeaderPaymentV1    = "X-PAYMENT"
	HeaderSettlementV1 = "X-PAYMENT-RESPONSE"

	HeaderRequiredV2   = "PAYMENT-REQUIRED"
	HeaderPaymentV2    = "PAYMENT-SIGNATURE"
	HeaderSettlementV2 = "PAYMENT-RESPONSE"
)

// RequiredHeader returns the requirements header name for a version.
func RequiredHeader(v Version) string {
	if v == V1 {
		return HeaderRequiredV1
	}
	return HeaderRequiredV2
}

// PaymentHeader returns the payment payload header name for a version.
func PaymentHeader(v Version) string {
	if v == V1 {
		return HeaderPaymentV1
	}
	return HeaderPaymentV2
}

// SettlementHeader returns the settlement result header name for a version.
func SettlementHeader(v Version) string {
	if v == V1 {
		return HeaderSettlementV1
	}
	return HeaderSettlementV2
}

// DecodeError reports a malformed wire message. It is always a client error
// (400-class) and never retried.
type DecodeError struct {
	// Kind names the message kind being decoded ("requirements", "payment",
	// "settlement").
	Kind string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decoding %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(kind string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Err: err}
}

// Required is the decoded form of a payment requirements message.
// Exactly the variant matching Version is populated.
type Required struct {
	Version Version
	V1      x402.V1PaymentRequired
	V2      x402.PaymentRequired
}

// Canonical converts the decoded message to the canonical form. Version 1
// expiries become timeout windows relative to now.
func (r Required) Canonical(now time.Time) (x402.PaymentRequired, error) {
	switch r.Version {
	case V1:
		accepts := make([]x402.PaymentRequirements, 0, len(r.V1.Accepts))
		for _, v1req := range r.V1.Accepts {
			req, err := v1req.Requirements(now)
			if err != nil {
				return x402.PaymentRequired{}, err
			}
			accepts = append(accepts, req)
		}
		return x402.PaymentRequired{
			X402Version: r.V1.X402Version,
			Error:       r.V1.Error,
			Accepts:     accepts,
		}, nil
	case V2:
		return r.V2, nil
	default:
		return x402.PaymentRequired{}, fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, int(r.Version))
	}
}

// Payment is the decoded form of a payment payload message.
type Payment struct {
	Version Version
	V1      x402.V1PaymentPayload
	V2      x402.PaymentPayload
}

// Canonical converts the decoded payload to the canonical form.
func (p Payment) Canonical() (x402.PaymentPayload, error) {
	switch p.Version {
	case V1:
		return p.V1.Payment()
	case V2:
		return p.V2, nil
	default:
		return x402.PaymentPayload{}, fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, int(p.Version))
	}
}

// Settlement is the decoded form of a settlement result message.
type Settlement struct {
	Version Version
	V1      x402.V1SettleResponse
	V2      x402.SettleResponse
}

// Canonical converts the decoded result to the canonical form.
func (s Settlement) Canonical() (x402.SettleResponse, error) {
	switch s.Version {
	case V1:
		return s.V1.Settlement(), nil
	case V2:
		return s.V2, nil
	default:
		return x402.SettleResponse{}, fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, int(s.Version))
	}
}

// encode marshals a message and wraps it in standard base64 for header transport.
func encode(kind string, message interface{}) (string, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("codec: encoding %s: %w", kind, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// unwrap returns the JSON bytes of a wire message, accepting raw JSON and
// base64-wrapped JSON transparently.
func unwrap(kind string, input string) ([]byte, error) {
	trimmed := bytes.TrimSpace([]byte(input))
	if len(trimmed) == 0 {
		return nil, decodeErr(kind, fmt.Errorf("empty input"))
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}

	// Some call sites use the URL-safe alphabet, and some strip padding.
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(string(trimmed)); err == nil {
			return decoded, nil
		}
	}
	return nil, decodeErr(kind, fmt.Errorf("input is neither JSON nor base64"))
}

func unmarshal(kind string, data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return decodeErr(kind, err)
	}
	return nil
}

// EncodeRequired encodes a canonical requirements message for header transport.
func EncodeRequired(pr x402.PaymentRequired) (string, error) {
	return encode("requirements", pr)
}

// EncodeRequiredV1 encodes a version 1 requirements message.
func EncodeRequiredV1(pr x402.V1PaymentRequired) (string, error) {
	return encode("requirements", pr)
}

// DecodeRequired decodes a requirements message under the given version.
func DecodeRequired(input string, version Version) (Required, error) {
	raw, err := unwrap("requirements", input)
	if err != nil {
		return Required{}, err
	}

	switch version {
	case V1:
		var pr x402.V1PaymentRequired
		if err := unmarshal("requirements", raw, &pr); err != nil {
			return Required{}, err
		}
		return Required{Version: V1, V1: pr}, nil
	case V2:
		var pr x402.PaymentRequired
		if err := unmarshal("requirements", raw, &pr); err != nil {
			return Required{}, err
		}
		return Required{Version: V2, V2: pr}, nil
	default:
		return Required{}, decodeErr("requirements", fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, int(version)))
	}
}

// EncodePayment encodes a canonical payment payload for header transport.
func EncodePayment(p x402.PaymentPayload) (string, error) {
	return encode("payment", p)
}

// EncodePaymentV1 encodes a version 1 payment payload.
func EncodePaymentV1(p x402.V1PaymentPayload) (string, error) {
	return encode("payment", p)
}

// DecodePayment decodes a payment payload under the given version.
func DecodePayment(input string, version Version) (Payment, error) {
	raw, err := unwrap("payment", input)
	if err != nil {
		return Payment{}, err
	}

	switch version {
	case V1:
		var p x402.V1PaymentPayload
		if err := unmarshal("payment", raw, &p); err != nil {
			return Payment{}, err
		}
		return Payment{Version: V1, V1: p}, nil
	case V2:
		var p x402.PaymentPayload
		if err := unmarshal("payment", raw, &p); err != nil {
			return Payment{}, err
		}
		return Payment{Version: V2, V2: p}, nil
	default:
		return Payment{}, decodeErr("payment", fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, int(version)))
	}
}

// EncodeSettlement encodes a canonical settlement result for header transport.
func EncodeSettlement(s x402.SettleResponse) (string, error) {
	return encode("settlement", s)
}

// EncodeSettlementV1 encodes a version 1 settlement result.
func EncodeSettlementV1(s x402.V1SettleResponse) (string, error) {
	return encode("settlement", s)
}

// DecodeSettlement decodes a settlement result under the given version.
func DecodeSettlement(input string, version Version) (Settlement, error) {
	raw, err := unwrap("settlement", input)
	if err != nil {
		return Settlement{}, err
	}

	switch version {
	case V1:
		var s x402.V1SettleResponse
		if err := unmarshal("settlement", raw, &s); err != nil {
			return Settlement{}, err
		}
		return Settlement{Version: V1, V1: s}, nil
	case V2:
		var s x402.SettleResponse
		if err := unmarshal("settlement", raw, &s); err != nil {
			return Settlement{}, err
		}
		return Settlement{Version: V2, V2: s}, nil
	default:
		return Settlement{}, decodeErr("settlement", fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, int(version)))
	}
}

// PaymentFromHeaders extracts a payment payload from an HTTP header set,
// checking both header families. The version 2 header wins when both are
// present. Returns nil with V2 when neither header is set.
func PaymentFromHeaders(h http.Header) (*Payment, Version, error) {
	if value := h.Get(HeaderPaymentV2); value != "" {
		p, err := DecodePayment(value, V2)
		if err != nil {
			return nil, V2, err
		}
		return &p, V2, nil
	}
	if value := h.Get(HeaderPaymentV1); value != "" {
		p, err := DecodePayment(value, V1)
		if err != nil {
			return nil, V1, err
		}
		return &p, V1, nil
	}
	return nil, V2, nil
}
