package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
)

func samplePayment() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Resource: &x402.ResourceInfo{
			URL:         "https://example.com/api",
			Description: "Test API",
		},
		Accepted: x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           x402.NetworkBase,
			Amount:            "1000000",
			Asset:             x402.BaseMainnet.USDCAddress,
			PayTo:             "0x1234567890123456789012345678901234567890",
			MaxTimeoutSeconds: 300,
		},
		Payload: map[string]interface{}{
			"signature": "0xabcdef",
			"authorization": map[string]interface{}{
				"from":        "0x1111111111111111111111111111111111111111",
				"to":          "0x1234567890123456789012345678901234567890",
				"value":       "1000000",
				"validAfter":  "0",
				"validBefore": "9999999999",
				"nonce":       "0xaa11",
			},
		},
	}
}

func TestEncodeDecodePayment(t *testing.T) {
	original := samplePayment()

	encoded, err := EncodePayment(original)
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}
	if encoded == "" {
		t.Fatal("EncodePayment() returned empty string")
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Errorf("EncodePayment() result is not valid base64: %v", err)
	}

	decoded, err := DecodePayment(encoded, V2)
	if err != nil {
		t.Fatalf("DecodePayment() error = %v", err)
	}
	if decoded.Version != V2 {
		t.Errorf("Version = %v; want %v", decoded.Version, V2)
	}

	canonical, err := decoded.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if canonical.X402Version != original.X402Version {
		t.Errorf("X402Version = %d; want %d", canonical.X402Version, original.X402Version)
	}
	if canonical.Accepted.Network != original.Accepted.Network {
		t.Errorf("Accepted.Network = %s; want %s", canonical.Accepted.Network, original.Accepted.Network)
	}
	if canonical.Resource == nil || canonical.Resource.URL != original.Resource.URL {
		t.Errorf("Resource = %+v; want %+v", canonical.Resource, original.Resource)
	}

	exact, err := canonical.ExactPayload()
	if err != nil {
		t.Fatalf("ExactPayload() error = %v", err)
	}
	if exact.Authorization.Nonce != "0xaa11" {
		t.Errorf("Authorization.Nonce = %s; want 0xaa11", exact.Authorization.Nonce)
	}
}

func TestEncodeDecodePaymentV1(t *testing.T) {
	original := x402.V1PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "base",
		Payload: x402.ExactEVMPayload{
			Signature: "0xsig",
			Authorization: x402.EVMAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "500",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0xbb22",
			},
		},
	}

	encoded, err := EncodePaymentV1(original)
	if err != nil {
		t.Fatalf("EncodePaymentV1() error = %v", err)
	}

	decoded, err := DecodePayment(encoded, V1)
	if err != nil {
		t.Fatalf("DecodePayment() error = %v", err)
	}
	if decoded.Version != V1 {
		t.Errorf("Version = %v; want %v", decoded.Version, V1)
	}
	if decoded.V1.Network != "base" {
		t.Errorf("V1.Network = %s; want base", decoded.V1.Network)
	}

	canonical, err := decoded.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if canonical.Accepted.Network != x402.NetworkBase {
		t.Errorf("Accepted.Network = %s; want %s", canonical.Accepted.Network, x402.NetworkBase)
	}
}

func TestEncodeDecodeRequired(t *testing.T) {
	original := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       "payment required",
		Accepts: []x402.PaymentRequirements{{
			Scheme:            x402.SchemeExact,
			Network:           x402.NetworkBaseSepolia,
			Amount:            "10000",
			Asset:             x402.BaseSepolia.USDCAddress,
			PayTo:             "0x2222222222222222222222222222222222222222",
			MaxTimeoutSeconds: 600,
		}},
	}

	encoded, err := EncodeRequired(original)
	if err != nil {
		t.Fatalf("EncodeRequired() error = %v", err)
	}

	decoded, err := DecodeRequired(encoded, V2)
	if err != nil {
		t.Fatalf("DecodeRequired() error = %v", err)
	}

	canonical, err := decoded.Canonical(time.Now())
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if len(canonical.Accepts) != 1 {
		t.Fatalf("Accepts length = %d; want 1", len(canonical.Accepts))
	}
	if canonical.Accepts[0].MaxTimeoutSeconds != 600 {
		t.Errorf("MaxTimeoutSeconds = %d; want 600", canonical.Accepts[0].MaxTimeoutSeconds)
	}
}

func TestDecodeRequiredV1ConvertsExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	original := x402.V1PaymentRequired{
		X402Version: 1,
		Accepts: []x402.V1PaymentRequirements{{
			Scheme:            x402.SchemeExact,
			Network:           "base-sepolia",
			MaxAmountRequired: "10000",
			ContractAddress:   x402.BaseSepolia.USDCAddress,
			PayTo:             "0x2222222222222222222222222222222222222222",
			Expiry:            now.Unix() + 120,
		}},
	}

	encoded, err := EncodeRequiredV1(original)
	if err != nil {
		t.Fatalf("EncodeRequiredV1() error = %v", err)
	}

	decoded, err := DecodeRequired(encoded, V1)
	if err != nil {
		t.Fatalf("DecodeRequired() error = %v", err)
	}

	canonical, err := decoded.Canonical(now)
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if canonical.Accepts[0].Network != x402.NetworkBaseSepolia {
		t.Errorf("Network = %s; want %s", canonical.Accepts[0].Network, x402.NetworkBaseSepolia)
	}
	if canonical.Accepts[0].MaxTimeoutSeconds != 120 {
		t.Errorf("MaxTimeoutSeconds = %d; want 120", canonical.Accepts[0].MaxTimeoutSeconds)
	}
}

func TestEncodeDecodeSettlement(t *testing.T) {
	original := x402.SettleResponse{
		Success:     true,
		Transaction: "0xdeadbeef",
		Network:     x402.NetworkBase,
		Payer:       "0x1111111111111111111111111111111111111111",
	}

	encoded, err := EncodeSettlement(original)
	if err != nil {
		t.Fatalf("EncodeSettlement() error = %v", err)
	}

	decoded, err := DecodeSettlement(encoded, V2)
	if err != nil {
		t.Fatalf("DecodeSettlement() error = %v", err)
	}
	canonical, err := decoded.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if canonical != original {
		t.Errorf("Canonical() = %+v; want %+v", canonical, original)
	}
}

func TestDecodeSettlementV1(t *testing.T) {
	original := x402.V1SettleResponse{
		Success:   true,
		TxHash:    "0xcafe",
		NetworkID: "base",
	}

	encoded, err := EncodeSettlementV1(original)
	if err != nil {
		t.Fatalf("EncodeSettlementV1() error = %v", err)
	}

	decoded, err := DecodeSettlement(encoded, V1)
	if err != nil {
		t.Fatalf("DecodeSettlement() error = %v", err)
	}
	canonical, err := decoded.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if canonical.Transaction != "0xcafe" {
		t.Errorf("Transaction = %s; want 0xcafe", canonical.Transaction)
	}
	if canonical.Network != x402.NetworkBase {
		t.Errorf("Network = %s; want %s", canonical.Network, x402.NetworkBase)
	}
}

func TestDecodeAcceptsRawJSON(t *testing.T) {
	raw, err := json.Marshal(samplePayment())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	decoded, err := DecodePayment(string(raw), V2)
	if err != nil {
		t.Fatalf("DecodePayment(raw JSON) error = %v", err)
	}
	if decoded.V2.Accepted.Amount != "1000000" {
		t.Errorf("Accepted.Amount = %s; want 1000000", decoded.V2.Accepted.Amount)
	}

	// Leading whitespace before the JSON object is tolerated.
	decoded, err = DecodePayment("  \n\t"+string(raw), V2)
	if err != nil {
		t.Fatalf("DecodePayment(padded raw JSON) error = %v", err)
	}
	if decoded.V2.Accepted.Amount != "1000000" {
		t.Errorf("Accepted.Amount = %s; want 1000000", decoded.V2.Accepted.Amount)
	}
}

func TestDecodeAcceptsBase64Variants(t *testing.T) {
	raw, err := json.Marshal(samplePayment())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	variants := map[string]string{
		"standard":     base64.StdEncoding.EncodeToString(raw),
		"url-safe":     base64.URLEncoding.EncodeToString(raw),
		"raw standard": base64.RawStdEncoding.EncodeToString(raw),
		"raw url-safe": base64.RawURLEncoding.EncodeToString(raw),
	}

	for name, input := range variants {
		t.Run(name, func(t *testing.T) {
			decoded, err := DecodePayment(input, V2)
			if err != nil {
				t.Fatalf("DecodePayment() error = %v", err)
			}
			if decoded.V2.Accepted.Network != x402.NetworkBase {
				t.Errorf("Accepted.Network = %s; want %s", decoded.V2.Accepted.Network, x402.NetworkBase)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace only", input: "   "},
		{name: "not base64 not json", input: "!!!not-valid!!!"},
		{name: "base64 of garbage", input: base64.StdEncoding.EncodeToString([]byte("not json"))},
		{name: "truncated json", input: `{"x402Version": 2,`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayment(tt.input, V2)
			if err == nil {
				t.Fatal("DecodePayment() expected error")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("DecodePayment() error = %T; want *DecodeError", err)
			}
			if decodeErr.Kind != "payment" {
				t.Errorf("DecodeError.Kind = %s; want payment", decodeErr.Kind)
			}
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	encoded, err := EncodePayment(samplePayment())
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}

	_, err = DecodePayment(encoded, Version(7))
	if err == nil {
		t.Fatal("DecodePayment() expected error for unknown version")
	}
	if !errors.Is(err, x402.ErrUnsupportedVersion) {
		t.Errorf("error = %v; want ErrUnsupportedVersion", err)
	}
}

func TestHeaderNames(t *testing.T) {
	if got := PaymentHeader(V1); got != "X-PAYMENT" {
		t.Errorf("PaymentHeader(V1) = %s; want X-PAYMENT", got)
	}
	if got := PaymentHeader(V2); got != "PAYMENT-SIGNATURE" {
		t.Errorf("PaymentHeader(V2) = %s; want PAYMENT-SIGNATURE", got)
	}
	if got := RequiredHeader(V1); got != "X-PAYMENT-REQUIRED" {
		t.Errorf("RequiredHeader(V1) = %s; want X-PAYMENT-REQUIRED", got)
	}
	if got := SettlementHeader(V2); got != "PAYMENT-RESPONSE" {
		t.Errorf("SettlementHeader(V2) = %s; want PAYMENT-RESPONSE", got)
	}
}

func TestPaymentFromHeaders(t *testing.T) {
	v2Encoded, err := EncodePayment(samplePayment())
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}
	v1Encoded, err := EncodePaymentV1(x402.V1PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "base",
	})
	if err != nil {
		t.Fatalf("EncodePaymentV1() error = %v", err)
	}

	t.Run("v2 header", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderPaymentV2, v2Encoded)
		p, version, err := PaymentFromHeaders(h)
		if err != nil {
			t.Fatalf("PaymentFromHeaders() error = %v", err)
		}
		if version != V2 || p == nil || p.Version != V2 {
			t.Errorf("got version %v, payment %+v; want V2", version, p)
		}
	})

	t.Run("v1 header", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderPaymentV1, v1Encoded)
		p, version, err := PaymentFromHeaders(h)
		if err != nil {
			t.Fatalf("PaymentFromHeaders() error = %v", err)
		}
		if version != V1 || p == nil || p.Version != V1 {
			t.Errorf("got version %v, payment %+v; want V1", version, p)
		}
	})

	t.Run("both headers prefers v2", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderPaymentV1, v1Encoded)
		h.Set(HeaderPaymentV2, v2Encoded)
		p, version, err := PaymentFromHeaders(h)
		if err != nil {
			t.Fatalf("PaymentFromHeaders() error = %v", err)
		}
		if version != V2 || p.Version != V2 {
			t.Errorf("got version %v; want V2", version)
		}
	})

	t.Run("no headers", func(t *testing.T) {
		p, _, err := PaymentFromHeaders(http.Header{})
		if err != nil {
			t.Fatalf("PaymentFromHeaders() error = %v", err)
		}
		if p != nil {
			t.Errorf("payment = %+v; want nil", p)
		}
	})
}
