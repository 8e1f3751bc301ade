// Package verify implements the payment verification engine: it validates an
// incoming payment payload against a requirement in a fixed order, each step
// producing a distinct rejection reason.
//
// Verification failure is an expected protocol outcome carried in the
// VerifyResponse, never an error. The only errors the engine returns are
// ledger outages: a signature or balance check that could not be answered.
// The engine never marks a nonce used; that belongs to settlement, after
// submission is acknowledged.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/ledger"
	"github.com/nacorid/x402-facilitator/x402/nonce"
)

// Engine validates payment payloads against requirements.
type Engine struct {
	// Nonces tracks consumed nonces. Required.
	Nonces *nonce.Tracker

	// Ledger resolves the client for the requirement's network. Required.
	Ledger *ledger.Registry

	// CheckBalance enables the payer balance check against the ledger.
	CheckBalance bool

	// Now overrides the time source. Nil means time.Now.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func invalid(reason, message string) x402.VerifyResponse {
	return x402.VerifyResponse{
		IsValid:        false,
		InvalidReason:  reason,
		InvalidMessage: message,
	}
}

// Verify runs the verification steps in order: requirement match, validity
// window, nonce freshness, signature recovery, and optionally the payer
// balance. Each failing step returns its own reason; a nil error with
// IsValid=false is a rejection, not a fault.
func (e *Engine) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (x402.VerifyResponse, error) {
	// Step 1: the accepted option must structurally satisfy the requirement.
	if resp, ok := e.matchRequirement(payload, req); !ok {
		return resp, nil
	}

	exact, err := payload.ExactPayload()
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, err.Error()), nil
	}
	auth := exact.Authorization

	value, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, fmt.Sprintf("authorization value: %v", err)), nil
	}
	required, err := x402.ParseAmount(req.Amount)
	if err != nil {
		return invalid(x402.ReasonRequirementMismatch, fmt.Sprintf("requirement amount: %v", err)), nil
	}
	if value.Cmp(required) < 0 {
		return invalid(x402.ReasonRequirementMismatch,
			fmt.Sprintf("authorization value %s below required amount %s", auth.Value, req.Amount)), nil
	}
	if req.PayTo != "" && !equalAddress(auth.To, req.PayTo) {
		return invalid(x402.ReasonRequirementMismatch,
			fmt.Sprintf("authorization recipient %s does not match payTo %s", auth.To, req.PayTo)), nil
	}

	// Step 2: validAfter <= now < validBefore.
	if resp, ok := e.checkWindow(auth); !ok {
		return resp, nil
	}

	// Step 3: nonce freshness. Read-only; marking happens after settlement
	// submission is acknowledged.
	if e.Nonces.IsUsed(auth.Nonce) {
		return invalid(x402.ReasonNonceReused,
			fmt.Sprintf("authorization nonce %s already used", auth.Nonce)), nil
	}

	client, err := e.Ledger.Client(req.Network)
	if err != nil {
		return invalid(x402.ReasonRequirementMismatch, err.Error()), nil
	}

	// Step 4: the signature must recover to the payer under the claimed
	// domain parameters.
	domain, err := signatureDomain(req)
	if err != nil {
		return invalid(x402.ReasonRequirementMismatch, err.Error()), nil
	}
	valid, err := client.VerifySignature(ctx, auth, domain, exact.Signature)
	if err != nil {
		// An outage is not a rejection: the check was never answered.
		if errors.Is(err, x402.ErrLedgerUnavailable) {
			return x402.VerifyResponse{}, err
		}
		return invalid(x402.ReasonInvalidSignature, err.Error()), nil
	}
	if !valid {
		return invalid(x402.ReasonInvalidSignature,
			"signature does not recover to the authorization signer"), nil
	}

	// Step 5: optional balance check. A ledger outage here is the one fatal
	// path: the check was requested and could not be answered.
	if e.CheckBalance {
		balance, err := client.CheckBalance(ctx, auth.From, req.Asset)
		if err != nil {
			return x402.VerifyResponse{}, err
		}
		if balance.Cmp(value) < 0 {
			return invalid(x402.ReasonInsufficientBalance,
				fmt.Sprintf("payer balance %s below authorization value %s", balance, auth.Value)), nil
		}
	}

	return x402.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

// matchRequirement checks scheme, network, asset, and offered amount of the
// accepted option against the requirement. Version 1 payloads echo only
// scheme and network, so empty accepted fields defer to the authorization
// checks above.
func (e *Engine) matchRequirement(payload x402.PaymentPayload, req x402.PaymentRequirements) (x402.VerifyResponse, bool) {
	accepted := payload.Accepted

	if req.Scheme != x402.SchemeExact {
		return invalid(x402.ReasonRequirementMismatch,
			fmt.Sprintf("%v: %q", x402.ErrUnsupportedScheme, req.Scheme)), false
	}
	if accepted.Scheme != req.Scheme {
		return invalid(x402.ReasonRequirementMismatch,
			fmt.Sprintf("accepted scheme %q does not match required %q", accepted.Scheme, req.Scheme)), false
	}
	if accepted.Network != req.Network {
		return invalid(x402.ReasonRequirementMismatch,
			fmt.Sprintf("accepted network %q does not match required %q", accepted.Network, req.Network)), false
	}
	if accepted.Asset != "" && !equalAddress(accepted.Asset, req.Asset) {
		return invalid(x402.ReasonRequirementMismatch,
			fmt.Sprintf("accepted asset %q does not match required %q", accepted.Asset, req.Asset)), false
	}

	if accepted.Amount != "" {
		offered, err := x402.ParseAmount(accepted.Amount)
		if err != nil {
			return invalid(x402.ReasonRequirementMismatch,
				fmt.Sprintf("accepted amount: %v", err)), false
		}
		required, err := x402.ParseAmount(req.Amount)
		if err != nil {
			return invalid(x402.ReasonRequirementMismatch,
				fmt.Sprintf("requirement amount: %v", err)), false
		}
		if offered.Cmp(required) < 0 {
			return invalid(x402.ReasonRequirementMismatch,
				fmt.Sprintf("offered amount %s below required %s", accepted.Amount, req.Amount)), false
		}
	}

	return x402.VerifyResponse{}, true
}

func (e *Engine) checkWindow(auth x402.EVMAuthorization) (x402.VerifyResponse, bool) {
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return invalid(x402.ReasonInvalidPayload,
			fmt.Sprintf("invalid validAfter %q", auth.ValidAfter)), false
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return invalid(x402.ReasonInvalidPayload,
			fmt.Sprintf("invalid validBefore %q", auth.ValidBefore)), false
	}

	now := big.NewInt(e.now().Unix())
	if now.Cmp(validAfter) < 0 {
		return invalid(x402.ReasonNotYetValid,
			fmt.Sprintf("authorization not valid until %s", auth.ValidAfter)), false
	}
	if now.Cmp(validBefore) >= 0 {
		return invalid(x402.ReasonExpired,
			fmt.Sprintf("authorization expired at %s", auth.ValidBefore)), false
	}
	return x402.VerifyResponse{}, true
}

// signatureDomain derives the EIP-712 domain from the requirement: the chain
// ID from the network, the name and version from the requirement's extra data
// or, failing that, from the known chain configuration for the asset.
func signatureDomain(req x402.PaymentRequirements) (ledger.Domain, error) {
	chainID, err := x402.GetChainID(req.Network)
	if err != nil {
		return ledger.Domain{}, err
	}

	domain := ledger.Domain{
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}
	if name, ok := req.Extra["name"].(string); ok && name != "" {
		domain.Name = name
	}
	if version, ok := req.Extra["version"].(string); ok && version != "" {
		domain.Version = version
	}

	if domain.Name == "" || domain.Version == "" {
		config, err := x402.GetChainConfig(req.Network)
		if err != nil || !equalAddress(config.USDCAddress, req.Asset) {
			return ledger.Domain{}, fmt.Errorf("%w: missing EIP-712 domain name/version for asset %s",
				x402.ErrInvalidNetwork, req.Asset)
		}
		if domain.Name == "" {
			domain.Name = config.EIP3009Name
		}
		if domain.Version == "" {
			domain.Version = config.EIP3009Version
		}
	}

	return domain, nil
}

func equalAddress(a, b string) bool {
	a = strings.TrimPrefix(strings.TrimPrefix(a, "0x"), "0X")
	b = strings.TrimPrefix(strings.TrimPrefix(b, "0x"), "0X")
	return strings.EqualFold(a, b)
}
