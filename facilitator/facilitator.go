// Package facilitator implements the payment facilitator: the service that
// verifies payment authorizations and settles them on chain, its HTTP surface,
// and an HTTP client for talking to a remote facilitator.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/ledger"
	"github.com/nacorid/x402-facilitator/x402/settle"
	"github.com/nacorid/x402-facilitator/x402/verify"
)

// Interface defines the facilitator contract for payment verification and
// settlement. The in-process Service and the HTTP Client both satisfy it.
type Interface interface {
	// Verify verifies a payment authorization without executing the transaction.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain.
	// This should only be called after successful verification.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported queries the facilitator for supported payment kinds and signers.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version of the request body (1 or 2).
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version of the request body (1 or 2).
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`

	// Enqueue requests asynchronous settlement. The response carries a job ID
	// instead of a settlement result.
	Enqueue bool `json:"enqueue,omitempty"`
}

// EnqueueResponse is returned by POST /settle when the settlement was queued.
type EnqueueResponse struct {
	JobID string `json:"jobId"`
}

// Service is the in-process facilitator. It wires the verification engine,
// the settlement engine, and the optional async queue behind the common
// Interface.
type Service struct {
	// Verifier validates payloads against requirements. Required.
	Verifier *verify.Engine

	// Settler executes authorizations. Required for settlement.
	Settler *settle.Engine

	// Queue handles asynchronous settlement. Nil disables enqueueing.
	Queue *settle.Queue

	// Ledger enumerates the supported networks for /supported.
	Ledger *ledger.Registry

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

var _ Interface = (*Service)(nil)

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Verify implements Interface.
func (s *Service) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	resp, err := s.Verifier.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !resp.IsValid {
		s.logger().Info("payment rejected",
			"network", requirements.Network,
			"reason", resp.InvalidReason)
	}
	return &resp, nil
}

// Settle implements Interface. The payload is verified first; a payload that
// fails verification is never submitted to the ledger.
func (s *Service) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	verdict, err := s.Verifier.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		return &x402.SettleResponse{
			Success:      false,
			ErrorReason:  verdict.InvalidReason,
			ErrorMessage: verdict.InvalidMessage,
			Network:      requirements.Network,
		}, nil
	}

	resp, err := s.Settler.Settle(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SettleAsync verifies the payload and enqueues it for settlement, returning
// the job ID. The nonce is not consumed until the queued settlement succeeds.
func (s *Service) SettleAsync(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (string, *x402.VerifyResponse, error) {
	if s.Queue == nil {
		return "", nil, errors.New("facilitator: async settlement not enabled")
	}

	verdict, err := s.Verifier.Verify(ctx, payload, requirements)
	if err != nil {
		return "", nil, err
	}
	if !verdict.IsValid {
		return "", &verdict, nil
	}

	jobID, err := s.Queue.Enqueue(ctx, payload, requirements)
	if err != nil {
		return "", nil, fmt.Errorf("enqueueing settlement: %w", err)
	}
	return jobID, &verdict, nil
}

// Supported implements Interface. The kinds are derived from the registered
// ledger clients, one per protocol version per network.
func (s *Service) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	resp := &x402.SupportedResponse{
		Kinds:      []x402.SupportedKind{},
		Extensions: []string{},
		Signers:    map[string][]string{},
	}
	if s.Ledger == nil {
		return resp, nil
	}

	for _, network := range s.Ledger.Networks() {
		var extra map[string]interface{}
		if cfg, err := x402.GetChainConfig(network); err == nil {
			extra = map[string]interface{}{
				"name":    cfg.EIP3009Name,
				"version": cfg.EIP3009Version,
			}
		}
		resp.Kinds = append(resp.Kinds,
			x402.SupportedKind{
				X402Version: 1,
				Scheme:      x402.SchemeExact,
				Network:     network,
				Extra:       extra,
			},
			x402.SupportedKind{
				X402Version: x402.X402Version,
				Scheme:      x402.SchemeExact,
				Network:     network,
				Extra:       extra,
			},
		)

		client, err := s.Ledger.Client(network)
		if err != nil {
			continue
		}
		if signer := client.SignerAddress(); signer != "" {
			resp.Signers[network] = append(resp.Signers[network], signer)
		}
	}

	return resp, nil
}
