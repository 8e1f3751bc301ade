// Package settle executes verified payment authorizations against the
// ledger, either synchronously through the Engine or asynchronously through
// the Queue.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/ledger"
	"github.com/nacorid/x402-facilitator/x402/nonce"
)

// Engine submits authorizations to the ledger. The nonce is marked used only
// after the ledger acknowledges submission, bounding the double-submit window
// without marking-before-confirming.
//
// Settling the same nonce twice is a no-op returning the original result;
// the engine keeps the result of each settled nonce for that purpose.
// Cached results live exactly as long as the tracker's nonce TTL: once the
// nonce can be reused, the old result is unreachable and is evicted.
type Engine struct {
	ledger *ledger.Registry
	nonces *nonce.Tracker
	logger *slog.Logger

	mu      sync.Mutex
	results map[string]cachedResult

	// now is swappable in tests.
	now func() time.Time
}

type cachedResult struct {
	resp     x402.SettleResponse
	storedAt time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(reg *ledger.Registry, nonces *nonce.Tracker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:  reg,
		nonces:  nonces,
		logger:  logger,
		results: make(map[string]cachedResult),
		now:     time.Now,
	}
}

func failed(reason, message, network string) x402.SettleResponse {
	return x402.SettleResponse{
		Success:      false,
		ErrorReason:  reason,
		ErrorMessage: message,
		Network:      network,
	}
}

// Settle submits the authorization for execution.
//
// A returned error marks a transient failure (ledger outage, submission
// rejected by the node) that the queue may retry; a response with
// Success=false and a nil error is a terminal protocol rejection that must
// not be retried.
func (e *Engine) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (x402.SettleResponse, error) {
	exact, err := payload.ExactPayload()
	if err != nil {
		return failed(x402.ReasonInvalidPayload, err.Error(), req.Network), nil
	}
	auth := exact.Authorization
	key := nonce.Normalize(auth.Nonce)

	// Idempotency: a consumed nonce settles to its original result.
	if e.nonces.IsUsed(key) {
		if original, ok := e.result(key); ok {
			e.logger.Debug("duplicate settlement request", "nonce", key, "transaction", original.Transaction)
			return original, nil
		}
		return failed(x402.ReasonNonceReused,
			fmt.Sprintf("authorization nonce %s already used", auth.Nonce), req.Network), nil
	}

	client, err := e.ledger.Client(req.Network)
	if err != nil {
		return failed(x402.ReasonRequirementMismatch, err.Error(), req.Network), nil
	}

	tx, err := client.Submit(ctx, auth, exact.Signature, req.Asset)
	if err != nil {
		if errors.Is(err, x402.ErrInvalidPayload) {
			return failed(x402.ReasonInvalidPayload, err.Error(), req.Network), nil
		}
		// Transient: surfaced to the caller for retry or a 5xx.
		return x402.SettleResponse{}, err
	}

	result := x402.SettleResponse{
		Success:     true,
		Transaction: tx,
		Network:     req.Network,
		Payer:       auth.From,
	}

	// Submission acknowledged: consume the nonce. Losing this race means a
	// concurrent attempt submitted first; its result stands.
	if err := e.nonces.MarkUsed(key); err != nil {
		var used *nonce.AlreadyUsedError
		if errors.As(err, &used) {
			e.logger.Warn("nonce consumed by concurrent settlement", "nonce", key, "transaction", tx)
			if original, ok := e.result(key); ok {
				return original, nil
			}
			return result, nil
		}
		return x402.SettleResponse{}, err
	}

	e.storeResult(key, result)

	e.logger.Info("payment settled", "network", req.Network, "transaction", tx, "payer", auth.From)
	return result, nil
}

// storeResult caches a settlement result, sweeping entries that outlived the
// nonce TTL so the cache stays bounded by the set of live nonces.
func (e *Engine) storeResult(key string, resp x402.SettleResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked()
	e.results[key] = cachedResult{resp: resp, storedAt: e.now()}
}

func (e *Engine) result(key string) (x402.SettleResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cached, ok := e.results[key]
	if !ok {
		return x402.SettleResponse{}, false
	}
	if e.resultExpired(cached) {
		delete(e.results, key)
		return x402.SettleResponse{}, false
	}
	return cached.resp, true
}

func (e *Engine) resultExpired(c cachedResult) bool {
	ttl := e.nonces.TTL()
	return ttl > 0 && !e.now().Before(c.storedAt.Add(ttl))
}

func (e *Engine) evictLocked() {
	ttl := e.nonces.TTL()
	if ttl <= 0 {
		return
	}
	for key, cached := range e.results {
		if !e.now().Before(cached.storedAt.Add(ttl)) {
			delete(e.results, key)
		}
	}
}
