package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/retry"
	"github.com/nacorid/x402-facilitator/x402/settle"
)

// Client talks to a remote facilitator over HTTP. It satisfies Interface so
// callers can swap it for the in-process Service.
type Client struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.x402.org").
	BaseURL string

	// HTTP is the HTTP client to use for requests. If nil, http.DefaultClient
	// is used.
	HTTP *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for failed requests
	// (default: 0). Set to 0 to disable retries.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value
	// (e.g., "Bearer token").
	Authorization string
}

var _ Interface = (*Client)(nil)

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1, // +1 because MaxRetries is retry count, not attempt count
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// opContext applies the operation timeout unless the caller already set a
// deadline.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Authorization != "" {
		req.Header.Set("Authorization", c.Authorization)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	return resp, nil
}

// Verify verifies a payment authorization without executing the transaction.
func (c *Client) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	data, err := json.Marshal(VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailable, func() (*x402.VerifyResponse, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()

		httpResp, err := c.post(reqCtx, "/verify", data)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		switch httpResp.StatusCode {
		case http.StatusOK, http.StatusPaymentRequired:
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return nil, fmt.Errorf("%w: status %d", x402.ErrFacilitatorUnavailable, httpResp.StatusCode)
		default:
			return nil, parseErrorResponse(httpResp, x402.ErrVerificationFailed)
		}

		var verifyResp x402.VerifyResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResp); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}
		return &verifyResp, nil
	})
}

// Settle executes a verified payment on the blockchain.
func (c *Client) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	data, err := json.Marshal(SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailable, func() (*x402.SettleResponse, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.SettleTimeout)
		defer cancel()

		httpResp, err := c.post(reqCtx, "/settle", data)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		switch httpResp.StatusCode {
		case http.StatusOK:
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return nil, fmt.Errorf("%w: status %d", x402.ErrFacilitatorUnavailable, httpResp.StatusCode)
		default:
			return nil, parseErrorResponse(httpResp, x402.ErrSettlementFailed)
		}

		var settleResp x402.SettleResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResp); err != nil {
			return nil, fmt.Errorf("failed to decode settle response: %w", err)
		}
		return &settleResp, nil
	})
}

// SettleAsync enqueues a settlement on the facilitator and returns the job ID.
func (c *Client) SettleAsync(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (string, error) {
	data, err := json.Marshal(SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Enqueue:             true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailable, func() (string, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.SettleTimeout)
		defer cancel()

		httpResp, err := c.post(reqCtx, "/settle", data)
		if err != nil {
			return "", err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return "", parseErrorResponse(httpResp, x402.ErrSettlementFailed)
		}

		var enq EnqueueResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&enq); err != nil {
			return "", fmt.Errorf("failed to decode enqueue response: %w", err)
		}
		if enq.JobID == "" {
			return "", fmt.Errorf("%w: facilitator did not enqueue", x402.ErrSettlementFailed)
		}
		return enq.JobID, nil
	})
}

// JobStatus is the facilitator's view of a queued settlement job.
type JobStatus struct {
	JobID     string               `json:"jobId"`
	State     settle.JobState      `json:"state"`
	Attempts  int                  `json:"attempts"`
	Result    *x402.SettleResponse `json:"result,omitempty"`
	LastError string               `json:"lastError,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Job fetches the status of a queued settlement job.
func (c *Client) Job(ctx context.Context, jobID string) (*JobStatus, error) {
	reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Authorization != "" {
		req.Header.Set("Authorization", c.Authorization)
	}

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return nil, settle.ErrJobNotFound
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("job endpoint failed: status %d", httpResp.StatusCode)
	}

	var status JobStatus
	if err := json.NewDecoder(httpResp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode job response: %w", err)
	}
	return &status, nil
}

// Supported queries the facilitator for supported payment types.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Authorization != "" {
		req.Header.Set("Authorization", c.Authorization)
	}

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supportedResp, nil
}

// parseErrorResponse turns a non-OK HTTP response into a *x402.PaymentError
// wrapping baseErr. The error code is taken from the response body when the
// facilitator sent one, so callers can branch on it without parsing messages.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	code := x402.ErrCodeNetworkError
	message := fmt.Sprintf("status %d", resp.StatusCode)

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if c, ok := errBody["code"].(string); ok && c != "" {
			code = x402.ErrorCode(c)
		}
		for _, key := range []string{"invalidReason", "errorReason", "error"} {
			if reason, ok := errBody[key].(string); ok && reason != "" {
				message = fmt.Sprintf("status %d, reason: %s", resp.StatusCode, reason)
				break
			}
		}
	} else if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		message = fmt.Sprintf("status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	return x402.NewPaymentError(code, message, baseErr).WithDetails("status", resp.StatusCode)
}

func isFacilitatorUnavailable(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
