package x402

import "errors"

// Sentinel errors for facilitator operations.
var (
	// ErrInvalidAmount indicates a malformed or negative amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidNetwork indicates an invalid or unsupported network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidPayload indicates the scheme-specific payload is malformed.
	ErrInvalidPayload = errors.New("x402: invalid exact scheme payload")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrLedgerUnavailable indicates the ledger backend could not be reached.
	// Treated as transient for settlement, fatal for synchronous verification.
	ErrLedgerUnavailable = errors.New("x402: ledger unavailable")

	// ErrSettlementFailed indicates a settlement attempt failed on submission.
	// The settlement queue retries it up to its configured bound.
	ErrSettlementFailed = errors.New("x402: settlement failed")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")
)

// Verification rejection reasons, one per distinct verification step.
// They are expected protocol outcomes carried in VerifyResponse and
// SettleResponse, not errors.
const (
	// ReasonRequirementMismatch: the accepted option does not structurally
	// satisfy the requirement (scheme, network, asset, recipient, or amount).
	ReasonRequirementMismatch = "requirement_mismatch"

	// ReasonNotYetValid: the authorization validAfter bound is in the future.
	ReasonNotYetValid = "not_yet_valid"

	// ReasonExpired: the authorization validBefore bound has passed.
	ReasonExpired = "expired"

	// ReasonNonceReused: the authorization nonce was already consumed.
	ReasonNonceReused = "nonce_reused"

	// ReasonInvalidSignature: the signature does not recover to the payer.
	ReasonInvalidSignature = "invalid_signature"

	// ReasonInsufficientBalance: the payer balance is below the value.
	ReasonInsufficientBalance = "insufficient_balance"

	// ReasonInvalidPayload: the scheme-specific payload is malformed.
	ReasonInvalidPayload = "invalid_payload"

	// ReasonSettlementFailed: submission to the ledger failed.
	ReasonSettlementFailed = "settlement_failed"
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"
	ErrCodeUnsupportedScheme   ErrorCode = "UNSUPPORTED_SCHEME"
	ErrCodeUnsupportedVersion  ErrorCode = "UNSUPPORTED_VERSION"
	ErrCodeLedgerUnavailable   ErrorCode = "LEDGER_UNAVAILABLE"
	ErrCodeSettlementFailed    ErrorCode = "SETTLEMENT_FAILED"
	ErrCodeNetworkError        ErrorCode = "NETWORK_ERROR"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
