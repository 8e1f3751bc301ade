package facilitator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/codec"
	"github.com/nacorid/x402-facilitator/x402/settle"
)

// Mode selects which operations the HTTP surface exposes.
type Mode string

const (
	// ModeVerify serves verification only; POST /settle runs verification
	// and stops there, returning the verdict without touching the ledger.
	ModeVerify Mode = "verify"

	// ModeSettle settles synchronously unless the request asks to enqueue.
	ModeSettle Mode = "settle"

	// ModeAsync enqueues every settlement and replies with a job ID.
	ModeAsync Mode = "async"
)

// Server exposes a Service over HTTP.
type Server struct {
	// Service handles the facilitator operations. Required.
	Service *Service

	// Mode selects the settlement behavior. Defaults to ModeSettle.
	Mode Mode

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics exposes GET /metrics when set.
	Metrics prometheus.Gatherer
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) mode() Mode {
	if s.Mode == "" {
		return ModeSettle
	}
	return s.Mode
}

// Router builds the gin engine with all facilitator routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/jobs/:id", s.handleJob)
	router.GET("/health", s.handleHealth)
	router.GET("/supported", s.handleSupported)
	if s.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{})))
	}
	return router
}

// settleBody is the version-agnostic shape of /verify and /settle bodies.
// The payload and requirements are kept raw until the version is known.
type settleBody struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
	Enqueue             bool            `json:"enqueue,omitempty"`
}

// decodeRequest parses a request body in either protocol version into the
// canonical payload and requirement forms.
func decodeRequest(r io.Reader) (x402.PaymentPayload, x402.PaymentRequirements, codec.Version, bool, error) {
	var zeroP x402.PaymentPayload
	var zeroR x402.PaymentRequirements

	var body settleBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "request", Err: err}
	}

	switch body.X402Version {
	case 1:
		var v1Payload x402.V1PaymentPayload
		if err := json.Unmarshal(body.PaymentPayload, &v1Payload); err != nil {
			return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "payment", Err: err}
		}
		var v1Req x402.V1PaymentRequirements
		if err := json.Unmarshal(body.PaymentRequirements, &v1Req); err != nil {
			return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "requirements", Err: err}
		}
		payload, err := v1Payload.Payment()
		if err != nil {
			return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "payment", Err: err}
		}
		req, err := v1Req.Requirements(time.Now())
		if err != nil {
			return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "requirements", Err: err}
		}
		return payload, req, codec.V1, body.Enqueue, nil

	case x402.X402Version:
		var payload x402.PaymentPayload
		if err := json.Unmarshal(body.PaymentPayload, &payload); err != nil {
			return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "payment", Err: err}
		}
		var req x402.PaymentRequirements
		if err := json.Unmarshal(body.PaymentRequirements, &req); err != nil {
			return zeroP, zeroR, 0, false, &codec.DecodeError{Kind: "requirements", Err: err}
		}
		return payload, req, codec.V2, body.Enqueue, nil

	default:
		return zeroP, zeroR, 0, false, &codec.DecodeError{
			Kind: "request",
			Err:  x402.ErrUnsupportedVersion,
		}
	}
}

func (s *Server) handleVerify(c *gin.Context) {
	payload, req, version, _, err := decodeRequest(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": errorCode(err)})
		return
	}

	resp, err := s.Service.Verify(c.Request.Context(), payload, req)
	if err != nil {
		s.serviceError(c, "verify", err)
		return
	}
	if !resp.IsValid {
		s.rejectPayment(c, req, version, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	payload, req, version, enqueue, err := decodeRequest(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": errorCode(err)})
		return
	}

	verdict, err := s.Service.Verify(c.Request.Context(), payload, req)
	if err != nil {
		s.serviceError(c, "verify", err)
		return
	}
	if !verdict.IsValid {
		s.rejectPayment(c, req, version, verdict)
		return
	}

	// Verify-only deployments stop after verification; the ledger is never
	// touched and the nonce stays unconsumed.
	if s.mode() == ModeVerify {
		c.JSON(http.StatusOK, verdict)
		return
	}

	if enqueue || s.mode() == ModeAsync {
		if s.Service.Queue == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "async settlement not enabled"})
			return
		}
		jobID, err := s.Service.Queue.Enqueue(c.Request.Context(), payload, req)
		if err != nil {
			s.logger().Error("enqueue failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement queue unavailable"})
			return
		}
		c.JSON(http.StatusOK, EnqueueResponse{JobID: jobID})
		return
	}

	result, err := s.Service.Settler.Settle(c.Request.Context(), payload, req)
	if err != nil {
		s.serviceError(c, "settle", err)
		return
	}

	s.setSettlementHeader(c, version, &result)
	if version == codec.V1 {
		c.JSON(http.StatusOK, result.V1Settlement())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleJob(c *gin.Context) {
	if s.Service.Queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	job, err := s.Service.Queue.Job(c.Request.Context(), c.Param("id"))
	if errors.Is(err, settle.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger().Error("job lookup failed", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":     job.ID,
		"state":     job.State,
		"attempts":  job.Attempts,
		"result":    job.Result,
		"lastError": job.LastError,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{"status": "ok"}
	if s.Service.Ledger != nil {
		health["networks"] = s.Service.Ledger.Networks()
	}
	if s.Service.Queue != nil {
		counts, err := s.Service.Queue.Counts(c.Request.Context())
		if err != nil {
			s.logger().Error("queue health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "queue unavailable"})
			return
		}
		health["queue"] = counts
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleSupported(c *gin.Context) {
	resp, err := s.Service.Supported(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// rejectPayment writes the 402 rejection: the verification verdict plus a
// fresh challenge, mirrored in the payment-required header for the request's
// protocol version.
func (s *Server) rejectPayment(c *gin.Context, req x402.PaymentRequirements, version codec.Version, verdict *x402.VerifyResponse) {
	body := gin.H{
		"isValid":        false,
		"invalidReason":  verdict.InvalidReason,
		"invalidMessage": verdict.InvalidMessage,
	}

	if version == codec.V1 {
		challenge := x402.V1PaymentRequired{
			X402Version: 1,
			Error:       verdict.InvalidReason,
			Accepts:     []x402.V1PaymentRequirements{req.V1Requirements(time.Now())},
		}
		body["paymentRequired"] = challenge
		if encoded, err := codec.EncodeRequiredV1(challenge); err == nil {
			c.Header(codec.RequiredHeader(version), encoded)
		}
	} else {
		challenge := x402.PaymentRequired{
			X402Version: x402.X402Version,
			Error:       verdict.InvalidReason,
			Accepts:     []x402.PaymentRequirements{req},
		}
		body["paymentRequired"] = challenge
		if encoded, err := codec.EncodeRequired(challenge); err == nil {
			c.Header(codec.RequiredHeader(version), encoded)
		}
	}

	c.JSON(http.StatusPaymentRequired, body)
}

func (s *Server) setSettlementHeader(c *gin.Context, version codec.Version, result *x402.SettleResponse) {
	var encoded string
	var err error
	if version == codec.V1 {
		encoded, err = codec.EncodeSettlementV1(result.V1Settlement())
	} else {
		encoded, err = codec.EncodeSettlement(*result)
	}
	if err != nil {
		s.logger().Error("encoding settlement header", "error", err)
		return
	}
	c.Header(codec.SettlementHeader(version), encoded)
}

// serviceError maps engine errors to HTTP statuses. Ledger outages and
// transient settlement failures are upstream faults, everything else is ours.
func (s *Server) serviceError(c *gin.Context, op string, err error) {
	s.logger().Error(op+" failed", "error", err)
	switch {
	case errors.Is(err, x402.ErrLedgerUnavailable), errors.Is(err, x402.ErrSettlementFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": errorCode(err)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": errorCode(err)})
	}
}

// errorCode maps the protocol sentinels to their wire error codes so clients
// can branch without parsing messages.
func errorCode(err error) x402.ErrorCode {
	switch {
	case errors.Is(err, x402.ErrUnsupportedVersion):
		return x402.ErrCodeUnsupportedVersion
	case errors.Is(err, x402.ErrUnsupportedScheme):
		return x402.ErrCodeUnsupportedScheme
	case errors.Is(err, x402.ErrLedgerUnavailable):
		return x402.ErrCodeLedgerUnavailable
	case errors.Is(err, x402.ErrSettlementFailed):
		return x402.ErrCodeSettlementFailed
	case errors.Is(err, x402.ErrInvalidPayload),
		errors.Is(err, x402.ErrInvalidAmount),
		errors.Is(err, x402.ErrInvalidNetwork),
		errors.As(err, new(*codec.DecodeError)):
		return x402.ErrCodeInvalidRequirements
	default:
		return x402.ErrCodeNetworkError
	}
}
