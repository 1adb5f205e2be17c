package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/edupay/payment-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

var (
	// ErrGatewayUnavailable covers network errors and timeouts on outbound
	// calls. Always retryable; no state may change before it is returned.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidSignature is returned for webhook bodies whose signature
	// header is missing, malformed or does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SignatureHeader carries the provider's assertion over the webhook body.
const SignatureHeader = "X-Gateway-Signature"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

type InitiateRequest struct {
	Amount      int64  `json:"amount"` // integer minor units
	MerchantRef string `json:"merchant_transaction_id"`
	PayerID     string `json:"payer_id"`
	PayerPhone  string `json:"payer_phone"`
	CallbackURL string `json:"callback_url"`
	RedirectURL string `json:"redirect_url"`
	Description string `json:"description"`
}

// InitiateResult is the structured outcome of an initiate call. Failures
// from the provider surface here as Success=false; the caller owns retry
// policy.
type InitiateResult struct {
	Success    bool   `json:"success"`
	PaymentURL string `json:"payment_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

type StatusResult struct {
	Success              bool   `json:"success"`
	Status               Status `json:"status"`
	PaymentMode          string `json:"payment_mode,omitempty"`
	GatewayTransactionID string `json:"transaction_id,omitempty"`
	Error                string `json:"error,omitempty"`
}

// WebhookEnvelope is the decoded, signature-verified webhook payload.
// Nothing upstream of VerifyWebhook ever sees the raw body as trusted data.
type WebhookEnvelope struct {
	MerchantRef          string `json:"merchantTransactionId"`
	GatewayTransactionID string `json:"transactionId"`
	State                Status `json:"state"`
	InstrumentType       string `json:"paymentInstrument"`
}

// ClientMetrics tracks outbound call health. Read by the reconciler's
// periodic metrics report.
type ClientMetrics struct {
	TotalRequests  atomic.Int64
	SuccessfulReqs atomic.Int64
	FailedReqs     atomic.Int64
	LastLatencyMs  atomic.Int64
}

func (m *ClientMetrics) recordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.LastLatencyMs.Store(latencyMs)
}

func (m *ClientMetrics) recordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
}

func (m *ClientMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

type Config struct {
	BaseURL         string
	MerchantID      string
	Secret          string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// Client is the contract over the external payment provider: initiate,
// check-status and webhook verification. Network only; it never touches
// persistence.
type Client struct {
	config  *Config
	http    *fasthttp.Client
	metrics *ClientMetrics
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if config.Secret == "" {
		return nil, errors.New("gateway secret is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}

	logger.Info("Payment gateway client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)

	return &Client{
		config:  config,
		http:    httpClient,
		metrics: &ClientMetrics{},
	}, nil
}

// Initiate asks the provider for a hosted payment page. The merchant ref
// must be fresh per attempt; it is the idempotency key echoed back on the
// callback and webhook paths. No client-side retry here: the caller
// decides, and a stuck attempt is the sweep's problem.
func (c *Client) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initiate request: %w", err)
	}

	start := time.Now()
	response, err := c.doRequest(ctx, "POST", "/api/v1/pay", reqBody)
	latency := time.Since(start)
	prom.Observe(prom.SystemGateway, prom.MetricGatewayRequestDuration, latency.Seconds(), "initiate")

	if err != nil {
		c.metrics.recordFailure()
		prom.IncWithLabels(prom.SystemGateway, prom.MetricGatewayFailuresTotal, "initiate")
		logger.Warn("Initiate request failed", "merchant_ref", req.MerchantRef, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	c.metrics.recordSuccess(latency.Milliseconds())

	var result InitiateResult
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal initiate response: %w", err)
	}

	logger.Info("Payment initiated at gateway", "merchant_ref", req.MerchantRef, "success", result.Success, "latency_ms", latency.Milliseconds())

	return &result, nil
}

// CheckStatus queries the provider for the authoritative state of one
// attempt. The callback path relies on this because the redirect itself
// carries no gateway truth.
func (c *Client) CheckStatus(ctx context.Context, merchantRef string) (*StatusResult, error) {
	start := time.Now()
	response, err := c.doRequest(ctx, "GET", "/api/v1/status/"+merchantRef, nil)
	latency := time.Since(start)
	prom.Observe(prom.SystemGateway, prom.MetricGatewayRequestDuration, latency.Seconds(), "check_status")

	if err != nil {
		c.metrics.recordFailure()
		prom.IncWithLabels(prom.SystemGateway, prom.MetricGatewayFailuresTotal, "check_status")
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	c.metrics.recordSuccess(latency.Milliseconds())

	var result StatusResult
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w", err)
	}

	return &result, nil
}

// VerifyWebhook checks the shared-secret signature over the raw body and,
// only if it matches, decodes the provider envelope. Missing header,
// mismatch and malformed body all collapse into ErrInvalidSignature; no
// detail leaks past this boundary.
func (c *Client) VerifyWebhook(body []byte, signatureHeader string) (*WebhookEnvelope, error) {
	if len(signatureHeader) == 0 || len(body) == 0 {
		return nil, ErrInvalidSignature
	}

	expected := Sign(body, c.config.Secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHeader)) != 1 {
		return nil, ErrInvalidSignature
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, ErrInvalidSignature
	}
	if envelope.MerchantRef == "" || envelope.State == "" {
		return nil, ErrInvalidSignature
	}

	return &envelope, nil
}

// Sign computes the webhook signature scheme shared with the provider:
// hex-encoded SHA-256 over body plus secret.
func Sign(body []byte, secret string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) Metrics() *ClientMetrics {
	return c.metrics
}

// doRequest performs one HTTP round trip with a bounded deadline.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Merchant-Id", c.config.MerchantID)

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusCreated {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
