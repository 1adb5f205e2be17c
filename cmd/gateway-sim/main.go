package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
)

// SessionState mirrors the provider's status vocabulary.
type SessionState string

const (
	StatePending   SessionState = "PENDING"
	StateCompleted SessionState = "COMPLETED"
	StateFailed    SessionState = "FAILED"
)

// PayRequest is the initiate call the gateway client sends.
type PayRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	MerchantRef string `json:"merchant_transaction_id" binding:"required"`
	PayerID     string `json:"payer_id"`
	PayerPhone  string `json:"payer_phone"`
	CallbackURL string `json:"callback_url"`
	RedirectURL string `json:"redirect_url"`
	Description string `json:"description"`
}

type PayResponse struct {
	Success    bool   `json:"success"`
	PaymentURL string `json:"payment_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

type StatusResponse struct {
	Success              bool         `json:"success"`
	Status               SessionState `json:"status"`
	PaymentMode          string       `json:"payment_mode,omitempty"`
	GatewayTransactionID string       `json:"transaction_id,omitempty"`
	Error                string       `json:"error,omitempty"`
}

type session struct {
	MerchantRef          string
	GatewayTransactionID string
	State                SessionState
	PaymentMode          string
	Amount               int64
	CallbackURL          string
	CreatedAt            time.Time
}

// MockProvider simulates the external payment provider: it holds payment
// sessions, resolves them after a delay, and fires signed webhooks.
type MockProvider struct {
	mu          sync.Mutex
	sessions    map[string]*session
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	secret      string
	webhookURL  string
	rng         *rand.Rand
}

func NewMockProvider(successRate float64, minDelay, maxDelay time.Duration, secret, webhookURL string) *MockProvider {
	return &MockProvider{
		sessions:    make(map[string]*session),
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		secret:      secret,
		webhookURL:  webhookURL,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *MockProvider) createSession(req *PayRequest) *session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sessions[req.MerchantRef]; ok {
		return existing
	}

	s := &session{
		MerchantRef:          req.MerchantRef,
		GatewayTransactionID: "GTX-" + uuid.New().String()[:8],
		State:                StatePending,
		Amount:               req.Amount,
		CallbackURL:          req.CallbackURL,
		CreatedAt:            time.Now(),
	}
	p.sessions[req.MerchantRef] = s

	// Resolve in the background after a payer-shaped delay.
	go p.resolveLater(req.MerchantRef)
	return s
}

func (p *MockProvider) resolveLater(merchantRef string) {
	time.Sleep(p.randomDelay())
	p.Resolve(merchantRef, p.randomOutcome())
}

// Resolve drives a session terminal and fires the signed webhook. Also
// reachable over HTTP so tests can force an outcome.
func (p *MockProvider) Resolve(merchantRef string, state SessionState) bool {
	p.mu.Lock()
	s, ok := p.sessions[merchantRef]
	if !ok || s.State != StatePending {
		p.mu.Unlock()
		return false
	}
	s.State = state
	if state == StateCompleted {
		s.PaymentMode = p.randomPaymentMode()
	}
	snapshot := *s
	p.mu.Unlock()

	log.Info().
		Str("merchant_ref", merchantRef).
		Str("state", string(state)).
		Msg("Session resolved")

	p.fireWebhook(&snapshot)
	return true
}

// fireWebhook signs the notification body exactly the way the real
// provider does, so the receiving side's verification is exercised.
func (p *MockProvider) fireWebhook(s *session) {
	if p.webhookURL == "" {
		return
	}

	body, _ := json.Marshal(map[string]string{
		"merchantTransactionId": s.MerchantRef,
		"transactionId":         s.GatewayTransactionID,
		"state":                 string(s.State),
		"paymentInstrument":     s.PaymentMode,
	})

	req, err := http.NewRequest(http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(body, p.secret))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("merchant_ref", s.MerchantRef).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	log.Info().
		Str("merchant_ref", s.MerchantRef).
		Int("status", resp.StatusCode).
		Msg("Webhook delivered")
}

func (p *MockProvider) get(merchantRef string) (*session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[merchantRef]
	if !ok {
		return nil, false
	}
	snapshot := *s
	return &snapshot, true
}

func (p *MockProvider) randomDelay() time.Duration {
	delta := p.maxDelay - p.minDelay
	if delta <= 0 {
		return p.minDelay
	}
	return p.minDelay + time.Duration(p.rng.Int63n(int64(delta)))
}

func (p *MockProvider) randomOutcome() SessionState {
	if p.rng.Float64() < p.successRate {
		return StateCompleted
	}
	return StateFailed
}

func (p *MockProvider) randomPaymentMode() string {
	modes := []string{"UPI", "CARD", "NETBANKING", "WALLET"}
	return modes[p.rng.Intn(len(modes))]
}

type Handler struct {
	provider *MockProvider
	baseURL  string
}

func NewHandler(provider *MockProvider, baseURL string) *Handler {
	return &Handler{provider: provider, baseURL: baseURL}
}

// Pay opens a payment session and hands back a hosted-page URL.
func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, PayResponse{Success: false, Error: "invalid request: " + err.Error()})
		return
	}

	s := h.provider.createSession(&req)

	log.Info().
		Str("merchant_ref", req.MerchantRef).
		Int64("amount", req.Amount).
		Msg("Payment session created")

	c.JSON(http.StatusOK, PayResponse{
		Success:    true,
		PaymentURL: fmt.Sprintf("%s/pay/%s", h.baseURL, s.MerchantRef),
	})
}

// Status answers the reconciliation check-status call.
func (h *Handler) Status(c *gin.Context) {
	merchantRef := c.Param("merchant_ref")

	s, ok := h.provider.get(merchantRef)
	if !ok {
		c.JSON(http.StatusNotFound, StatusResponse{Success: false, Error: "unknown merchant transaction"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Success:              true,
		Status:               s.State,
		PaymentMode:          s.PaymentMode,
		GatewayTransactionID: s.GatewayTransactionID,
	})
}

// ForceResolve lets tests drive a session to a chosen terminal state
// instead of waiting for the random resolver.
func (h *Handler) ForceResolve(c *gin.Context) {
	merchantRef := c.Param("merchant_ref")
	state := SessionState(c.Query("state"))
	if state != StateCompleted && state != StateFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be COMPLETED or FAILED"})
		return
	}

	if !h.provider.Resolve(merchantRef, state) {
		c.JSON(http.StatusConflict, gin.H{"error": "session missing or already resolved"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchant_ref": merchantRef, "state": state})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/pay", handler.Pay)
		v1.GET("/status/:merchant_ref", handler.Status)
		v1.POST("/resolve/:merchant_ref", handler.ForceResolve)
		v1.GET("/health", handler.HealthCheck)
	}

	router.GET("/health", handler.HealthCheck)
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	successRate := getEnvFloat("SUCCESS_RATE", 0.9)
	minDelay := getEnvDuration("MIN_DELAY", 2*time.Second)
	maxDelay := getEnvDuration("MAX_DELAY", 10*time.Second)
	secret := getEnv("GATEWAY_SECRET", "dev-secret")
	webhookURL := getEnv("WEBHOOK_URL", "")
	baseURL := getEnv("BASE_URL", "http://localhost:"+port)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Str("webhook_url", webhookURL).
		Msg("Starting mock payment provider")

	provider := NewMockProvider(successRate, minDelay, maxDelay, secret, webhookURL)
	handler := NewHandler(provider, baseURL)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
