package handlers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/reconcile"
	"github.com/edupay/payment-gateway/internal/services"
	xhttp "github.com/edupay/payment-gateway/pkg/http"
	"github.com/edupay/payment-gateway/pkg/logger"
)

type PaymentService interface {
	CreatePayment(ctx context.Context, p *model.Payment) (*model.Payment, error)
	InitiatePayment(ctx context.Context, paymentID int64, payerID, payerPhone string) (*services.InitiateResponse, error)
	PaymentStatus(ctx context.Context, paymentID int64) (*model.PaymentStatusView, error)
	PaymentHistory(ctx context.Context, paymentID int64) ([]*model.Transaction, error)
}

type Reconciler interface {
	HandleCallback(ctx context.Context, paymentID int64) (reconcile.Outcome, error)
	HandleWebhook(ctx context.Context, body []byte, signatureHeader string) (reconcile.Outcome, error)
}

type PaymentHandler struct {
	svc        PaymentService
	reconciler Reconciler
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments", h.CreatePayment)
	e.POST("/payments/{id}/initiate", h.InitiatePayment)
	e.GET("/payments/{id}/status", h.PaymentStatus)
	e.GET("/payments/{id}/history", h.PaymentHistory)
	e.GET("/payments/callback", h.Callback)
	e.POST("/payments/webhook", h.Webhook)
}

func NewPaymentHandler(svc PaymentService, reconciler Reconciler) *PaymentHandler {
	return &PaymentHandler{
		svc:        svc,
		reconciler: reconciler,
	}
}

type createPaymentRequest struct {
	EnrollmentID int64  `json:"enrollment_id"`
	OfferID      *int64 `json:"offer_id,omitempty"`
	Amount       string `json:"amount"`
}

type initiatePaymentRequest struct {
	PayerID    string `json:"payer_id"`
	PayerPhone string `json:"payer_phone"`
}

// callbackResponse is the user-facing resolution of a redirect: success,
// still processing, or failed with a retry prompt.
type callbackResponse struct {
	PaymentID int64  `json:"payment_id"`
	State     string `json:"state"`
	Retryable bool   `json:"retryable"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) CreatePayment(ctx *xhttp.RequestCtx) {
	var req createPaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.EnrollmentID == 0 {
		writeError(ctx, xhttp.StatusBadRequest, "enrollment_id is required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsNegative() || amount.IsZero() {
		writeError(ctx, xhttp.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	payment, err := h.svc.CreatePayment(ctx, &model.Payment{
		EnrollmentID: req.EnrollmentID,
		OfferID:      req.OfferID,
		Amount:       amount,
		Status:       model.PaymentPending,
	})
	if err != nil {
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, payment)
}

func (h *PaymentHandler) InitiatePayment(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid payment id")
		return
	}

	var req initiatePaymentRequest
	if len(ctx.PostBody()) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	resp, err := h.svc.InitiatePayment(ctx, id, req.PayerID, req.PayerPhone)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPaymentNotFound):
			writeError(ctx, xhttp.StatusNotFound, err.Error())
		case errors.Is(err, services.ErrPaymentAlreadyCompleted):
			writeError(ctx, xhttp.StatusConflict, err.Error())
		case errors.Is(err, gateway.ErrGatewayUnavailable):
			writeError(ctx, xhttp.StatusBadGateway, "payment gateway unavailable, try again")
		default:
			writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(ctx, xhttp.StatusOK, resp)
}

func (h *PaymentHandler) PaymentStatus(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid payment id")
		return
	}

	view, err := h.svc.PaymentStatus(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrPaymentNotFound) {
			writeError(ctx, xhttp.StatusNotFound, err.Error())
			return
		}
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, xhttp.StatusOK, view)
}

func (h *PaymentHandler) PaymentHistory(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid payment id")
		return
	}

	items, err := h.svc.PaymentHistory(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrPaymentNotFound) {
			writeError(ctx, xhttp.StatusNotFound, err.Error())
			return
		}
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]interface{}{"items": items})
}

// Callback lands the payer back from the gateway's page. It resolves the
// payment's actual state server-side; the redirect itself carries no
// trusted status.
func (h *PaymentHandler) Callback(ctx *xhttp.RequestCtx) {
	id, err := paramInt64(ctx, "payment_id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid payment_id")
		return
	}

	if _, err := h.reconciler.HandleCallback(ctx, id); err != nil {
		if errors.Is(err, gateway.ErrGatewayUnavailable) {
			// Could not confirm either way; tell the user it is in
			// flight rather than guessing.
			writeJSON(ctx, xhttp.StatusOK, callbackResponse{PaymentID: id, State: "processing"})
			return
		}
		if !errors.Is(err, reconcile.ErrConflictingTerminalState) {
			writeError(ctx, xhttp.StatusInternalServerError, err.Error())
			return
		}
	}

	view, err := h.svc.PaymentStatus(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrPaymentNotFound) {
			writeError(ctx, xhttp.StatusNotFound, err.Error())
			return
		}
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, xhttp.StatusOK, toCallbackResponse(view))
}

// Webhook is the provider's server-to-server notification. Anything past
// signature verification answers 200: duplicates and conflicts are our
// problem to record, and the provider must not retry forever.
func (h *PaymentHandler) Webhook(ctx *xhttp.RequestCtx) {
	signature := string(ctx.Request.Header.Peek(gateway.SignatureHeader))
	body := ctx.PostBody()

	outcome, err := h.reconciler.HandleWebhook(ctx, body, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			writeError(ctx, xhttp.StatusUnauthorized, "invalid signature")
			return
		}
		if errors.Is(err, reconcile.ErrConflictingTerminalState) {
			writeJSON(ctx, xhttp.StatusOK, map[string]string{"outcome": string(outcome)})
			return
		}
		logger.Error("webhook processing failed", "error", err.Error())
		writeError(ctx, xhttp.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]string{"outcome": string(outcome)})
}

func toCallbackResponse(view *model.PaymentStatusView) callbackResponse {
	resp := callbackResponse{PaymentID: view.Payment.ID}
	switch {
	case view.Payment.Status == model.PaymentCompleted:
		resp.State = "success"
	case view.LatestTransaction != nil && view.LatestTransaction.Status == model.TransactionFailed:
		resp.State = "failed"
		resp.Retryable = true
	default:
		resp.State = "processing"
	}
	return resp
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func paramInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	idStr := ctx.QueryArgs().Peek(name)
	return strconv.ParseInt(string(idStr), 10, 64)
}
