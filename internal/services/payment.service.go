package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/repository"
	"github.com/edupay/payment-gateway/pkg/logger"
)

var (
	ErrPaymentAlreadyCompleted = errors.New("payment already completed")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrGatewayUnavailable      = gateway.ErrGatewayUnavailable
)

type PaymentRepository interface {
	Create(ctx context.Context, p *model.Payment) (*model.Payment, error)
	Get(ctx context.Context, id int64) (*model.Payment, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetLatestByPayment(ctx context.Context, paymentID int64) (*model.Transaction, error)
	ListByPayment(ctx context.Context, paymentID int64) ([]*model.Transaction, error)
	MarkTerminalIfPending(ctx context.Context, id int64, u repository.TerminalUpdate) (bool, error)
}

type GatewayInitiator interface {
	Initiate(ctx context.Context, req *gateway.InitiateRequest) (*gateway.InitiateResult, error)
}

// InitiateOptions carries the per-deployment pieces of the initiate call.
type InitiateOptions struct {
	CallbackURL string
	RedirectURL string
}

// InitiateResponse is what the caller needs to send the payer onward.
type InitiateResponse struct {
	PaymentURL  string `json:"payment_url"`
	MerchantRef string `json:"merchant_ref"`
}

// PaymentService owns the initiation flow. It records the attempt before
// talking to the gateway, so a crash mid-call leaves an auditable PENDING
// row the sweep will later resolve.
type PaymentService struct {
	paymentRepo     PaymentRepository
	transactionRepo TransactionRepository
	gw              GatewayInitiator
	opts            InitiateOptions
}

func NewPaymentService(paymentRepo PaymentRepository, transactionRepo TransactionRepository, gw GatewayInitiator, opts InitiateOptions) *PaymentService {
	return &PaymentService{
		paymentRepo:     paymentRepo,
		transactionRepo: transactionRepo,
		gw:              gw,
		opts:            opts,
	}
}

// CreatePayment records a new pending ledger entry.
func (s *PaymentService) CreatePayment(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	if p.Status == "" {
		p.Status = model.PaymentPending
	}
	return s.paymentRepo.Create(ctx, p)
}

// InitiatePayment starts a new settlement attempt. Each attempt gets a
// fresh merchant ref, so a retry after a failed attempt never collides
// with the earlier one at the gateway.
func (s *PaymentService) InitiatePayment(ctx context.Context, paymentID int64, payerID, payerPhone string) (*InitiateResponse, error) {
	payment, err := s.paymentRepo.Get(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if !payment.IsSettleable() {
		return nil, ErrPaymentAlreadyCompleted
	}

	merchantRef := uuid.NewString()
	txn, err := s.transactionRepo.Create(ctx, &model.Transaction{
		PaymentID:   payment.ID,
		MerchantRef: merchantRef,
		Status:      model.TransactionPending,
	})
	if err != nil {
		return nil, err
	}

	result, err := s.gw.Initiate(ctx, &gateway.InitiateRequest{
		Amount:      payment.AmountMinorUnits(),
		MerchantRef: merchantRef,
		PayerID:     payerID,
		PayerPhone:  payerPhone,
		CallbackURL: s.opts.CallbackURL,
		RedirectURL: s.opts.RedirectURL,
		Description: fmt.Sprintf("enrollment %d", payment.EnrollmentID),
	})
	if err != nil {
		s.failAttempt(ctx, txn, err.Error())
		return nil, err
	}
	if !result.Success {
		s.failAttempt(ctx, txn, result.Error)
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, result.Error)
	}

	logger.Info("payment initiated",
		"payment_id", payment.ID,
		"merchant_ref", merchantRef,
		"amount", payment.Amount.StringFixed(2),
	)
	return &InitiateResponse{
		PaymentURL:  result.PaymentURL,
		MerchantRef: merchantRef,
	}, nil
}

// failAttempt closes the attempt the gateway rejected. The payment itself
// stays pending; the caller may initiate again.
func (s *PaymentService) failAttempt(ctx context.Context, txn *model.Transaction, reason string) {
	update := repository.TerminalUpdate{
		Status:        model.TransactionFailed,
		FailureReason: &reason,
		When:          time.Now(),
	}
	if _, err := s.transactionRepo.MarkTerminalIfPending(ctx, txn.ID, update); err != nil {
		logger.Error("failed to close rejected attempt",
			"transaction_id", txn.ID,
			"merchant_ref", txn.MerchantRef,
			"error", err.Error(),
		)
	}
}

// PaymentStatus returns the payment and its latest attempt, if any.
func (s *PaymentService) PaymentStatus(ctx context.Context, paymentID int64) (*model.PaymentStatusView, error) {
	payment, err := s.paymentRepo.Get(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	view := &model.PaymentStatusView{Payment: payment}
	txn, err := s.transactionRepo.GetLatestByPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return view, nil
		}
		return nil, err
	}
	view.LatestTransaction = txn
	return view, nil
}

// PaymentHistory lists every attempt against a payment, oldest first.
func (s *PaymentService) PaymentHistory(ctx context.Context, paymentID int64) ([]*model.Transaction, error) {
	if _, err := s.paymentRepo.Get(ctx, paymentID); err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return s.transactionRepo.ListByPayment(ctx, paymentID)
}
