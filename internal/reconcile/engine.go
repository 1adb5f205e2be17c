package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/repository"
	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/edupay/payment-gateway/pkg/prom"
)

var (
	// ErrConflictingTerminalState is returned when a terminal signal
	// disagrees with the terminal state already stored. The stored state
	// is preserved; resolution is a manual operation.
	ErrConflictingTerminalState = errors.New("conflicting terminal state")
	// ErrUnknownStatus is returned for a gateway status outside the
	// known vocabulary.
	ErrUnknownStatus = errors.New("unknown gateway status")
)

// Outcome classifies what ApplyStatus did with a signal.
type Outcome string

const (
	// OutcomeApplied means the transaction transitioned to a terminal state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the signal replayed an already-recorded
	// terminal state and was absorbed without any write.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeConflict means the signal contradicted the stored terminal
	// state and was recorded but not applied.
	OutcomeConflict Outcome = "conflict"
	// OutcomeStillPending means the gateway itself reported PENDING, so
	// there was nothing to apply.
	OutcomeStillPending Outcome = "still_pending"
)

// PaymentStore is the slice of the payment repository the engine needs.
type PaymentStore interface {
	Get(ctx context.Context, id int64) (*model.Payment, error)
	MarkCompleted(ctx context.Context, id int64, method string, reference string, when time.Time) error
}

// TransactionStore is the slice of the transaction repository the engine
// needs. MarkTerminalIfPending must be a storage-level conditional update.
type TransactionStore interface {
	GetByMerchantRef(ctx context.Context, merchantRef string) (*model.Transaction, error)
	GetLatestByPayment(ctx context.Context, paymentID int64) (*model.Transaction, error)
	MarkTerminalIfPending(ctx context.Context, id int64, u repository.TerminalUpdate) (bool, error)
}

// Atomic runs fn inside a single database transaction. *pg.DB satisfies it.
type Atomic interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// GatewayClient is the slice of the gateway client the engine needs.
type GatewayClient interface {
	CheckStatus(ctx context.Context, merchantRef string) (*gateway.StatusResult, error)
	VerifyWebhook(body []byte, signatureHeader string) (*gateway.WebhookEnvelope, error)
}

// EventPublisher emits events after a settlement commits. May be nil.
type EventPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// PaymentSettledEvent is published on the settled stream once a payment
// transitions to completed.
type PaymentSettledEvent struct {
	PaymentID            int64     `json:"payment_id"`
	EnrollmentID         int64     `json:"enrollment_id"`
	MerchantRef          string    `json:"merchant_ref"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	PaymentMode          string    `json:"payment_mode"`
	Amount               string    `json:"amount"`
	SettledAt            time.Time `json:"settled_at"`
}

// Signal is a terminal (or still pending) status report for one
// transaction, normalized from whichever path delivered it.
type Signal struct {
	MerchantRef          string
	Status               gateway.Status
	GatewayTransactionID string
	PaymentMode          string
	FailureReason        string
	RawPayload           []byte
	Source               string // "webhook", "callback" or "sweep"
}

// Engine drives transaction and payment state from gateway signals. All
// mutation goes through storage-level conditional updates so concurrent
// signals for the same transaction race safely.
type Engine struct {
	payments     PaymentStore
	transactions TransactionStore
	db           Atomic
	gw           GatewayClient
	events       EventPublisher
	metrics      *ServiceMetrics
	now          func() time.Time
}

func NewEngine(payments PaymentStore, transactions TransactionStore, db Atomic, gw GatewayClient, events EventPublisher) *Engine {
	return &Engine{
		payments:     payments,
		transactions: transactions,
		db:           db,
		gw:           gw,
		events:       events,
		metrics:      &ServiceMetrics{},
		now:          time.Now,
	}
}

func (e *Engine) Metrics() *ServiceMetrics {
	return e.metrics
}

// HandleWebhook verifies the signature and applies the envelope. The body
// is stored verbatim as the transaction's raw payload for audit.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte, signatureHeader string) (Outcome, error) {
	env, err := e.gw.VerifyWebhook(body, signatureHeader)
	if err != nil {
		prom.Inc(prom.SystemReconcile, prom.MetricWebhooksRejectedTotal)
		e.metrics.recordRejectedWebhook()
		logger.Warn("webhook rejected", "reason", err.Error())
		return "", err
	}

	return e.ApplyStatus(ctx, Signal{
		MerchantRef:          env.MerchantRef,
		Status:               env.State,
		GatewayTransactionID: env.GatewayTransactionID,
		PaymentMode:          env.InstrumentType,
		RawPayload:           body,
		Source:               "webhook",
	})
}

// HandleCallback resolves the redirect callback for a payment. The
// callback carries no status of its own; the gateway is queried and the
// result applied. A completed payment short-circuits without a query.
func (e *Engine) HandleCallback(ctx context.Context, paymentID int64) (Outcome, error) {
	payment, err := e.payments.Get(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if payment.Status == model.PaymentCompleted {
		return OutcomeDuplicate, nil
	}

	txn, err := e.transactions.GetLatestByPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if txn.Status.IsTerminal() {
		return OutcomeDuplicate, nil
	}

	return e.recheck(ctx, txn.MerchantRef, "callback")
}

// Recheck queries the gateway for a transaction's status and applies the
// answer. Used by the stale-transaction sweep.
func (e *Engine) Recheck(ctx context.Context, merchantRef string) (Outcome, error) {
	txn, err := e.transactions.GetByMerchantRef(ctx, merchantRef)
	if err != nil {
		return "", err
	}
	if txn.Status.IsTerminal() {
		return OutcomeDuplicate, nil
	}
	return e.recheck(ctx, merchantRef, "sweep")
}

func (e *Engine) recheck(ctx context.Context, merchantRef string, source string) (Outcome, error) {
	result, err := e.gw.CheckStatus(ctx, merchantRef)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", errors.Wrapf(gateway.ErrGatewayUnavailable, "status check rejected: %s", result.Error)
	}

	raw, _ := json.Marshal(result)
	return e.ApplyStatus(ctx, Signal{
		MerchantRef:          merchantRef,
		Status:               result.Status,
		GatewayTransactionID: result.GatewayTransactionID,
		PaymentMode:          result.PaymentMode,
		FailureReason:        result.Error,
		RawPayload:           raw,
		Source:               source,
	})
}

// ApplyStatus applies one status signal to its transaction. The same
// terminal value may arrive any number of times over any path; only the
// first arrival writes. Concurrency is resolved at the storage layer: the
// terminal write is conditional on the row still being PENDING, and a
// lost race is reclassified by re-reading the winner's state.
func (e *Engine) ApplyStatus(ctx context.Context, sig Signal) (Outcome, error) {
	requested, err := toTransactionStatus(sig.Status)
	if err != nil {
		return "", err
	}
	if requested == model.TransactionPending {
		e.finish(sig, OutcomeStillPending)
		return OutcomeStillPending, nil
	}

	txn, err := e.transactions.GetByMerchantRef(ctx, sig.MerchantRef)
	if err != nil {
		return "", err
	}

	if txn.Status.IsTerminal() {
		return e.classifyTerminal(txn, requested, sig)
	}
	if !CanTransition(txn.Status, requested) {
		return "", errors.Errorf("transaction %s: illegal transition %s -> %s", txn.MerchantRef, txn.Status, requested)
	}

	applied, err := e.applyTerminal(ctx, txn, requested, sig)
	if err != nil {
		if errors.Is(err, ErrConflictingTerminalState) {
			return OutcomeConflict, err
		}
		return "", err
	}
	if !applied {
		// Lost the race to a concurrent signal. Re-read and classify
		// against whatever won.
		txn, err = e.transactions.GetByMerchantRef(ctx, sig.MerchantRef)
		if err != nil {
			return "", err
		}
		return e.classifyTerminal(txn, requested, sig)
	}

	if requested == model.TransactionCompleted {
		e.publishSettled(ctx, txn, sig)
		prom.Inc(prom.SystemReconcile, prom.MetricSettlementsTotal)
	}
	e.finish(sig, OutcomeApplied)
	return OutcomeApplied, nil
}

// classifyTerminal handles a signal arriving after the transaction is
// already terminal: a replay of the same value is absorbed, a different
// value is a conflict that is logged and never applied.
func (e *Engine) classifyTerminal(txn *model.Transaction, requested model.TransactionStatus, sig Signal) (Outcome, error) {
	if IsIdempotentReplay(txn.Status, requested) {
		e.finish(sig, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}
	if !IsConflict(txn.Status, requested) {
		return "", errors.Errorf("transaction %s: unexpected stored status %q", txn.MerchantRef, txn.Status)
	}

	prom.Inc(prom.SystemReconcile, prom.MetricTerminalConflictsTotal)
	logger.Error("conflicting terminal signal, stored state preserved",
		"merchant_ref", txn.MerchantRef,
		"payment_id", txn.PaymentID,
		"stored", txn.Status,
		"reported", requested,
		"source", sig.Source,
		"gateway_transaction_id", sig.GatewayTransactionID,
	)
	e.finish(sig, OutcomeConflict)
	return OutcomeConflict, ErrConflictingTerminalState
}

// applyTerminal moves the transaction out of PENDING and, for COMPLETED,
// settles the payment in the same database transaction. Returns false
// when the conditional update matched no row.
func (e *Engine) applyTerminal(ctx context.Context, txn *model.Transaction, requested model.TransactionStatus, sig Signal) (bool, error) {
	when := e.now()
	update := repository.TerminalUpdate{
		Status:     requested,
		RawPayload: sig.RawPayload,
		When:       when,
	}
	if sig.GatewayTransactionID != "" {
		update.GatewayTransactionID = &sig.GatewayTransactionID
	}
	if sig.PaymentMode != "" {
		update.PaymentMode = &sig.PaymentMode
	}
	if requested == model.TransactionFailed && sig.FailureReason != "" {
		update.FailureReason = &sig.FailureReason
	}

	applied := false
	err := e.db.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		applied, err = e.transactions.MarkTerminalIfPending(ctx, txn.ID, update)
		if err != nil {
			return err
		}
		if !applied || requested != model.TransactionCompleted {
			return nil
		}

		// Guarded write keeps a payment from being settled twice even
		// if two distinct attempts both report COMPLETED.
		err = e.payments.MarkCompleted(ctx, txn.PaymentID, sig.PaymentMode, sig.GatewayTransactionID, when)
		if err != nil {
			if errors.Is(err, repository.ErrAlreadySettled) {
				logger.Error("payment settled by another attempt, transition rolled back",
					"payment_id", txn.PaymentID,
					"merchant_ref", txn.MerchantRef,
				)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadySettled) {
			prom.Inc(prom.SystemReconcile, prom.MetricTerminalConflictsTotal)
			e.finish(sig, OutcomeConflict)
			return false, ErrConflictingTerminalState
		}
		return false, err
	}
	return applied, nil
}

func (e *Engine) publishSettled(ctx context.Context, txn *model.Transaction, sig Signal) {
	if e.events == nil {
		return
	}

	event := PaymentSettledEvent{
		PaymentID:            txn.PaymentID,
		MerchantRef:          txn.MerchantRef,
		GatewayTransactionID: sig.GatewayTransactionID,
		PaymentMode:          sig.PaymentMode,
		SettledAt:            e.now(),
	}
	if payment, err := e.payments.Get(ctx, txn.PaymentID); err == nil {
		event.EnrollmentID = payment.EnrollmentID
		event.Amount = payment.Amount.StringFixed(2)
	}

	// Settlement already committed; a publish failure is logged, not
	// propagated. The settled stream is advisory.
	if _, err := e.events.PublishJSON(ctx, event, map[string]string{"source": sig.Source}); err != nil {
		logger.Error("failed to publish settled event",
			"payment_id", txn.PaymentID,
			"merchant_ref", txn.MerchantRef,
			"error", err.Error(),
		)
	}
}

func (e *Engine) finish(sig Signal, outcome Outcome) {
	prom.IncWithLabels(prom.SystemReconcile, prom.MetricApplyStatusOutcomeTotal, string(outcome))
	e.metrics.recordOutcome(outcome)
	logger.Debug("status signal processed",
		"merchant_ref", sig.MerchantRef,
		"status", sig.Status,
		"source", sig.Source,
		"outcome", outcome,
	)
}

func toTransactionStatus(s gateway.Status) (model.TransactionStatus, error) {
	switch s {
	case gateway.StatusPending:
		return model.TransactionPending, nil
	case gateway.StatusCompleted:
		return model.TransactionCompleted, nil
	case gateway.StatusFailed:
		return model.TransactionFailed, nil
	default:
		return "", errors.Wrapf(ErrUnknownStatus, "status %q", s)
	}
}
