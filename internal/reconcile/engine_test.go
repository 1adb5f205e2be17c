package reconcile

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/repository"
	"github.com/edupay/payment-gateway/pkg/pg"
)

type mockGatewayClient struct {
	mock.Mock
}

func (m *mockGatewayClient) CheckStatus(ctx context.Context, merchantRef string) (*gateway.StatusResult, error) {
	args := m.Called(ctx, merchantRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.StatusResult), args.Error(1)
}

func (m *mockGatewayClient) VerifyWebhook(body []byte, signatureHeader string) (*gateway.WebhookEnvelope, error) {
	args := m.Called(body, signatureHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.WebhookEnvelope), args.Error(1)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *capturePublisher) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data)
	return "1-0", nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type engineFixture struct {
	db           *pg.DB
	payments     *repository.PaymentRepository
	transactions *repository.TransactionRepository
	gw           *mockGatewayClient
	events       *capturePublisher
	engine       *Engine
}

func setupEngine(t *testing.T) *engineFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&repository.PaymentEntity{}, &repository.TransactionEntity{})
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()
	for _, name := range []string{"read", "write"} {
		field := pgDBValue.FieldByName(name)
		field = reflect.NewAt(field.Type(), field.Addr().UnsafePointer()).Elem()
		field.Set(reflect.ValueOf(db))
	}

	payments := repository.NewPaymentRepository(pgDB)
	transactions := repository.NewTransactionRepository(pgDB)
	gw := &mockGatewayClient{}
	events := &capturePublisher{}

	return &engineFixture{
		db:           pgDB,
		payments:     payments,
		transactions: transactions,
		gw:           gw,
		events:       events,
		engine:       NewEngine(payments, transactions, pgDB, gw, events),
	}
}

func (f *engineFixture) seedPayment(t *testing.T, status model.PaymentStatus) *model.Payment {
	p, err := f.payments.Create(context.Background(), &model.Payment{
		EnrollmentID: 42,
		Amount:       decimal.NewFromFloat(1500.00),
		Status:       status,
	})
	require.NoError(t, err)
	return p
}

func (f *engineFixture) seedAttempt(t *testing.T, paymentID int64, merchantRef string) *model.Transaction {
	txn, err := f.transactions.Create(context.Background(), &model.Transaction{
		PaymentID:   paymentID,
		MerchantRef: merchantRef,
		Status:      model.TransactionPending,
	})
	require.NoError(t, err)
	return txn
}

func completedSignal(merchantRef string) Signal {
	return Signal{
		MerchantRef:          merchantRef,
		Status:               gateway.StatusCompleted,
		GatewayTransactionID: "GTX-001",
		PaymentMode:          "UPI",
		RawPayload:           []byte(`{"state":"COMPLETED"}`),
		Source:               "webhook",
	}
}

func TestApplyStatusCompletedSettlesPayment(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	outcome, err := f.engine.ApplyStatus(ctx, completedSignal("MREF-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCompleted, txn.Status)
	require.NotNil(t, txn.GatewayTransactionID)
	assert.Equal(t, "GTX-001", *txn.GatewayTransactionID)
	assert.NotNil(t, txn.CompletedAt)

	got, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, got.Status)
	require.NotNil(t, got.TransactionReference)
	assert.Equal(t, "GTX-001", *got.TransactionReference)
	require.NotNil(t, got.PaymentMethod)
	assert.Equal(t, "UPI", *got.PaymentMethod)
	assert.NotNil(t, got.PaymentDate)

	assert.Equal(t, 1, f.events.count())
}

func TestApplyStatusIdempotentReplay(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	_, err := f.engine.ApplyStatus(ctx, completedSignal("MREF-1"))
	require.NoError(t, err)

	// Same terminal value over a different path lands as a duplicate.
	sig := completedSignal("MREF-1")
	sig.Source = "callback"
	outcome, err := f.engine.ApplyStatus(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, 1, f.events.count())
	assert.Equal(t, int64(1), f.engine.Metrics().Snapshot().Duplicates)
}

func TestApplyStatusConflictPreservesStoredState(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	reason := "insufficient funds"
	failed := Signal{
		MerchantRef:   "MREF-1",
		Status:        gateway.StatusFailed,
		FailureReason: reason,
		Source:        "webhook",
	}
	_, err := f.engine.ApplyStatus(ctx, failed)
	require.NoError(t, err)

	// A late COMPLETED never overrides a stored FAILED.
	outcome, err := f.engine.ApplyStatus(ctx, completedSignal("MREF-1"))
	assert.ErrorIs(t, err, ErrConflictingTerminalState)
	assert.Equal(t, OutcomeConflict, outcome)

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
	assert.Equal(t, reason, *txn.FailureReason)

	got, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, got.Status)
	assert.Equal(t, 0, f.events.count())
}

func TestApplyStatusFailedLeavesPaymentPending(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	outcome, err := f.engine.ApplyStatus(ctx, Signal{
		MerchantRef:   "MREF-1",
		Status:        gateway.StatusFailed,
		FailureReason: "declined",
		Source:        "sweep",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSettleable())
	assert.Equal(t, 0, f.events.count())
}

func TestApplyStatusStillPendingWritesNothing(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	outcome, err := f.engine.ApplyStatus(ctx, Signal{
		MerchantRef: "MREF-1",
		Status:      gateway.StatusPending,
		Source:      "sweep",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStillPending, outcome)

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, txn.Status)
}

func TestApplyStatusUnknownStatus(t *testing.T) {
	f := setupEngine(t)

	_, err := f.engine.ApplyStatus(context.Background(), Signal{
		MerchantRef: "MREF-1",
		Status:      gateway.Status("REVERSED"),
	})
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestApplyStatusSecondAttemptCannotSettleTwice(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	// Two attempts against one payment, both reporting COMPLETED. The
	// second must not settle the payment again, and its transition is
	// rolled back.
	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")
	second := f.seedAttempt(t, payment.ID, "MREF-2")

	_, err := f.engine.ApplyStatus(ctx, completedSignal("MREF-1"))
	require.NoError(t, err)

	sig := completedSignal("MREF-2")
	sig.GatewayTransactionID = "GTX-002"
	outcome, err := f.engine.ApplyStatus(ctx, sig)
	assert.ErrorIs(t, err, ErrConflictingTerminalState)
	assert.Equal(t, OutcomeConflict, outcome)

	txn, err := f.transactions.GetByMerchantRef(ctx, second.MerchantRef)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, txn.Status)

	got, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TransactionReference)
	assert.Equal(t, "GTX-001", *got.TransactionReference)
	assert.Equal(t, 1, f.events.count())
}

type mockTransactionStore struct {
	mock.Mock
}

func (m *mockTransactionStore) GetByMerchantRef(ctx context.Context, merchantRef string) (*model.Transaction, error) {
	args := m.Called(ctx, merchantRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *mockTransactionStore) GetLatestByPayment(ctx context.Context, paymentID int64) (*model.Transaction, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *mockTransactionStore) MarkTerminalIfPending(ctx context.Context, id int64, u repository.TerminalUpdate) (bool, error) {
	args := m.Called(ctx, id, u)
	return args.Bool(0), args.Error(1)
}

type mockPaymentStore struct {
	mock.Mock
}

func (m *mockPaymentStore) Get(ctx context.Context, id int64) (*model.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

func (m *mockPaymentStore) MarkCompleted(ctx context.Context, id int64, method string, reference string, when time.Time) error {
	args := m.Called(ctx, id, method, reference, when)
	return args.Error(0)
}

type passthroughAtomic struct{}

func (passthroughAtomic) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestApplyStatusLostRaceReclassifies(t *testing.T) {
	// A concurrent signal wins the conditional update between our read
	// and our write; the loser must re-read and classify against the
	// winner instead of reporting an error.
	ctx := context.Background()

	pending := &model.Transaction{ID: 7, PaymentID: 1, MerchantRef: "MREF-1", Status: model.TransactionPending}
	won := &model.Transaction{ID: 7, PaymentID: 1, MerchantRef: "MREF-1", Status: model.TransactionCompleted}

	transactions := &mockTransactionStore{}
	transactions.On("GetByMerchantRef", mock.Anything, "MREF-1").Return(pending, nil).Once()
	transactions.On("MarkTerminalIfPending", mock.Anything, int64(7), mock.Anything).Return(false, nil).Once()
	transactions.On("GetByMerchantRef", mock.Anything, "MREF-1").Return(won, nil).Once()

	payments := &mockPaymentStore{}
	events := &capturePublisher{}
	engine := NewEngine(payments, transactions, passthroughAtomic{}, &mockGatewayClient{}, events)

	outcome, err := engine.ApplyStatus(ctx, completedSignal("MREF-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// The loser never touches the payment or publishes.
	payments.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, events.count())
	transactions.AssertExpectations(t)
}

func TestHandleWebhookInvalidSignature(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	body := []byte(`{"merchantTransactionId":"MREF-1","state":"COMPLETED"}`)
	f.gw.On("VerifyWebhook", body, "bad-sig").Return(nil, gateway.ErrInvalidSignature)

	_, err := f.engine.HandleWebhook(ctx, body, "bad-sig")
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, txn.Status)
	assert.Equal(t, int64(1), f.engine.Metrics().Snapshot().RejectedWebhooks)
}

func TestHandleWebhookAppliesEnvelope(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	body := []byte(`{"merchantTransactionId":"MREF-1","transactionId":"GTX-9","state":"COMPLETED","paymentInstrument":"CARD"}`)
	f.gw.On("VerifyWebhook", body, "good-sig").Return(&gateway.WebhookEnvelope{
		MerchantRef:          "MREF-1",
		GatewayTransactionID: "GTX-9",
		State:                gateway.StatusCompleted,
		InstrumentType:       "CARD",
	}, nil)

	outcome, err := f.engine.HandleWebhook(ctx, body, "good-sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCompleted, txn.Status)
	assert.Equal(t, body, txn.RawPayload)
}

func TestHandleCallbackCompletedPaymentShortCircuits(t *testing.T) {
	f := setupEngine(t)

	payment := f.seedPayment(t, model.PaymentCompleted)

	outcome, err := f.engine.HandleCallback(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	f.gw.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything)
}

func TestHandleCallbackQueriesGateway(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	f.gw.On("CheckStatus", mock.Anything, "MREF-1").Return(&gateway.StatusResult{
		Success:              true,
		Status:               gateway.StatusCompleted,
		PaymentMode:          "NETBANKING",
		GatewayTransactionID: "GTX-5",
	}, nil)

	outcome, err := f.engine.HandleCallback(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, got.Status)
}

func TestHandleCallbackGatewayDownLeavesStateUntouched(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	f.gw.On("CheckStatus", mock.Anything, "MREF-1").Return(nil, gateway.ErrGatewayUnavailable)

	_, err := f.engine.HandleCallback(ctx, payment.ID)
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, txn.Status)
}

func TestHandleCallbackUnknownPayment(t *testing.T) {
	f := setupEngine(t)

	_, err := f.engine.HandleCallback(context.Background(), 9999)
	assert.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestRecheckTerminalShortCircuits(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	_, err := f.engine.ApplyStatus(ctx, completedSignal("MREF-1"))
	require.NoError(t, err)

	outcome, err := f.engine.Recheck(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	f.gw.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything)
}
