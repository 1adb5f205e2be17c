package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/repository"
)

type MockPaymentRepository struct {
	mock.Mock
}

func (m *MockPaymentRepository) Create(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

func (m *MockPaymentRepository) Get(ctx context.Context, id int64) (*model.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	args := m.Called(ctx, txn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) GetLatestByPayment(ctx context.Context, paymentID int64) (*model.Transaction, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Transaction, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) MarkTerminalIfPending(ctx context.Context, id int64, u repository.TerminalUpdate) (bool, error) {
	args := m.Called(ctx, id, u)
	return args.Bool(0), args.Error(1)
}

type MockGatewayInitiator struct {
	mock.Mock
}

func (m *MockGatewayInitiator) Initiate(ctx context.Context, req *gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.InitiateResult), args.Error(1)
}

func pendingPayment(id int64) *model.Payment {
	return &model.Payment{
		ID:           id,
		EnrollmentID: 42,
		Amount:       decimal.NewFromFloat(1500.00),
		Status:       model.PaymentPending,
	}
}

func newService(payments *MockPaymentRepository, transactions *MockTransactionRepository, gw *MockGatewayInitiator) *PaymentService {
	return NewPaymentService(payments, transactions, gw, InitiateOptions{
		CallbackURL: "https://edu.example.com/payments/callback",
		RedirectURL: "https://edu.example.com/payments/done",
	})
}

func TestInitiatePaymentSuccess(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	gw := &MockGatewayInitiator{}
	svc := newService(payments, transactions, gw)

	payments.On("Get", mock.Anything, int64(1)).Return(pendingPayment(1), nil)
	transactions.On("Create", mock.Anything, mock.MatchedBy(func(txn *model.Transaction) bool {
		return txn.PaymentID == 1 && txn.Status == model.TransactionPending && txn.MerchantRef != ""
	})).Return(&model.Transaction{ID: 10, PaymentID: 1, Status: model.TransactionPending}, nil)
	gw.On("Initiate", mock.Anything, mock.MatchedBy(func(req *gateway.InitiateRequest) bool {
		// 1500.00 in minor units.
		return req.Amount == 150000 && req.MerchantRef != "" && req.CallbackURL != ""
	})).Return(&gateway.InitiateResult{Success: true, PaymentURL: "https://gw.example.com/pay/abc"}, nil)

	resp, err := svc.InitiatePayment(context.Background(), 1, "student-9", "+919800000001")
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example.com/pay/abc", resp.PaymentURL)
	assert.NotEmpty(t, resp.MerchantRef)

	gw.AssertExpectations(t)
	transactions.AssertExpectations(t)
}

func TestInitiatePaymentFreshRefPerAttempt(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	gw := &MockGatewayInitiator{}
	svc := newService(payments, transactions, gw)

	payments.On("Get", mock.Anything, int64(1)).Return(pendingPayment(1), nil)

	var refs []string
	transactions.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		refs = append(refs, args.Get(1).(*model.Transaction).MerchantRef)
	}).Return(&model.Transaction{ID: 10, PaymentID: 1}, nil)
	gw.On("Initiate", mock.Anything, mock.Anything).Return(&gateway.InitiateResult{Success: true, PaymentURL: "u"}, nil)

	_, err := svc.InitiatePayment(context.Background(), 1, "s", "")
	require.NoError(t, err)
	_, err = svc.InitiatePayment(context.Background(), 1, "s", "")
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.NotEqual(t, refs[0], refs[1])
}

func TestInitiatePaymentAlreadyCompleted(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	gw := &MockGatewayInitiator{}
	svc := newService(payments, transactions, gw)

	completed := pendingPayment(1)
	completed.Status = model.PaymentCompleted
	payments.On("Get", mock.Anything, int64(1)).Return(completed, nil)

	_, err := svc.InitiatePayment(context.Background(), 1, "s", "")
	assert.ErrorIs(t, err, ErrPaymentAlreadyCompleted)

	transactions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
}

func TestInitiatePaymentNotFound(t *testing.T) {
	payments := &MockPaymentRepository{}
	svc := newService(payments, &MockTransactionRepository{}, &MockGatewayInitiator{})

	payments.On("Get", mock.Anything, int64(99)).Return(nil, repository.ErrPaymentNotFound)

	_, err := svc.InitiatePayment(context.Background(), 99, "s", "")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestInitiatePaymentGatewayDownFailsAttempt(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	gw := &MockGatewayInitiator{}
	svc := newService(payments, transactions, gw)

	payments.On("Get", mock.Anything, int64(1)).Return(pendingPayment(1), nil)
	transactions.On("Create", mock.Anything, mock.Anything).
		Return(&model.Transaction{ID: 10, PaymentID: 1, MerchantRef: "ref"}, nil)
	gw.On("Initiate", mock.Anything, mock.Anything).Return(nil, gateway.ErrGatewayUnavailable)

	// The attempt is closed as FAILED but the payment itself stays open.
	transactions.On("MarkTerminalIfPending", mock.Anything, int64(10), mock.MatchedBy(func(u repository.TerminalUpdate) bool {
		return u.Status == model.TransactionFailed && u.FailureReason != nil
	})).Return(true, nil)

	_, err := svc.InitiatePayment(context.Background(), 1, "s", "")
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	transactions.AssertExpectations(t)
}

func TestInitiatePaymentGatewayRejectionFailsAttempt(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	gw := &MockGatewayInitiator{}
	svc := newService(payments, transactions, gw)

	payments.On("Get", mock.Anything, int64(1)).Return(pendingPayment(1), nil)
	transactions.On("Create", mock.Anything, mock.Anything).
		Return(&model.Transaction{ID: 10, PaymentID: 1, MerchantRef: "ref"}, nil)
	gw.On("Initiate", mock.Anything, mock.Anything).
		Return(&gateway.InitiateResult{Success: false, Error: "merchant disabled"}, nil)
	transactions.On("MarkTerminalIfPending", mock.Anything, int64(10), mock.Anything).Return(true, nil)

	_, err := svc.InitiatePayment(context.Background(), 1, "s", "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestPaymentStatusWithLatestAttempt(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	svc := newService(payments, transactions, &MockGatewayInitiator{})

	payments.On("Get", mock.Anything, int64(1)).Return(pendingPayment(1), nil)
	transactions.On("GetLatestByPayment", mock.Anything, int64(1)).
		Return(&model.Transaction{ID: 10, PaymentID: 1, Status: model.TransactionCompleted}, nil)

	view, err := svc.PaymentStatus(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, view.LatestTransaction)
	assert.Equal(t, model.TransactionCompleted, view.LatestTransaction.Status)
}

func TestPaymentStatusNoAttemptsYet(t *testing.T) {
	payments := &MockPaymentRepository{}
	transactions := &MockTransactionRepository{}
	svc := newService(payments, transactions, &MockGatewayInitiator{})

	payments.On("Get", mock.Anything, int64(1)).Return(pendingPayment(1), nil)
	transactions.On("GetLatestByPayment", mock.Anything, int64(1)).
		Return(nil, repository.ErrTransactionNotFound)

	view, err := svc.PaymentStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, view.LatestTransaction)
	assert.Equal(t, model.PaymentPending, view.Payment.Status)
}
