package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	gateway "github.com/edupay/payment-gateway/internal/gateways"
	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/queue"
)

type mockScanner struct {
	mock.Mock
}

func (m *mockScanner) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func sweeperQueueConfig(name string) queue.QueueConfig {
	return queue.QueueConfig{
		Name:          name,
		ConsumerGroup: "reconciler",
		ConsumerName:  "test-consumer",
		PollInterval:  50 * time.Millisecond,
		BatchSize:     10,
	}
}

func TestSweepOnceEnqueuesStaleTransactions(t *testing.T) {
	mr, adapter := setupGuardRedis(t)
	defer mr.Close()

	f := setupEngine(t)
	scanner := &mockScanner{}
	scanner.On("FindStalePending", mock.Anything, mock.Anything, 100).Return([]*model.Transaction{
		{ID: 1, PaymentID: 10, MerchantRef: "MREF-A", Status: model.TransactionPending},
		{ID: 2, PaymentID: 11, MerchantRef: "MREF-B", Status: model.TransactionPending},
	}, nil)

	guard := NewRecheckGuard(adapter, DefaultGuardConfig())
	sweeper, err := NewSweeper(f.engine, scanner, guard, adapter, SweeperConfig{
		Queue: sweeperQueueConfig("test:recheck"),
	})
	require.NoError(t, err)

	require.NoError(t, sweeper.SweepOnce(context.Background()))

	stats, err := sweeper.producer.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Equal(t, int64(2), f.engine.Metrics().Snapshot().SweptJobs)
}

func TestSweepOnceSkipsCoolingDown(t *testing.T) {
	mr, adapter := setupGuardRedis(t)
	defer mr.Close()

	f := setupEngine(t)
	scanner := &mockScanner{}
	scanner.On("FindStalePending", mock.Anything, mock.Anything, 100).Return([]*model.Transaction{
		{ID: 1, PaymentID: 10, MerchantRef: "MREF-A", Status: model.TransactionPending},
		{ID: 2, PaymentID: 11, MerchantRef: "MREF-B", Status: model.TransactionPending},
	}, nil)

	guard := NewRecheckGuard(adapter, DefaultGuardConfig())
	guard.MarkCoolingDown("MREF-A")

	sweeper, err := NewSweeper(f.engine, scanner, guard, adapter, SweeperConfig{
		Queue: sweeperQueueConfig("test:recheck"),
	})
	require.NoError(t, err)

	require.NoError(t, sweeper.SweepOnce(context.Background()))

	stats, err := sweeper.producer.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)
}

func TestProcessRecheckResolvesStaleTransaction(t *testing.T) {
	mr, adapter := setupGuardRedis(t)
	defer mr.Close()

	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	f.gw.On("CheckStatus", mock.Anything, "MREF-1").Return(&gateway.StatusResult{
		Success:              true,
		Status:               gateway.StatusCompleted,
		PaymentMode:          "UPI",
		GatewayTransactionID: "GTX-1",
	}, nil)

	guard := NewRecheckGuard(adapter, DefaultGuardConfig())
	scanner := &mockScanner{}
	sweeper, err := NewSweeper(f.engine, scanner, guard, adapter, SweeperConfig{
		Queue: sweeperQueueConfig("test:recheck"),
	})
	require.NoError(t, err)

	data, err := json.Marshal(RecheckJob{MerchantRef: "MREF-1", PaymentID: payment.ID})
	require.NoError(t, err)

	err = sweeper.processRecheck(ctx, &queue.Message{ID: "1-0", Data: data})
	require.NoError(t, err)

	got, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, got.Status)
}

func TestProcessRecheckStillPendingSetsCooldown(t *testing.T) {
	mr, adapter := setupGuardRedis(t)
	defer mr.Close()

	f := setupEngine(t)
	ctx := context.Background()

	payment := f.seedPayment(t, model.PaymentPending)
	f.seedAttempt(t, payment.ID, "MREF-1")

	f.gw.On("CheckStatus", mock.Anything, "MREF-1").Return(&gateway.StatusResult{
		Success: true,
		Status:  gateway.StatusPending,
	}, nil)

	guard := NewRecheckGuard(adapter, DefaultGuardConfig())
	scanner := &mockScanner{}
	sweeper, err := NewSweeper(f.engine, scanner, guard, adapter, SweeperConfig{
		Queue: sweeperQueueConfig("test:recheck"),
	})
	require.NoError(t, err)

	data, err := json.Marshal(RecheckJob{MerchantRef: "MREF-1", PaymentID: payment.ID})
	require.NoError(t, err)

	require.NoError(t, sweeper.processRecheck(ctx, &queue.Message{ID: "1-0", Data: data}))
	assert.True(t, guard.IsCoolingDown("MREF-1"))

	txn, err := f.transactions.GetByMerchantRef(ctx, "MREF-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, txn.Status)
}

func TestProcessRecheckDropsMalformedJob(t *testing.T) {
	mr, adapter := setupGuardRedis(t)
	defer mr.Close()

	f := setupEngine(t)
	guard := NewRecheckGuard(adapter, DefaultGuardConfig())
	sweeper, err := NewSweeper(f.engine, &mockScanner{}, guard, adapter, SweeperConfig{
		Queue: sweeperQueueConfig("test:recheck"),
	})
	require.NoError(t, err)

	// Malformed payloads are acked, not retried forever.
	err = sweeper.processRecheck(context.Background(), &queue.Message{ID: "1-0", Data: []byte("not json")})
	assert.NoError(t, err)
}

func TestProcessRecheckSkipsWhenLockHeld(t *testing.T) {
	mr, adapter := setupGuardRedis(t)
	defer mr.Close()

	f := setupEngine(t)
	guard := NewRecheckGuard(adapter, DefaultGuardConfig())
	require.NoError(t, guard.Acquire("MREF-1"))

	sweeper, err := NewSweeper(f.engine, &mockScanner{}, guard, adapter, SweeperConfig{
		Queue: sweeperQueueConfig("test:recheck"),
	})
	require.NoError(t, err)

	data, err := json.Marshal(RecheckJob{MerchantRef: "MREF-1", PaymentID: 1})
	require.NoError(t, err)

	// Another consumer owns the ref; this one acks and moves on without
	// touching the gateway.
	require.NoError(t, sweeper.processRecheck(context.Background(), &queue.Message{ID: "1-0", Data: data}))
	f.gw.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything)
}
