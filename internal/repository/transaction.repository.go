package repository

import (
	"context"
	"errors"
	"time"

	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrTransactionNotFound is returned when no transaction matches.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TerminalUpdate carries the data written when a transaction leaves
// PENDING. GatewayTransactionID and PaymentMode may be empty on FAILED.
type TerminalUpdate struct {
	Status               model.TransactionStatus
	GatewayTransactionID *string
	PaymentMode          *string
	RawPayload           []byte
	FailureReason        *string
	When                 time.Time
}

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByMerchantRef(ctx context.Context, merchantRef string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("merchant_ref = ?", merchantRef).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// GetLatestByPayment returns the most recent attempt for a payment. The
// callback path carries no merchant ref, so it resolves through here.
func (r *TransactionRepository) GetLatestByPayment(ctx context.Context, paymentID int64) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("id DESC").
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Transaction, error) {
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("id DESC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

// MarkTerminalIfPending applies a terminal transition with a single
// conditional UPDATE scoped to status = 'PENDING'. It reports false with a
// nil error when zero rows were affected: another caller already
// transitioned the row, and the caller must re-read and re-evaluate.
func (r *TransactionRepository) MarkTerminalIfPending(ctx context.Context, id int64, u TerminalUpdate) (bool, error) {
	updates := map[string]interface{}{
		"status": string(u.Status),
	}
	if u.GatewayTransactionID != nil {
		updates["gateway_transaction_id"] = *u.GatewayTransactionID
	}
	if u.PaymentMode != nil {
		updates["payment_mode"] = *u.PaymentMode
	}
	if u.RawPayload != nil {
		updates["raw_payload"] = u.RawPayload
	}
	if u.FailureReason != nil {
		updates["failure_reason"] = *u.FailureReason
	}
	if u.Status == model.TransactionCompleted {
		updates["completed_at"] = u.When
	}

	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND status = ?", id, string(model.TransactionPending)).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindStalePending lists PENDING transactions created before the cutoff,
// oldest first. The reconciler sweep feeds these back through check_status.
func (r *TransactionRepository) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND created_at < ?", string(model.TransactionPending), olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}
