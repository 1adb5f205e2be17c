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
	// ErrPaymentNotFound is returned when a payment does not exist.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrAlreadySettled is returned when a settlement write targets a
	// payment that is no longer pending.
	ErrAlreadySettled = errors.New("payment already settled")
)

type PaymentRepository struct {
	*pg.DB
}

func NewPaymentRepository(db *pg.DB) *PaymentRepository {
	return &PaymentRepository{
		db,
	}
}

func (r *PaymentRepository) Create(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	entity := toPaymentEntity(p)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toPaymentModel(entity), nil
}

func (r *PaymentRepository) Get(ctx context.Context, id int64) (*model.Payment, error) {
	var entity PaymentEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return toPaymentModel(&entity), nil
}

// MarkCompleted settles the payment: a single conditional UPDATE scoped to
// status = 'pending' so the settlement happens exactly once per payment no
// matter how many signal paths race. Zero rows affected means another
// writer settled first (or the payment was cancelled); the caller decides
// whether that is an error.
func (r *PaymentRepository) MarkCompleted(ctx context.Context, id int64, method string, reference string, when time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&PaymentEntity{}).
		Where("id = ? AND status = ?", id, string(model.PaymentPending)).
		Updates(map[string]interface{}{
			"status":                string(model.PaymentCompleted),
			"payment_method":        method,
			"transaction_reference": reference,
			"payment_date":          when,
			"updated_at":            when,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadySettled
	}
	return nil
}
