package repository

import (
	"time"

	"github.com/edupay/payment-gateway/internal/model"
	"github.com/shopspring/decimal"
)

type PaymentEntity struct {
	ID                   int64           `db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	EnrollmentID         int64           `db:"enrollment_id"  gorm:"column:enrollment_id;not null;index"`
	OfferID              *int64          `db:"offer_id"       gorm:"column:offer_id;index"`
	Amount               decimal.Decimal `db:"amount"         gorm:"column:amount;type:numeric(12,2);not null"`
	Status               string          `db:"status"         gorm:"column:status;not null;default:pending;index"`
	PaymentMethod        *string         `db:"payment_method" gorm:"column:payment_method"`
	TransactionReference *string         `db:"transaction_reference" gorm:"column:transaction_reference"`
	PaymentDate          *time.Time      `db:"payment_date"   gorm:"column:payment_date"`
	CreatedAt            time.Time       `db:"created_at"     gorm:"column:created_at"`
	UpdatedAt            time.Time       `db:"updated_at"     gorm:"column:updated_at"`
}

func (PaymentEntity) TableName() string {
	return "payments"
}

func toPaymentEntity(m *model.Payment) *PaymentEntity {
	if m == nil {
		return nil
	}
	return &PaymentEntity{
		ID:                   m.ID,
		EnrollmentID:         m.EnrollmentID,
		OfferID:              m.OfferID,
		Amount:               m.Amount,
		Status:               string(m.Status),
		PaymentMethod:        m.PaymentMethod,
		TransactionReference: m.TransactionReference,
		PaymentDate:          m.PaymentDate,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func toPaymentModel(e *PaymentEntity) *model.Payment {
	if e == nil {
		return nil
	}
	return &model.Payment{
		ID:                   e.ID,
		EnrollmentID:         e.EnrollmentID,
		OfferID:              e.OfferID,
		Amount:               e.Amount,
		Status:               model.PaymentStatus(e.Status),
		PaymentMethod:        e.PaymentMethod,
		TransactionReference: e.TransactionReference,
		PaymentDate:          e.PaymentDate,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}
