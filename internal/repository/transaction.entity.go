package repository

import (
	"time"

	"github.com/edupay/payment-gateway/internal/model"
)

type TransactionEntity struct {
	ID                   int64      `db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	PaymentID            int64      `db:"payment_id"    gorm:"column:payment_id;not null;index"`
	MerchantRef          string     `db:"merchant_ref"  gorm:"column:merchant_ref;not null;uniqueIndex"`
	GatewayTransactionID *string    `db:"gateway_transaction_id" gorm:"column:gateway_transaction_id"`
	Status               string     `db:"status"        gorm:"column:status;not null;default:PENDING;index"`
	PaymentMode          *string    `db:"payment_mode"  gorm:"column:payment_mode"`
	RawPayload           []byte     `db:"raw_payload"   gorm:"column:raw_payload"`
	FailureReason        *string    `db:"failure_reason" gorm:"column:failure_reason"`
	CompletedAt          *time.Time `db:"completed_at"  gorm:"column:completed_at"`
	CreatedAt            time.Time  `db:"created_at"    gorm:"column:created_at"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:                   m.ID,
		PaymentID:            m.PaymentID,
		MerchantRef:          m.MerchantRef,
		GatewayTransactionID: m.GatewayTransactionID,
		Status:               string(m.Status),
		PaymentMode:          m.PaymentMode,
		RawPayload:           m.RawPayload,
		FailureReason:        m.FailureReason,
		CompletedAt:          m.CompletedAt,
		CreatedAt:            m.CreatedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:                   e.ID,
		PaymentID:            e.PaymentID,
		MerchantRef:          e.MerchantRef,
		GatewayTransactionID: e.GatewayTransactionID,
		Status:               model.TransactionStatus(e.Status),
		PaymentMode:          e.PaymentMode,
		RawPayload:           e.RawPayload,
		FailureReason:        e.FailureReason,
		CompletedAt:          e.CompletedAt,
		CreatedAt:            e.CreatedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
