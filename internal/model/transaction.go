package model

import (
	"time"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// IsTerminal reports whether the status is final. Terminal states only
// ever accept an idempotent replay of the same value.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// Transaction is one settlement attempt against a Payment via the external
// gateway. MerchantRef is the client-generated idempotency key echoed back
// on every signal path; GatewayTransactionID is assigned by the provider.
// At most one Transaction per Payment ever reaches COMPLETED.
type Transaction struct {
	ID                   int64             `json:"id"          db:"id"           gorm:"primaryKey;autoIncrement;column:id"`
	PaymentID            int64             `json:"payment_id"  db:"payment_id"   gorm:"column:payment_id;not null;index"`
	Payment              *Payment          `json:"-"                              gorm:"foreignKey:PaymentID;references:ID;constraint:OnDelete:CASCADE"`
	MerchantRef          string            `json:"merchant_ref" db:"merchant_ref" gorm:"column:merchant_ref;not null;uniqueIndex"`
	GatewayTransactionID *string           `json:"gateway_transaction_id" db:"gateway_transaction_id" gorm:"column:gateway_transaction_id"`
	Status               TransactionStatus `json:"status"      db:"status"       gorm:"column:status;not null;default:PENDING;index"`
	PaymentMode          *string           `json:"payment_mode" db:"payment_mode" gorm:"column:payment_mode"`
	RawPayload           []byte            `json:"-"           db:"raw_payload"  gorm:"column:raw_payload"` // opaque gateway envelope
	FailureReason        *string           `json:"failure_reason,omitempty" db:"failure_reason" gorm:"column:failure_reason"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"   db:"completed_at"   gorm:"column:completed_at"`
	CreatedAt            time.Time         `json:"created_at"  db:"created_at"   gorm:"column:created_at"`
}

func (Transaction) TableName() string { return "transactions" }
