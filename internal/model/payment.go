package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment is the internal ledger record being settled. Once completed,
// amount, payment method and transaction reference are immutable; all
// status writes go through the reconciliation engine's conditional-update
// path.
type Payment struct {
	ID                   int64           `json:"id"            db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	EnrollmentID         int64           `json:"enrollment_id" db:"enrollment_id"  gorm:"column:enrollment_id;not null;index"`
	OfferID              *int64          `json:"offer_id"      db:"offer_id"       gorm:"column:offer_id;index"` // discount-offer link, nullable
	Amount               decimal.Decimal `json:"amount"        db:"amount"         gorm:"column:amount;type:numeric(12,2);not null"`
	Status               PaymentStatus   `json:"status"        db:"status"         gorm:"column:status;not null;default:pending;index"`
	PaymentMethod        *string         `json:"payment_method"        db:"payment_method"        gorm:"column:payment_method"`
	TransactionReference *string         `json:"transaction_reference" db:"transaction_reference" gorm:"column:transaction_reference"`
	PaymentDate          *time.Time      `json:"payment_date"  db:"payment_date"   gorm:"column:payment_date"`
	CreatedAt            time.Time       `json:"created_at"    db:"created_at"     gorm:"column:created_at"`
	UpdatedAt            time.Time       `json:"updated_at"    db:"updated_at"     gorm:"column:updated_at"`
}

func (Payment) TableName() string { return "payments" }

// IsSettleable reports whether another settlement attempt may be initiated.
func (p *Payment) IsSettleable() bool {
	return p.Status != PaymentCompleted
}

// AmountMinorUnits returns the amount in integer minor units, the form the
// gateway's initiate call expects.
func (p *Payment) AmountMinorUnits() int64 {
	return p.Amount.Shift(2).IntPart()
}

// PaymentStatusView is the caller-facing snapshot: the payment plus the
// latest settlement attempt, if any.
type PaymentStatusView struct {
	Payment           *Payment     `json:"payment"`
	LatestTransaction *Transaction `json:"latest_transaction,omitempty"`
}
