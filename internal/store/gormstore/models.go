package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table: one row per account.
type CreditBalance struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the credit_transactions table. Amount is signed.
// JobID denormalizes the job reference out of the metadata bag so charge
// lookups are indexed instead of scanning.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_credit_tx_account_created,priority:1"`
	Amount        int64          `gorm:"not null"`
	Type          string         `gorm:"not null"`
	Description   string         `gorm:"not null"`
	JobID         *string        `gorm:"index:idx_credit_tx_job"`
	Metadata      datatypes.JSON `gorm:"not null"`
	Refunded      bool           `gorm:"not null;default:false"`
	RefundedAt    *time.Time     `gorm:""`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_tx_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// RefundRequest mirrors the refund_requests table.
type RefundRequest struct {
	RequestID     string     `gorm:"type:uuid;primaryKey"`
	AccountID     string     `gorm:"not null;index"`
	JobID         *string    `gorm:"index:idx_refund_requests_job"`
	TransactionID *string    `gorm:""`
	Amount        int64      `gorm:"not null"`
	Reason        string     `gorm:"not null"`
	FailureStage  *string    `gorm:""`
	Status        string     `gorm:"not null;index"`
	AutoRefund    bool       `gorm:"not null;default:false"`
	ProcessedAt   *time.Time `gorm:""`
	ProcessedBy   *string    `gorm:""`
	AdminNotes    *string    `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (RefundRequest) TableName() string { return "refund_requests" }

func (request *RefundRequest) BeforeCreate(tx *gorm.DB) error {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	return nil
}

// RefundRecovery mirrors the refund_recoveries table.
type RefundRecovery struct {
	RecoveryID      string    `gorm:"type:uuid;primaryKey"`
	AccountID       string    `gorm:"not null;index"`
	ExternalEventID string    `gorm:"not null"`
	CreditsOwed     int64     `gorm:"not null"`
	OriginalAmount  int64     `gorm:"not null"`
	Notes           string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (RefundRecovery) TableName() string { return "refund_recoveries" }

func (recovery *RefundRecovery) BeforeCreate(tx *gorm.DB) error {
	if recovery.RecoveryID == "" {
		recovery.RecoveryID = uuid.NewString()
	}
	return nil
}

// PaymentEvent mirrors the payment_events table. The unique external event id
// is what makes webhook processing idempotent.
type PaymentEvent struct {
	EventID         string         `gorm:"type:uuid;primaryKey"`
	ExternalEventID string         `gorm:"not null;index:uniq_payment_events_external,unique"`
	EventType       string         `gorm:"not null"`
	Status          string         `gorm:"not null"`
	AccountID       string         `gorm:"index"`
	Credits         int64          `gorm:"not null"`
	AmountPaid      int64          `gorm:"not null"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

func (event *PaymentEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// User is the read-only slice of the upstream users table consumed by the
// account directory.
type User struct {
	UserID    string    `gorm:"primaryKey;column:id"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// ConversionJob is the read-only slice of the upstream jobs table consumed by
// the job directory.
type ConversionJob struct {
	JobID     string    `gorm:"primaryKey;column:id"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ConversionJob) TableName() string { return "jobs" }
