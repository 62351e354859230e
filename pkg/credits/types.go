package credits

import (
	"context"
	"fmt"
	"strings"
)

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionBonus      TransactionType = "BONUS"
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionRefund     TransactionType = "REFUND"
	TransactionConversion TransactionType = "CONVERSION"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionBonus, TransactionPurchase, TransactionRefund, TransactionConversion:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// CreditAllowed reports whether the type may be used for a credit operation.
func (transactionType TransactionType) CreditAllowed() bool {
	switch transactionType {
	case TransactionPurchase, TransactionRefund, TransactionBonus:
		return true
	}
	return false
}

// RefundStatus defines the refund request lifecycle.
type RefundStatus string

const (
	RefundStatusPending      RefundStatus = "PENDING"
	RefundStatusAutoApproved RefundStatus = "AUTO_APPROVED"
	RefundStatusApproved     RefundStatus = "APPROVED"
	RefundStatusRejected     RefundStatus = "REJECTED"
)

// ParseRefundStatus validates a raw refund status.
func ParseRefundStatus(raw string) (RefundStatus, error) {
	switch RefundStatus(raw) {
	case RefundStatusPending, RefundStatusAutoApproved, RefundStatusApproved, RefundStatusRejected:
		return RefundStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRefundStatus, raw)
}

// String returns the stored representation.
func (status RefundStatus) String() string {
	return string(status)
}

// Outstanding reports whether the status still blocks a new request for the
// same job (PENDING awaits an admin, AUTO_APPROVED already paid out).
func (status RefundStatus) Outstanding() bool {
	return status == RefundStatusPending || status == RefundStatusAutoApproved
}

// FailureStage classifies where a conversion job failed.
type FailureStage string

const (
	FailureStageUnknown       FailureStage = ""
	FailureStagePreProcess    FailureStage = "PRE_PROCESS"
	FailureStageDuringProcess FailureStage = "DURING_PROCESS"
	FailureStagePostProcess   FailureStage = "POST_PROCESS"
)

// ParseFailureStage validates a raw failure stage. Empty input is allowed:
// amount-only refund requests carry no stage.
func ParseFailureStage(raw string) (FailureStage, error) {
	switch FailureStage(raw) {
	case FailureStageUnknown, FailureStagePreProcess, FailureStageDuringProcess, FailureStagePostProcess:
		return FailureStage(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFailureStage, raw)
}

// String returns the stored representation.
func (stage FailureStage) String() string {
	return string(stage)
}

// Metadata is the opaque key/value bag attached to transactions and events.
type Metadata map[string]any

// JobID returns the job identifier convention key, if present.
func (metadata Metadata) JobID() string {
	if metadata == nil {
		return ""
	}
	value, _ := metadata[metadataKeyJobID].(string)
	return value
}

// WithRefunded returns a copy stamped as refunded. The original map is left
// untouched so callers holding it never observe the mutation.
func (metadata Metadata) WithRefunded(atUnixUTC int64) Metadata {
	stamped := make(Metadata, len(metadata)+2)
	for key, value := range metadata {
		stamped[key] = value
	}
	stamped[metadataKeyRefunded] = true
	stamped[metadataKeyRefundedAt] = atUnixUTC
	return stamped
}

// NewAccountID validates and normalizes an account identifier.
func NewAccountID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return trimmed, nil
}

// Balance is the single per-account balance row.
type Balance struct {
	AccountID      string
	Balance        int64
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Transaction is one immutable line in the credits ledger. Amount is signed:
// negative for charges, positive for credits. Refunded/RefundedUnixUTC is the
// one allowed after-the-fact stamp and never alters the amount.
type Transaction struct {
	TransactionID   string
	AccountID       string
	Amount          int64
	Type            TransactionType
	Description     string
	JobID           string
	Metadata        Metadata
	Refunded        bool
	RefundedUnixUTC int64
	CreatedUnixUTC  int64
}

// RefundRequest tracks a pending or resolved request to reverse a charge.
type RefundRequest struct {
	RequestID        string
	AccountID        string
	JobID            string
	TransactionID    string
	Amount           int64
	Reason           string
	FailureStage     FailureStage
	Status           RefundStatus
	AutoRefund       bool
	ProcessedUnixUTC int64
	ProcessedBy      string
	AdminNotes       string
	CreatedUnixUTC   int64
}

// RefundRecovery records the shortfall left when an external clawback could
// not be fully covered by the account balance.
type RefundRecovery struct {
	RecoveryID      string
	AccountID       string
	ExternalEventID string
	CreditsOwed     int64
	OriginalAmount  int64
	Notes           string
	CreatedUnixUTC  int64
}

// PaymentEvent is the idempotency record for payment-processor deliveries.
type PaymentEvent struct {
	EventID         string
	ExternalEventID string
	EventType       string
	Status          string
	AccountID       string
	Credits         int64
	AmountPaid      int64
	Metadata        Metadata
	CreatedUnixUTC  int64
}

// Job is the read-only view of a conversion job provided by the upstream
// job system.
type Job struct {
	JobID          string
	Status         string
	CreatedUnixUTC int64
}

// Failed reports whether the job ended in a refundable failure state.
func (job Job) Failed() bool {
	switch strings.ToLower(job.Status) {
	case "failed", "error":
		return true
	}
	return false
}

// RefundRequestFilter narrows refund request listings. Listings are newest
// first unless OldestFirst is set (admin review queues drain in FIFO order).
type RefundRequestFilter struct {
	Status      RefundStatus
	AccountID   string
	OldestFirst bool
}

// AccountDirectory resolves whether a billable account exists upstream.
// Accounts are never auto-created by the ledger.
type AccountDirectory interface {
	AccountExists(ctx context.Context, accountID string) (bool, error)
}

// JobDirectory looks up conversion jobs. A nil job means not found.
type JobDirectory interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
}

// Store is the persistence contract used by Service. All balance mutation
// happens through it and only inside WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, accountID string) (Balance, bool, error)
	CreateBalance(ctx context.Context, balance Balance) error
	UpdateBalance(ctx context.Context, accountID string, balance int64, atUnixUTC int64) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	FindChargeByJobID(ctx context.Context, jobID string) (Transaction, bool, error)
	MarkTransactionRefunded(ctx context.Context, transactionID string, atUnixUTC int64) error
	ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]Transaction, error)
	CreateRefundRequest(ctx context.Context, request RefundRequest) error
	GetRefundRequest(ctx context.Context, requestID string) (RefundRequest, error)
	UpdateRefundRequestStatus(ctx context.Context, requestID string, from RefundStatus, to RefundStatus, processedBy string, processedAtUnixUTC int64, notes string) error
	FindOutstandingRefundRequest(ctx context.Context, jobID string) (RefundRequest, bool, error)
	ListRefundRequests(ctx context.Context, filter RefundRequestFilter, limit int, offset int) ([]RefundRequest, error)
	CreateRecovery(ctx context.Context, recovery RefundRecovery) error
	CreatePaymentEvent(ctx context.Context, event PaymentEvent) error
	HasPaymentEvent(ctx context.Context, externalEventID string) (bool, error)
}
