package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/converteja/creditledger/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	postgresDialect       = "postgres"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectRequest     = "refund_request"
	errorSubjectRecovery    = "recovery"
	errorSubjectEvent       = "payment_event"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. Production Postgres schemas are managed
// externally; this serves sqlite deployments and tests.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditBalance{},
		&CreditTransaction{},
		&RefundRequest{},
		&RefundRecovery{},
		&PaymentEvent{},
		&User{},
		&ConversionJob{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (credits.Balance, bool, error) {
	var model CreditBalance
	query := store.db.WithContext(ctx)
	// sqlite serializes writers on its own; postgres needs the row lock so
	// concurrent charges on one account cannot both pass the balance check.
	if store.db.Dialector.Name() == postgresDialect {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Balance{}, false, nil
	}
	if err != nil {
		return credits.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return credits.Balance{
		AccountID:      model.AccountID,
		Balance:        model.Balance,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, true, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance credits.Balance) error {
	model := CreditBalance{
		AccountID: balance.AccountID,
		Balance:   balance.Balance,
		CreatedAt: unixTime(balance.CreatedUnixUTC),
		UpdatedAt: unixTime(balance.UpdatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID string, balance int64, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance":    balance,
			"updated_at": unixTime(atUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	metadata, err := marshalMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	model := CreditTransaction{
		TransactionID: transaction.TransactionID,
		AccountID:     transaction.AccountID,
		Amount:        transaction.Amount,
		Type:          transaction.Type.String(),
		Description:   transaction.Description,
		JobID:         optionalString(transaction.JobID),
		Metadata:      metadata,
		Refunded:      transaction.Refunded,
		CreatedAt:     unixTime(transaction.CreatedUnixUTC),
	}
	if transaction.RefundedUnixUTC != 0 {
		refundedAt := unixTime(transaction.RefundedUnixUTC)
		model.RefundedAt = &refundedAt
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (credits.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrNoChargeFound)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) FindChargeByJobID(ctx context.Context, jobID string) (credits.Transaction, bool, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("job_id = ? AND type = ? AND amount < 0 AND refunded = ?", jobID, credits.TransactionConversion.String(), false).
		Order("created_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, mapErr := mapTransaction(model)
	if mapErr != nil {
		return credits.Transaction{}, false, mapErr
	}
	return transaction, true, nil
}

func (store *Store) MarkTransactionRefunded(ctx context.Context, transactionID string, atUnixUTC int64) error {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, credits.ErrNoChargeFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	metadata, err := unmarshalMetadata(model.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	stamped, err := marshalMetadata(metadata.WithRefunded(atUnixUTC))
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	refundedAt := unixTime(atUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]interface{}{
			"refunded":    true,
			"refunded_at": &refundedAt,
			"metadata":    stamped,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, mapErr := mapTransaction(row)
		if mapErr != nil {
			return nil, mapErr
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) CreateRefundRequest(ctx context.Context, request credits.RefundRequest) error {
	model := RefundRequest{
		RequestID:     request.RequestID,
		AccountID:     request.AccountID,
		JobID:         optionalString(request.JobID),
		TransactionID: optionalString(request.TransactionID),
		Amount:        request.Amount,
		Reason:        request.Reason,
		FailureStage:  optionalString(request.FailureStage.String()),
		Status:        request.Status.String(),
		AutoRefund:    request.AutoRefund,
		ProcessedBy:   optionalString(request.ProcessedBy),
		AdminNotes:    optionalString(request.AdminNotes),
		CreatedAt:     unixTime(request.CreatedUnixUTC),
	}
	if request.ProcessedUnixUTC != 0 {
		processedAt := unixTime(request.ProcessedUnixUTC)
		model.ProcessedAt = &processedAt
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetRefundRequest(ctx context.Context, requestID string) (credits.RefundRequest, error) {
	var model RefundRequest
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == postgresDialect {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("request_id = ?", requestID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.RefundRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, credits.ErrRequestNotFound)
	}
	if err != nil {
		return credits.RefundRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, err)
	}
	return mapRefundRequest(model)
}

func (store *Store) UpdateRefundRequestStatus(ctx context.Context, requestID string, from credits.RefundStatus, to credits.RefundStatus, processedBy string, processedAtUnixUTC int64, notes string) error {
	processedAt := unixTime(processedAtUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&RefundRequest{}).
		Where("request_id = ? AND status = ?", requestID, from.String()).
		Updates(map[string]interface{}{
			"status":       to.String(),
			"processed_at": &processedAt,
			"processed_by": optionalString(processedBy),
			"admin_notes":  optionalString(notes),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdateStatus, credits.ErrRequestNotPending)
	}
	return nil
}

func (store *Store) FindOutstandingRefundRequest(ctx context.Context, jobID string) (credits.RefundRequest, bool, error) {
	var model RefundRequest
	err := store.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID, []string{
			credits.RefundStatusPending.String(),
			credits.RefundStatusAutoApproved.String(),
		}).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.RefundRequest{}, false, nil
	}
	if err != nil {
		return credits.RefundRequest{}, false, wrapStoreError(errorSubjectRequest, errorCodeLookup, err)
	}
	request, mapErr := mapRefundRequest(model)
	if mapErr != nil {
		return credits.RefundRequest{}, false, mapErr
	}
	return request, true, nil
}

func (store *Store) ListRefundRequests(ctx context.Context, filter credits.RefundRequestFilter, limit int, offset int) ([]credits.RefundRequest, error) {
	query := store.db.WithContext(ctx).Model(&RefundRequest{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	order := "created_at DESC"
	if filter.OldestFirst {
		order = "created_at ASC"
	}
	var rows []RefundRequest
	err := query.Order(order).Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	requests := make([]credits.RefundRequest, 0, len(rows))
	for _, row := range rows {
		request, mapErr := mapRefundRequest(row)
		if mapErr != nil {
			return nil, mapErr
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (store *Store) CreateRecovery(ctx context.Context, recovery credits.RefundRecovery) error {
	model := RefundRecovery{
		RecoveryID:      recovery.RecoveryID,
		AccountID:       recovery.AccountID,
		ExternalEventID: recovery.ExternalEventID,
		CreditsOwed:     recovery.CreditsOwed,
		OriginalAmount:  recovery.OriginalAmount,
		Notes:           recovery.Notes,
		CreatedAt:       unixTime(recovery.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRecovery, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CreatePaymentEvent(ctx context.Context, event credits.PaymentEvent) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	model := PaymentEvent{
		EventID:         event.EventID,
		ExternalEventID: event.ExternalEventID,
		EventType:       event.EventType,
		Status:          event.Status,
		AccountID:       event.AccountID,
		Credits:         event.Credits,
		AmountPaid:      event.AmountPaid,
		Metadata:        metadata,
		CreatedAt:       unixTime(event.CreatedUnixUTC),
	}
	createErr := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(createErr) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, credits.ErrDuplicatePaymentEvent)
	}
	if createErr != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, createErr)
	}
	return nil
}

func (store *Store) HasPaymentEvent(ctx context.Context, externalEventID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PaymentEvent{}).
		Where("external_event_id = ?", externalEventID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(model CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(model.Type)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	metadata, err := unmarshalMetadata(model.Metadata)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return credits.Transaction{
		TransactionID:   model.TransactionID,
		AccountID:       model.AccountID,
		Amount:          model.Amount,
		Type:            transactionType,
		Description:     model.Description,
		JobID:           stringOrEmpty(model.JobID),
		Metadata:        metadata,
		Refunded:        model.Refunded,
		RefundedUnixUTC: timeOrZero(model.RefundedAt),
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}

func mapRefundRequest(model RefundRequest) (credits.RefundRequest, error) {
	status, err := credits.ParseRefundStatus(model.Status)
	if err != nil {
		return credits.RefundRequest{}, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
	}
	failureStage, err := credits.ParseFailureStage(stringOrEmpty(model.FailureStage))
	if err != nil {
		return credits.RefundRequest{}, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
	}
	return credits.RefundRequest{
		RequestID:        model.RequestID,
		AccountID:        model.AccountID,
		JobID:            stringOrEmpty(model.JobID),
		TransactionID:    stringOrEmpty(model.TransactionID),
		Amount:           model.Amount,
		Reason:           model.Reason,
		FailureStage:     failureStage,
		Status:           status,
		AutoRefund:       model.AutoRefund,
		ProcessedUnixUTC: timeOrZero(model.ProcessedAt),
		ProcessedBy:      stringOrEmpty(model.ProcessedBy),
		AdminNotes:       stringOrEmpty(model.AdminNotes),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func marshalMetadata(metadata credits.Metadata) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalMetadata(raw datatypes.JSON) (credits.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata credits.Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}

func unixTime(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
