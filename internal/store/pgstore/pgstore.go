package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/converteja/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectRequest     = "refund_request"
	errorSubjectRecovery    = "recovery"
	errorSubjectEvent       = "payment_event"
	errorSubjectTx          = "tx"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlSelectBalance = `
		select account_id, balance, extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from credit_balances
		where account_id = $1
		for update
	`

	sqlInsertBalance = `
		insert into credit_balances(account_id, balance, created_at, updated_at)
		values ($1, $2, to_timestamp($3), to_timestamp($4))
	`

	sqlUpdateBalance = `
		update credit_balances
		set balance = $2, updated_at = to_timestamp($3)
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, amount, type, description, job_id, metadata, refunded, refunded_at, created_at
		)
		values (
			$1, $2, $3, $4, $5,
			nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			$8,
			to_timestamp(nullif($9,0)),
			to_timestamp($10)
		)
	`

	sqlSelectTransaction = `
		select transaction_id, account_id, amount, type, description,
			coalesce(job_id,''), coalesce(metadata::text,'{}'), refunded,
			coalesce(extract(epoch from refunded_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_transactions
	`

	sqlGetTransaction = sqlSelectTransaction + `
		where transaction_id = $1
	`

	sqlFindChargeByJob = sqlSelectTransaction + `
		where job_id = $1 and type = 'CONVERSION' and amount < 0 and not refunded
		order by created_at desc
		limit 1
	`

	sqlMarkTransactionRefunded = `
		update credit_transactions
		set refunded = true,
			refunded_at = to_timestamp($2),
			metadata = metadata || jsonb_build_object('refunded', true, 'refundedAt', $2::bigint)
		where transaction_id = $1
	`

	sqlListTransactions = sqlSelectTransaction + `
		where account_id = $1
		order by created_at desc
		limit $2 offset $3
	`

	sqlInsertRefundRequest = `
		insert into refund_requests(
			request_id, account_id, job_id, transaction_id, amount, reason, failure_stage,
			status, auto_refund, processed_at, processed_by, admin_notes, created_at
		)
		values (
			$1, $2, nullif($3,''), nullif($4,''), $5, $6, nullif($7,''),
			$8, $9, to_timestamp(nullif($10,0)), nullif($11,''), nullif($12,''), to_timestamp($13)
		)
	`

	sqlSelectRefundRequest = `
		select request_id, account_id, coalesce(job_id,''), coalesce(transaction_id,''),
			amount, reason, coalesce(failure_stage,''), status, auto_refund,
			coalesce(extract(epoch from processed_at)::bigint,0),
			coalesce(processed_by,''), coalesce(admin_notes,''),
			extract(epoch from created_at)::bigint
		from refund_requests
	`

	sqlGetRefundRequest = sqlSelectRefundRequest + `
		where request_id = $1
		for update
	`

	sqlUpdateRefundRequestStatus = `
		update refund_requests
		set status = $3, processed_at = to_timestamp($4), processed_by = nullif($5,''), admin_notes = nullif($6,'')
		where request_id = $1 and status = $2
	`

	sqlFindOutstandingRequest = sqlSelectRefundRequest + `
		where job_id = $1 and status in ('PENDING','AUTO_APPROVED')
		limit 1
	`

	sqlInsertRecovery = `
		insert into refund_recoveries(recovery_id, account_id, external_event_id, credits_owed, original_amount, notes, created_at)
		values ($1, $2, $3, $4, $5, $6, to_timestamp($7))
	`

	sqlInsertPaymentEvent = `
		insert into payment_events(event_id, external_event_id, event_type, status, account_id, credits, amount_paid, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, to_timestamp($9))
	`

	sqlHasPaymentEvent = `
		select exists(select 1 from payment_events where external_event_id = $1)
	`
)

// querier abstracts pgxpool.Pool and pgx.Tx so the same statements serve
// autocommit and transactional paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx begins a transaction, or reenters the current one.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	txStore := &Store{q: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (credits.Balance, bool, error) {
	var balance credits.Balance
	err := store.q.QueryRow(ctx, sqlSelectBalance, accountID).Scan(
		&balance.AccountID,
		&balance.Balance,
		&balance.CreatedUnixUTC,
		&balance.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{}, false, nil
	}
	if err != nil {
		return credits.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return balance, true, nil
}

func (store *Store) CreateBalance(ctx context.Context, balance credits.Balance) error {
	_, err := store.q.Exec(ctx, sqlInsertBalance, balance.AccountID, balance.Balance, balance.CreatedUnixUTC, balance.UpdatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID string, balance int64, atUnixUTC int64) error {
	tag, err := store.q.Exec(ctx, sqlUpdateBalance, accountID, balance, atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, pgx.ErrNoRows)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	metadata, err := marshalMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	_, err = store.q.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.AccountID,
		transaction.Amount,
		transaction.Type.String(),
		transaction.Description,
		transaction.JobID,
		metadata,
		transaction.Refunded,
		transaction.RefundedUnixUTC,
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (credits.Transaction, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlGetTransaction, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrNoChargeFound)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) FindChargeByJobID(ctx context.Context, jobID string) (credits.Transaction, bool, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlFindChargeByJob, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) MarkTransactionRefunded(ctx context.Context, transactionID string, atUnixUTC int64) error {
	tag, err := store.q.Exec(ctx, sqlMarkTransactionRefunded, transactionID, atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, credits.ErrNoChargeFound)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]credits.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListTransactions, accountID, limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []credits.Transaction
	for rows.Next() {
		transaction, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, scanErr)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) CreateRefundRequest(ctx context.Context, request credits.RefundRequest) error {
	_, err := store.q.Exec(ctx, sqlInsertRefundRequest,
		request.RequestID,
		request.AccountID,
		request.JobID,
		request.TransactionID,
		request.Amount,
		request.Reason,
		request.FailureStage.String(),
		request.Status.String(),
		request.AutoRefund,
		request.ProcessedUnixUTC,
		request.ProcessedBy,
		request.AdminNotes,
		request.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetRefundRequest(ctx context.Context, requestID string) (credits.RefundRequest, error) {
	request, err := scanRefundRequest(store.q.QueryRow(ctx, sqlGetRefundRequest, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.RefundRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, credits.ErrRequestNotFound)
	}
	if err != nil {
		return credits.RefundRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, err)
	}
	return request, nil
}

func (store *Store) UpdateRefundRequestStatus(ctx context.Context, requestID string, from credits.RefundStatus, to credits.RefundStatus, processedBy string, processedAtUnixUTC int64, notes string) error {
	tag, err := store.q.Exec(ctx, sqlUpdateRefundRequestStatus,
		requestID, from.String(), to.String(), processedAtUnixUTC, processedBy, notes)
	if err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdateStatus, credits.ErrRequestNotPending)
	}
	return nil
}

func (store *Store) FindOutstandingRefundRequest(ctx context.Context, jobID string) (credits.RefundRequest, bool, error) {
	request, err := scanRefundRequest(store.q.QueryRow(ctx, sqlFindOutstandingRequest, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.RefundRequest{}, false, nil
	}
	if err != nil {
		return credits.RefundRequest{}, false, wrapStoreError(errorSubjectRequest, errorCodeLookup, err)
	}
	return request, true, nil
}

func (store *Store) ListRefundRequests(ctx context.Context, filter credits.RefundRequestFilter, limit int, offset int) ([]credits.RefundRequest, error) {
	order := "desc"
	if filter.OldestFirst {
		order = "asc"
	}
	query := sqlSelectRefundRequest + `
		where ($1 = '' or status = $1) and ($2 = '' or account_id = $2)
		order by created_at ` + order + `
		limit $3 offset $4
	`
	rows, err := store.q.Query(ctx, query, filter.Status.String(), filter.AccountID, limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	defer rows.Close()
	var requests []credits.RefundRequest
	for rows.Next() {
		request, scanErr := scanRefundRequest(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectRequest, errorCodeInvalid, scanErr)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	return requests, nil
}

func (store *Store) CreateRecovery(ctx context.Context, recovery credits.RefundRecovery) error {
	_, err := store.q.Exec(ctx, sqlInsertRecovery,
		recovery.RecoveryID,
		recovery.AccountID,
		recovery.ExternalEventID,
		recovery.CreditsOwed,
		recovery.OriginalAmount,
		recovery.Notes,
		recovery.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectRecovery, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CreatePaymentEvent(ctx context.Context, event credits.PaymentEvent) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	_, execErr := store.q.Exec(ctx, sqlInsertPaymentEvent,
		event.EventID,
		event.ExternalEventID,
		event.EventType,
		event.Status,
		event.AccountID,
		event.Credits,
		event.AmountPaid,
		metadata,
		event.CreatedUnixUTC,
	)
	if isUniqueViolation(execErr) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, credits.ErrDuplicatePaymentEvent)
	}
	if execErr != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, execErr)
	}
	return nil
}

func (store *Store) HasPaymentEvent(ctx context.Context, externalEventID string) (bool, error) {
	var exists bool
	if err := store.q.QueryRow(ctx, sqlHasPaymentEvent, externalEventID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return exists, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func scanTransaction(row pgx.Row) (credits.Transaction, error) {
	var (
		transaction credits.Transaction
		typeValue   string
		rawMetadata string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.AccountID,
		&transaction.Amount,
		&typeValue,
		&transaction.Description,
		&transaction.JobID,
		&rawMetadata,
		&transaction.Refunded,
		&transaction.RefundedUnixUTC,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Type, err = credits.ParseTransactionType(typeValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Metadata, err = unmarshalMetadata(rawMetadata)
	if err != nil {
		return credits.Transaction{}, err
	}
	return transaction, nil
}

func scanRefundRequest(row pgx.Row) (credits.RefundRequest, error) {
	var (
		request     credits.RefundRequest
		statusValue string
		stageValue  string
	)
	err := row.Scan(
		&request.RequestID,
		&request.AccountID,
		&request.JobID,
		&request.TransactionID,
		&request.Amount,
		&request.Reason,
		&stageValue,
		&statusValue,
		&request.AutoRefund,
		&request.ProcessedUnixUTC,
		&request.ProcessedBy,
		&request.AdminNotes,
		&request.CreatedUnixUTC,
	)
	if err != nil {
		return credits.RefundRequest{}, err
	}
	request.Status, err = credits.ParseRefundStatus(statusValue)
	if err != nil {
		return credits.RefundRequest{}, err
	}
	request.FailureStage, err = credits.ParseFailureStage(stageValue)
	if err != nil {
		return credits.RefundRequest{}, err
	}
	return request, nil
}

func marshalMetadata(metadata credits.Metadata) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalMetadata(raw string) (credits.Metadata, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var metadata credits.Metadata
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
