package credits

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

const testNowUnix int64 = 1_700_000_000

type stubStore struct {
	balances     map[string]Balance
	transactions []Transaction
	requests     map[string]RefundRequest
	recoveries   []RefundRecovery
	events       map[string]PaymentEvent
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances: make(map[string]Balance),
		requests: make(map[string]RefundRequest),
		events:   make(map[string]PaymentEvent),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, accountID string) (Balance, bool, error) {
	balance, found := store.balances[accountID]
	return balance, found, nil
}

func (store *stubStore) CreateBalance(ctx context.Context, balance Balance) error {
	if _, exists := store.balances[balance.AccountID]; exists {
		return fmt.Errorf("balance already exists for %s", balance.AccountID)
	}
	store.balances[balance.AccountID] = balance
	return nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, accountID string, balance int64, atUnixUTC int64) error {
	row, found := store.balances[accountID]
	if !found {
		return fmt.Errorf("no balance row for %s", accountID)
	}
	row.Balance = balance
	row.UpdatedUnixUTC = atUnixUTC
	store.balances[accountID] = row
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrNoChargeFound
}

func (store *stubStore) FindChargeByJobID(ctx context.Context, jobID string) (Transaction, bool, error) {
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.JobID == jobID && transaction.Type == TransactionConversion && transaction.Amount < 0 && !transaction.Refunded {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) MarkTransactionRefunded(ctx context.Context, transactionID string, atUnixUTC int64) error {
	for index, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			transaction.Refunded = true
			transaction.RefundedUnixUTC = atUnixUTC
			transaction.Metadata = transaction.Metadata.WithRefunded(atUnixUTC)
			store.transactions[index] = transaction
			return nil
		}
	}
	return ErrNoChargeFound
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]Transaction, error) {
	var matched []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].AccountID == accountID {
			matched = append(matched, store.transactions[index])
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) CreateRefundRequest(ctx context.Context, request RefundRequest) error {
	if _, exists := store.requests[request.RequestID]; exists {
		return fmt.Errorf("refund request %s already exists", request.RequestID)
	}
	store.requests[request.RequestID] = request
	return nil
}

func (store *stubStore) GetRefundRequest(ctx context.Context, requestID string) (RefundRequest, error) {
	request, found := store.requests[requestID]
	if !found {
		return RefundRequest{}, ErrRequestNotFound
	}
	return request, nil
}

func (store *stubStore) UpdateRefundRequestStatus(ctx context.Context, requestID string, from RefundStatus, to RefundStatus, processedBy string, processedAtUnixUTC int64, notes string) error {
	request, found := store.requests[requestID]
	if !found {
		return ErrRequestNotFound
	}
	if request.Status != from {
		return ErrRequestNotPending
	}
	request.Status = to
	request.ProcessedBy = processedBy
	request.ProcessedUnixUTC = processedAtUnixUTC
	request.AdminNotes = notes
	store.requests[requestID] = request
	return nil
}

func (store *stubStore) FindOutstandingRefundRequest(ctx context.Context, jobID string) (RefundRequest, bool, error) {
	for _, request := range store.requests {
		if request.JobID == jobID && request.Status.Outstanding() {
			return request, true, nil
		}
	}
	return RefundRequest{}, false, nil
}

func (store *stubStore) ListRefundRequests(ctx context.Context, filter RefundRequestFilter, limit int, offset int) ([]RefundRequest, error) {
	var matched []RefundRequest
	for _, request := range store.requests {
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		if filter.AccountID != "" && request.AccountID != filter.AccountID {
			continue
		}
		matched = append(matched, request)
	}
	sort.Slice(matched, func(left, right int) bool {
		if filter.OldestFirst {
			return matched[left].CreatedUnixUTC < matched[right].CreatedUnixUTC
		}
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) CreateRecovery(ctx context.Context, recovery RefundRecovery) error {
	store.recoveries = append(store.recoveries, recovery)
	return nil
}

func (store *stubStore) CreatePaymentEvent(ctx context.Context, event PaymentEvent) error {
	if _, exists := store.events[event.ExternalEventID]; exists {
		return ErrDuplicatePaymentEvent
	}
	store.events[event.ExternalEventID] = event
	return nil
}

func (store *stubStore) HasPaymentEvent(ctx context.Context, externalEventID string) (bool, error) {
	_, exists := store.events[externalEventID]
	return exists, nil
}

// sumTransactions verifies the ledger consistency invariant against the
// balance row.
func (store *stubStore) sumTransactions(accountID string) int64 {
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.Amount
		}
	}
	return sum
}

func (store *stubStore) mustRequest(test *testing.T, requestID string) RefundRequest {
	test.Helper()
	request, found := store.requests[requestID]
	if !found {
		test.Fatalf("refund request %s not found", requestID)
	}
	return request
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.Type == transactionType {
			matched = append(matched, transaction)
		}
	}
	return matched
}

type stubAccounts struct {
	missing map[string]bool
}

func (accounts *stubAccounts) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return !accounts.missing[accountID], nil
}

type stubJobs struct {
	jobs map[string]*Job
}

func (jobs *stubJobs) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return jobs.jobs[jobID], nil
}

type serviceFixture struct {
	store    *stubStore
	accounts *stubAccounts
	jobs     *stubJobs
	service  *Service
}

func newFixture(test *testing.T, config Config) *serviceFixture {
	test.Helper()
	store := newStubStore(test)
	accounts := &stubAccounts{missing: make(map[string]bool)}
	jobs := &stubJobs{jobs: make(map[string]*Job)}
	service, err := NewService(store, accounts, jobs, config, func() int64 { return testNowUnix })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return &serviceFixture{store: store, accounts: accounts, jobs: jobs, service: service}
}

func (fixture *serviceFixture) seedBalance(test *testing.T, accountID string, amount int64) {
	test.Helper()
	fixture.store.balances[accountID] = Balance{
		AccountID:      accountID,
		Balance:        amount,
		CreatedUnixUTC: testNowUnix,
		UpdatedUnixUTC: testNowUnix,
	}
}

func (fixture *serviceFixture) seedFailedJob(test *testing.T, jobID string, createdUnixUTC int64) {
	test.Helper()
	fixture.jobs.jobs[jobID] = &Job{JobID: jobID, Status: "failed", CreatedUnixUTC: createdUnixUTC}
}

func (fixture *serviceFixture) mustCharge(test *testing.T, accountID string, amount int64, jobID string) Transaction {
	test.Helper()
	metadata := Metadata{}
	if jobID != "" {
		metadata["jobId"] = jobID
	}
	if _, err := fixture.service.Charge(context.Background(), accountID, amount, "Conversão: teste", metadata); err != nil {
		test.Fatalf("charge: %v", err)
	}
	charge := fixture.store.transactions[len(fixture.store.transactions)-1]
	if charge.Type != TransactionConversion {
		test.Fatalf("expected conversion charge, got %s", charge.Type)
	}
	return charge
}
