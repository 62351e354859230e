package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Config carries the environment-level policy knobs consumed by the core.
type Config struct {
	// RefundWindowDays bounds how old a failed job may be and still qualify
	// for a refund. Zero or negative falls back to the default of 30.
	RefundWindowDays int
	// AutoRefundEnabled allows automatic refunds for jobs that failed before
	// any billable work started (PRE_PROCESS).
	AutoRefundEnabled bool
}

func (config Config) refundWindowSeconds() int64 {
	days := config.RefundWindowDays
	if days <= 0 {
		days = defaultRefundWindowDays
	}
	return int64(days) * secondsPerDay
}

// Service contains the ledger domain logic over a Store. Accounts and jobs
// live upstream and are reached only through the supplied directories.
type Service struct {
	store    Store
	accounts AccountDirectory
	jobs     JobDirectory
	config   Config
	nowFn    func() int64
	newIDFn  func() string
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, accounts AccountDirectory, jobs JobDirectory, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: account directory dependency is nil", ErrInvalidServiceConfig)
	}
	if jobs == nil {
		return nil, fmt.Errorf("%w: job directory dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:    store,
		accounts: accounts,
		jobs:     jobs,
		config:   config,
		nowFn:    now,
		newIDFn:  uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreateBalance returns the account's balance row, creating it with the
// welcome bonus on first access. The row creation and the bonus transaction
// are a single atomic unit.
func (service *Service) GetOrCreateBalance(ctx context.Context, accountID string) (Balance, error) {
	accountID, err := NewAccountID(accountID)
	if err != nil {
		return Balance{}, err
	}
	if err := service.requireAccount(ctx, accountID, ErrAccountNotFound); err != nil {
		return Balance{}, err
	}
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		balance, err = service.getOrCreateBalanceTx(ctx, transactionStore, accountID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		AccountID: accountID,
		Amount:    balance.Balance,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// HasSufficientBalance reports whether the account can cover cost. Cost must
// be a non-negative integer.
func (service *Service) HasSufficientBalance(ctx context.Context, accountID string, cost int64) (bool, error) {
	if cost < 0 {
		return false, fmt.Errorf("%w: cost must not be negative", ErrInvalidAmount)
	}
	balance, err := service.GetOrCreateBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance.Balance >= cost, nil
}

// Charge debits the account for a billable action. The balance decrement and
// the CONVERSION transaction commit together; an insufficient balance leaves
// state untouched.
func (service *Service) Charge(ctx context.Context, accountID string, amount int64, description string, metadata Metadata) (int64, error) {
	accountID, err := NewAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: charge amount must be positive", ErrInvalidAmount)
	}
	if err := service.requireAccount(ctx, accountID, ErrAccountNotFound); err != nil {
		return 0, err
	}
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := service.getOrCreateBalanceTx(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		if balance.Balance < amount {
			return ErrInsufficientCredits
		}
		nowUnixUTC := service.nowFn()
		newBalance = balance.Balance - amount
		if err := transactionStore.UpdateBalance(ctx, accountID, newBalance, nowUnixUTC); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  service.newIDFn(),
			AccountID:      accountID,
			Amount:         -amount,
			Type:           TransactionConversion,
			Description:    description,
			JobID:          metadata.JobID(),
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCharge,
		AccountID: accountID,
		JobID:     metadata.JobID(),
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Credit adds credits for a purchase, bonus, or refund. A missing balance row
// is seeded with the welcome bonus in the same atomic unit, so brand-new
// accounts receive both the bonus and the requested credit at once.
func (service *Service) Credit(ctx context.Context, accountID string, amount int64, creditType TransactionType, description string, metadata Metadata) (int64, error) {
	accountID, err := NewAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
	}
	if !creditType.CreditAllowed() {
		return 0, fmt.Errorf("%w: %q is not creditable", ErrInvalidTransactionType, creditType)
	}
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		newBalance, err = service.applyCreditTx(ctx, transactionStore, accountID, amount, creditType, description, metadata)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// TransactionHistory lists the account's transactions, newest first.
func (service *Service) TransactionHistory(ctx context.Context, accountID string, limit int, offset int) ([]Transaction, error) {
	accountID, err := NewAccountID(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return service.store.ListTransactions(ctx, accountID, limit, offset)
}

func (service *Service) requireAccount(ctx context.Context, accountID string, missing error) error {
	exists, err := service.accounts.AccountExists(ctx, accountID)
	if err != nil {
		return WrapError("directory", "account", "lookup", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", missing, accountID)
	}
	return nil
}

// getOrCreateBalanceTx runs inside a store transaction. A new row is seeded
// with the welcome bonus and its BONUS transaction.
func (service *Service) getOrCreateBalanceTx(ctx context.Context, transactionStore Store, accountID string) (Balance, error) {
	balance, found, err := transactionStore.GetBalance(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	if found {
		return balance, nil
	}
	nowUnixUTC := service.nowFn()
	balance = Balance{
		AccountID:      accountID,
		Balance:        welcomeBonusCredits,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	if err := transactionStore.CreateBalance(ctx, balance); err != nil {
		return Balance{}, err
	}
	if err := transactionStore.InsertTransaction(ctx, Transaction{
		TransactionID:  service.newIDFn(),
		AccountID:      accountID,
		Amount:         welcomeBonusCredits,
		Type:           TransactionBonus,
		Description:    descriptionWelcomeBonus,
		CreatedUnixUTC: nowUnixUTC,
	}); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// applyCreditTx increments the balance and records the credit transaction
// inside the caller's store transaction.
func (service *Service) applyCreditTx(ctx context.Context, transactionStore Store, accountID string, amount int64, creditType TransactionType, description string, metadata Metadata) (int64, error) {
	nowUnixUTC := service.nowFn()
	balance, found, err := transactionStore.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	var newBalance int64
	if !found {
		newBalance = welcomeBonusCredits + amount
		if err := transactionStore.CreateBalance(ctx, Balance{
			AccountID:      accountID,
			Balance:        newBalance,
			CreatedUnixUTC: nowUnixUTC,
			UpdatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return 0, err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  service.newIDFn(),
			AccountID:      accountID,
			Amount:         welcomeBonusCredits,
			Type:           TransactionBonus,
			Description:    descriptionWelcomeBonus,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return 0, err
		}
	} else {
		newBalance = balance.Balance + amount
		if err := transactionStore.UpdateBalance(ctx, accountID, newBalance, nowUnixUTC); err != nil {
			return 0, err
		}
	}
	if err := transactionStore.InsertTransaction(ctx, Transaction{
		TransactionID:  service.newIDFn(),
		AccountID:      accountID,
		Amount:         amount,
		Type:           creditType,
		Description:    description,
		JobID:          metadata.JobID(),
		Metadata:       metadata,
		CreatedUnixUTC: nowUnixUTC,
	}); err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
