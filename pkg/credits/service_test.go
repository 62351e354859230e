package credits

import (
	"context"
	"errors"
	"testing"
)

func TestGetOrCreateBalanceSeedsWelcomeBonus(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})

	balance, err := fixture.service.GetOrCreateBalance(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("get or create balance: %v", err)
	}
	if balance.Balance != welcomeBonusCredits {
		test.Fatalf("expected welcome bonus balance %d, got %d", welcomeBonusCredits, balance.Balance)
	}
	bonuses := fixture.store.transactionsOfType(TransactionBonus)
	if len(bonuses) != 1 {
		test.Fatalf("expected 1 bonus transaction, got %d", len(bonuses))
	}
	if bonuses[0].Description != descriptionWelcomeBonus {
		test.Fatalf("unexpected bonus description: %q", bonuses[0].Description)
	}
	if bonuses[0].Amount != welcomeBonusCredits {
		test.Fatalf("unexpected bonus amount: %d", bonuses[0].Amount)
	}
}

func TestGetOrCreateBalanceReturnsExistingRow(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 42)

	balance, err := fixture.service.GetOrCreateBalance(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("get or create balance: %v", err)
	}
	if balance.Balance != 42 {
		test.Fatalf("expected existing balance 42, got %d", balance.Balance)
	}
	if len(fixture.store.transactions) != 0 {
		test.Fatalf("expected no new transactions, got %d", len(fixture.store.transactions))
	}
}

func TestGetOrCreateBalanceUnknownAccount(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.accounts.missing["ghost"] = true

	_, err := fixture.service.GetOrCreateBalance(context.Background(), "ghost")
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestChargeDebitsAndRecordsConversion(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)

	newBalance, err := fixture.service.Charge(context.Background(), "user-1", 5, "Conversão: PDF para Word", Metadata{"jobId": "job-1"})
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if newBalance != 15 {
		test.Fatalf("expected balance 15, got %d", newBalance)
	}
	if len(fixture.store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(fixture.store.transactions))
	}
	charge := fixture.store.transactions[0]
	if charge.Amount != -5 {
		test.Fatalf("expected signed amount -5, got %d", charge.Amount)
	}
	if charge.Type != TransactionConversion {
		test.Fatalf("expected CONVERSION, got %s", charge.Type)
	}
	if charge.JobID != "job-1" {
		test.Fatalf("expected job id promoted to column, got %q", charge.JobID)
	}
}

func TestChargeInsufficientCredits(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 3)

	_, err := fixture.service.Charge(context.Background(), "user-1", 5, "Conversão: PDF para Word", nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if fixture.store.balances["user-1"].Balance != 3 {
		test.Fatalf("balance changed on failed charge: %d", fixture.store.balances["user-1"].Balance)
	}
	if len(fixture.store.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(fixture.store.transactions))
	}
}

func TestChargeRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 10)

	for _, amount := range []int64{0, -4} {
		if _, err := fixture.service.Charge(context.Background(), "user-1", amount, "x", nil); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestChargeSeedsBonusForFirstUse(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})

	newBalance, err := fixture.service.Charge(context.Background(), "user-1", 4, "Conversão: JPG para PNG", nil)
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if newBalance != welcomeBonusCredits-4 {
		test.Fatalf("expected balance %d, got %d", welcomeBonusCredits-4, newBalance)
	}
	if got := fixture.store.sumTransactions("user-1"); got != newBalance {
		test.Fatalf("ledger out of sync: transactions sum %d, balance %d", got, newBalance)
	}
}

func TestCreditSeedsBonusForNewAccount(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})

	newBalance, err := fixture.service.Credit(context.Background(), "user-1", 30, TransactionPurchase, "Compra: 30 créditos", nil)
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if newBalance != welcomeBonusCredits+30 {
		test.Fatalf("expected balance %d, got %d", welcomeBonusCredits+30, newBalance)
	}
	if len(fixture.store.transactionsOfType(TransactionBonus)) != 1 {
		test.Fatalf("expected bonus transaction alongside the credit")
	}
	if len(fixture.store.transactionsOfType(TransactionPurchase)) != 1 {
		test.Fatalf("expected purchase transaction")
	}
}

func TestCreditRejectsConversionType(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 10)

	_, err := fixture.service.Credit(context.Background(), "user-1", 5, TransactionConversion, "x", nil)
	if !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestHasSufficientBalance(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 7)

	sufficient, err := fixture.service.HasSufficientBalance(context.Background(), "user-1", 7)
	if err != nil {
		test.Fatalf("has sufficient balance: %v", err)
	}
	if !sufficient {
		test.Fatalf("expected 7 >= 7 to be sufficient")
	}
	sufficient, err = fixture.service.HasSufficientBalance(context.Background(), "user-1", 8)
	if err != nil {
		test.Fatalf("has sufficient balance: %v", err)
	}
	if sufficient {
		test.Fatalf("expected 7 < 8 to be insufficient")
	}
	if _, err := fixture.service.HasSufficientBalance(context.Background(), "user-1", -1); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for negative cost, got %v", err)
	}
}

func TestLedgerStaysConsistentAcrossOperations(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})

	ctx := context.Background()
	if _, err := fixture.service.GetOrCreateBalance(ctx, "user-1"); err != nil {
		test.Fatalf("bootstrap: %v", err)
	}
	if _, err := fixture.service.Credit(ctx, "user-1", 25, TransactionPurchase, "Compra: 25 créditos", nil); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := fixture.service.Charge(ctx, "user-1", 8, "Conversão: PDF para Word", Metadata{"jobId": "job-1"}); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if _, err := fixture.service.Charge(ctx, "user-1", 3, "Conversão: JPG para PNG", nil); err != nil {
		test.Fatalf("charge: %v", err)
	}

	balance := fixture.store.balances["user-1"].Balance
	if sum := fixture.store.sumTransactions("user-1"); sum != balance {
		test.Fatalf("ledger out of sync: transactions sum %d, balance %d", sum, balance)
	}
}

func TestTransactionHistoryNewestFirst(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 100)

	ctx := context.Background()
	if _, err := fixture.service.Charge(ctx, "user-1", 1, "first", nil); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if _, err := fixture.service.Charge(ctx, "user-1", 2, "second", nil); err != nil {
		test.Fatalf("charge: %v", err)
	}

	history, err := fixture.service.TransactionHistory(ctx, "user-1", 10, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(history))
	}
	if history[0].Description != "second" {
		test.Fatalf("expected newest first, got %q", history[0].Description)
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accounts := &stubAccounts{}
	jobs := &stubJobs{}
	clock := func() int64 { return testNowUnix }

	if _, err := NewService(nil, accounts, jobs, Config{}, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(store, nil, jobs, Config{}, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil accounts, got %v", err)
	}
	if _, err := NewService(store, accounts, nil, Config{}, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil jobs, got %v", err)
	}
	if _, err := NewService(store, accounts, jobs, Config{}, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
