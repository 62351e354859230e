package credits

import (
	"context"
	"errors"
	"testing"
)

func TestRequestRefundCreatesPendingRequest(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	charge := fixture.mustCharge(test, "user-1", 5, "job-1")

	result, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1",
		JobID:     "job-1",
		Reason:    "arquivo corrompido",
	})
	if err != nil {
		test.Fatalf("request refund: %v", err)
	}
	if result.AutoRefunded {
		test.Fatalf("expected manual review path")
	}
	request := fixture.store.mustRequest(test, result.RequestID)
	if request.Status != RefundStatusPending {
		test.Fatalf("expected PENDING, got %s", request.Status)
	}
	if request.Amount != 5 {
		test.Fatalf("expected amount from original charge, got %d", request.Amount)
	}
	if request.TransactionID != charge.TransactionID {
		test.Fatalf("expected request bound to charge %s, got %s", charge.TransactionID, request.TransactionID)
	}
	if fixture.store.balances["user-1"].Balance != 15 {
		test.Fatalf("pending request must not move funds, balance %d", fixture.store.balances["user-1"].Balance)
	}
}

func TestRequestRefundAutoRefundsPreProcessFailure(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{AutoRefundEnabled: true})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	charge := fixture.mustCharge(test, "user-1", 5, "job-1")

	result, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID:    "user-1",
		JobID:        "job-1",
		Reason:       "falha antes do processamento",
		FailureStage: FailureStagePreProcess,
	})
	if err != nil {
		test.Fatalf("request refund: %v", err)
	}
	if !result.AutoRefunded {
		test.Fatalf("expected auto refund")
	}
	if result.NewBalance != 20 {
		test.Fatalf("expected balance restored to 20, got %d", result.NewBalance)
	}
	request := fixture.store.mustRequest(test, result.RequestID)
	if request.Status != RefundStatusAutoApproved {
		test.Fatalf("expected AUTO_APPROVED, got %s", request.Status)
	}
	if request.ProcessedBy != processedBySystem {
		test.Fatalf("expected SYSTEM processor, got %q", request.ProcessedBy)
	}
	refreshed, err := fixture.store.GetTransaction(context.Background(), charge.TransactionID)
	if err != nil {
		test.Fatalf("reload charge: %v", err)
	}
	if !refreshed.Refunded {
		test.Fatalf("expected original charge stamped refunded")
	}
	if refreshed.Amount != -5 {
		test.Fatalf("refund stamp must not alter the amount, got %d", refreshed.Amount)
	}
}

func TestRequestRefundAutoRequiresPreProcessStage(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{AutoRefundEnabled: true})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	fixture.mustCharge(test, "user-1", 5, "job-1")

	result, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID:    "user-1",
		JobID:        "job-1",
		Reason:       "falha durante o processamento",
		FailureStage: FailureStageDuringProcess,
	})
	if err != nil {
		test.Fatalf("request refund: %v", err)
	}
	if result.AutoRefunded {
		test.Fatalf("DURING_PROCESS must not auto refund")
	}
	if fixture.store.balances["user-1"].Balance != 15 {
		test.Fatalf("expected no credit, balance %d", fixture.store.balances["user-1"].Balance)
	}
}

func TestRequestRefundAutoDisabledByPolicy(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{AutoRefundEnabled: false})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	fixture.mustCharge(test, "user-1", 5, "job-1")

	result, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID:    "user-1",
		JobID:        "job-1",
		Reason:       "falha antes do processamento",
		FailureStage: FailureStagePreProcess,
	})
	if err != nil {
		test.Fatalf("request refund: %v", err)
	}
	if result.AutoRefunded {
		test.Fatalf("disabled policy must route to manual review")
	}
}

func TestRequestRefundJobValidation(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)
	fixture.jobs.jobs["job-ok"] = &Job{JobID: "job-ok", Status: "completed", CreatedUnixUTC: testNowUnix - 60}

	_, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-missing", Reason: "x",
	})
	if !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	_, err = fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-ok", Reason: "x",
	})
	if !errors.Is(err, ErrJobNotFailed) {
		test.Fatalf("expected ErrJobNotFailed, got %v", err)
	}
}

func TestRequestRefundWindowBoundary(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{RefundWindowDays: 30})
	fixture.seedBalance(test, "user-1", 20)

	windowSeconds := int64(30) * secondsPerDay

	// Exactly at the boundary still qualifies.
	fixture.seedFailedJob(test, "job-edge", testNowUnix-windowSeconds)
	fixture.mustCharge(test, "user-1", 5, "job-edge")
	if _, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-edge", Reason: "x",
	}); err != nil {
		test.Fatalf("boundary request: %v", err)
	}

	// One second past the boundary is expired.
	fixture.seedFailedJob(test, "job-late", testNowUnix-windowSeconds-1)
	_, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-late", Reason: "x",
	})
	if !errors.Is(err, ErrRefundWindowExpired) {
		test.Fatalf("expected ErrRefundWindowExpired, got %v", err)
	}
}

func TestRequestRefundNoChargeFound(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)

	_, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-1", Reason: "x",
	})
	if !errors.Is(err, ErrNoChargeFound) {
		test.Fatalf("expected ErrNoChargeFound, got %v", err)
	}
}

func TestRequestRefundRejectsDuplicateOutstanding(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	fixture.mustCharge(test, "user-1", 5, "job-1")

	if _, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-1", Reason: "x",
	}); err != nil {
		test.Fatalf("first request: %v", err)
	}
	_, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-1", Reason: "x",
	})
	if !errors.Is(err, ErrRefundAlreadyRequested) {
		test.Fatalf("expected ErrRefundAlreadyRequested, got %v", err)
	}
}

func TestRequestRefundWithoutJobNeedsAmount(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)

	_, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", Reason: "cobrança indevida",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	result, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", Reason: "cobrança indevida", Amount: 4,
	})
	if err != nil {
		test.Fatalf("amount-only request: %v", err)
	}
	if fixture.store.mustRequest(test, result.RequestID).Amount != 4 {
		test.Fatalf("expected explicit amount honored")
	}
}

func TestApproveRefundCreditsAndMarksCharge(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	charge := fixture.mustCharge(test, "user-1", 5, "job-1")

	created, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-1", Reason: "arquivo corrompido",
	})
	if err != nil {
		test.Fatalf("request refund: %v", err)
	}

	result, err := fixture.service.ApproveRefund(context.Background(), created.RequestID, "admin-7", "verificado")
	if err != nil {
		test.Fatalf("approve: %v", err)
	}
	if result.NewBalance != 20 {
		test.Fatalf("expected balance restored to 20, got %d", result.NewBalance)
	}
	request := fixture.store.mustRequest(test, created.RequestID)
	if request.Status != RefundStatusApproved {
		test.Fatalf("expected APPROVED, got %s", request.Status)
	}
	if request.ProcessedBy != "admin-7" {
		test.Fatalf("expected admin recorded, got %q", request.ProcessedBy)
	}
	refreshed, err := fixture.store.GetTransaction(context.Background(), charge.TransactionID)
	if err != nil {
		test.Fatalf("reload charge: %v", err)
	}
	if !refreshed.Refunded {
		test.Fatalf("expected charge stamped refunded")
	}

	// The transition is one-shot.
	if _, err := fixture.service.ApproveRefund(context.Background(), created.RequestID, "admin-7", ""); !errors.Is(err, ErrRequestNotPending) {
		test.Fatalf("expected ErrRequestNotPending on second approval, got %v", err)
	}
}

func TestRejectRefundLeavesFundsUntouched(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.seedBalance(test, "user-1", 20)
	fixture.seedFailedJob(test, "job-1", testNowUnix-3600)
	fixture.mustCharge(test, "user-1", 5, "job-1")

	created, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-1", Reason: "arquivo corrompido",
	})
	if err != nil {
		test.Fatalf("request refund: %v", err)
	}
	if _, err := fixture.service.RejectRefund(context.Background(), created.RequestID, "admin-7", "fora da política"); err != nil {
		test.Fatalf("reject: %v", err)
	}
	request := fixture.store.mustRequest(test, created.RequestID)
	if request.Status != RefundStatusRejected {
		test.Fatalf("expected REJECTED, got %s", request.Status)
	}
	if fixture.store.balances["user-1"].Balance != 15 {
		test.Fatalf("rejection must not move funds, balance %d", fixture.store.balances["user-1"].Balance)
	}

	// A rejected request no longer blocks a new one for the same job.
	if _, err := fixture.service.RequestRefund(context.Background(), RefundRequestInput{
		AccountID: "user-1", JobID: "job-1", Reason: "tentar novamente",
	}); err != nil {
		test.Fatalf("request after rejection: %v", err)
	}
}

func TestApproveRefundUnknownRequest(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})

	_, err := fixture.service.ApproveRefund(context.Background(), "missing", "admin-7", "")
	if !errors.Is(err, ErrRequestNotFound) {
		test.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestPendingRefundRequestsOldestFirst(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, Config{})
	fixture.store.requests["req-new"] = RefundRequest{RequestID: "req-new", JobID: "job-b", Status: RefundStatusPending, CreatedUnixUTC: testNowUnix - 10}
	fixture.store.requests["req-old"] = RefundRequest{RequestID: "req-old", JobID: "job-a", Status: RefundStatusPending, CreatedUnixUTC: testNowUnix - 100}
	fixture.store.requests["req-done"] = RefundRequest{RequestID: "req-done", JobID: "job-c", Status: RefundStatusApproved, CreatedUnixUTC: testNowUnix - 500}

	pending, err := fixture.service.PendingRefundRequests(context.Background(), 10, 0)
	if err != nil {
		test.Fatalf("pending requests: %v", err)
	}
	if len(pending) != 2 {
		test.Fatalf("expected 2 pending requests, got %d", len(pending))
	}
	if pending[0].RequestID != "req-old" {
		test.Fatalf("expected FIFO order, got %s first", pending[0].RequestID)
	}
}
