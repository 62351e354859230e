package credits

import (
	"context"
	"fmt"
)

// RefundRequestInput carries a request to reverse a charge. JobID is
// optional: without it the caller must supply an explicit Amount.
type RefundRequestInput struct {
	AccountID    string
	JobID        string
	Reason       string
	Amount       int64
	FailureStage FailureStage
}

// RefundResult reports the outcome of a refund operation.
type RefundResult struct {
	RequestID    string
	AutoRefunded bool
	NewBalance   int64
}

// RequestRefund validates refund eligibility, creates the request row, and,
// when the auto-refund policy applies, executes the credit immediately. The
// request row, the credit, and the refunded stamp on the original charge all
// commit in one store transaction, so a failed credit never strands an
// AUTO_APPROVED request without funds having moved.
func (service *Service) RequestRefund(ctx context.Context, input RefundRequestInput) (RefundResult, error) {
	accountID, err := NewAccountID(input.AccountID)
	if err != nil {
		return RefundResult{}, err
	}
	var job *Job
	if input.JobID != "" {
		job, err = service.jobs.GetJob(ctx, input.JobID)
		if err != nil {
			return RefundResult{}, WrapError("directory", "job", "lookup", err)
		}
		if job == nil {
			return RefundResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, input.JobID)
		}
		if !job.Failed() {
			return RefundResult{}, fmt.Errorf("%w: job status is %q", ErrJobNotFailed, job.Status)
		}
		if service.nowFn()-job.CreatedUnixUTC > service.config.refundWindowSeconds() {
			return RefundResult{}, ErrRefundWindowExpired
		}
	}

	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		refundAmount := input.Amount
		var chargeTransactionID string
		if input.JobID != "" {
			charge, found, err := transactionStore.FindChargeByJobID(ctx, input.JobID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: job %s", ErrNoChargeFound, input.JobID)
			}
			chargeTransactionID = charge.TransactionID
			refundAmount = charge.Amount
			if refundAmount < 0 {
				refundAmount = -refundAmount
			}
		}
		if refundAmount <= 0 {
			return fmt.Errorf("%w: refund amount must be positive", ErrInvalidAmount)
		}
		if input.JobID != "" {
			_, outstanding, err := transactionStore.FindOutstandingRefundRequest(ctx, input.JobID)
			if err != nil {
				return err
			}
			if outstanding {
				return fmt.Errorf("%w: job %s", ErrRefundAlreadyRequested, input.JobID)
			}
		}

		autoRefund := service.config.AutoRefundEnabled && input.FailureStage == FailureStagePreProcess
		nowUnixUTC := service.nowFn()
		request := RefundRequest{
			RequestID:      service.newIDFn(),
			AccountID:      accountID,
			JobID:          input.JobID,
			TransactionID:  chargeTransactionID,
			Amount:         refundAmount,
			Reason:         input.Reason,
			FailureStage:   input.FailureStage,
			Status:         RefundStatusPending,
			CreatedUnixUTC: nowUnixUTC,
		}
		if autoRefund {
			request.Status = RefundStatusAutoApproved
			request.AutoRefund = true
			request.ProcessedUnixUTC = nowUnixUTC
			request.ProcessedBy = processedBySystem
		}
		if err := transactionStore.CreateRefundRequest(ctx, request); err != nil {
			return err
		}
		result.RequestID = request.RequestID

		if !autoRefund {
			return nil
		}
		description := fmt.Sprintf("Reembolso automático - Job %s falhou em pré-processamento", input.JobID)
		newBalance, err := service.applyCreditTx(ctx, transactionStore, accountID, refundAmount, TransactionRefund, description, Metadata{
			metadataKeyJobID:           input.JobID,
			metadataKeyRefundRequestID: request.RequestID,
			metadataKeyFailureStage:    input.FailureStage.String(),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}
		if chargeTransactionID != "" {
			if err := transactionStore.MarkTransactionRefunded(ctx, chargeTransactionID, nowUnixUTC); err != nil {
				return err
			}
		}
		result.AutoRefunded = true
		result.NewBalance = newBalance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		AccountID: accountID,
		JobID:     input.JobID,
		RequestID: result.RequestID,
		Amount:    result.NewBalance,
		Error:     operationError,
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return result, nil
}

// ApproveRefund executes a PENDING refund request. The credit, the status
// transition, and the refunded stamp commit together; on failure the request
// stays PENDING and the approval is safe to retry.
func (service *Service) ApproveRefund(ctx context.Context, requestID string, adminID string, notes string) (RefundResult, error) {
	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		request, err := transactionStore.GetRefundRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if request.Status != RefundStatusPending {
			return fmt.Errorf("%w: status is %s", ErrRequestNotPending, request.Status)
		}
		description := fmt.Sprintf("Reembolso aprovado - %s", request.Reason)
		newBalance, err := service.applyCreditTx(ctx, transactionStore, request.AccountID, request.Amount, TransactionRefund, description, Metadata{
			metadataKeyRefundRequestID: request.RequestID,
			metadataKeyApprovedBy:      adminID,
			metadataKeyJobID:           request.JobID,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.UpdateRefundRequestStatus(ctx, requestID, RefundStatusPending, RefundStatusApproved, adminID, nowUnixUTC, notes); err != nil {
			return err
		}
		if request.TransactionID != "" {
			if err := transactionStore.MarkTransactionRefunded(ctx, request.TransactionID, nowUnixUTC); err != nil {
				return err
			}
		}
		result = RefundResult{RequestID: requestID, NewBalance: newBalance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApprove,
		RequestID: requestID,
		Amount:    result.NewBalance,
		Error:     operationError,
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return result, nil
}

// RejectRefund resolves a PENDING request without moving funds.
func (service *Service) RejectRefund(ctx context.Context, requestID string, adminID string, notes string) (RefundResult, error) {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		request, err := transactionStore.GetRefundRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if request.Status != RefundStatusPending {
			return fmt.Errorf("%w: status is %s", ErrRequestNotPending, request.Status)
		}
		return transactionStore.UpdateRefundRequestStatus(ctx, requestID, RefundStatusPending, RefundStatusRejected, adminID, service.nowFn(), notes)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReject,
		RequestID: requestID,
		Error:     operationError,
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return RefundResult{RequestID: requestID}, nil
}

// PendingRefundRequests lists requests awaiting admin review, oldest first.
func (service *Service) PendingRefundRequests(ctx context.Context, limit int, offset int) ([]RefundRequest, error) {
	return service.ListRefundRequests(ctx, RefundRequestFilter{Status: RefundStatusPending, OldestFirst: true}, limit, offset)
}

// ListRefundRequests lists refund requests with optional status and account
// filters.
func (service *Service) ListRefundRequests(ctx context.Context, filter RefundRequestFilter, limit int, offset int) ([]RefundRequest, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return service.store.ListRefundRequests(ctx, filter, limit, offset)
}
