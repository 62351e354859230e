package credits

import (
	"context"
	"fmt"
)

// ReconciliationAction names the outcome of an external refund event.
type ReconciliationAction string

const (
	ActionCreditsDeducted  ReconciliationAction = "CREDITS_DEDUCTED"
	ActionAccountBlocked   ReconciliationAction = "ACCOUNT_BLOCKED"
	ActionAlreadyProcessed ReconciliationAction = "ALREADY_PROCESSED"
)

// ExternalRefundInput is a payment-processor refund event: the processor has
// already returned money to the customer and the equivalent credits must be
// clawed back from the account.
type ExternalRefundInput struct {
	AccountID       string
	ExternalEventID string
	CreditsToDeduct int64
	AmountRefunded  int64
	Reason          string
}

// ReconciliationResult reports what the handler did with the event.
type ReconciliationResult struct {
	Action          ReconciliationAction
	CreditsDeducted int64
	AccountBlocked  bool
	RecoveryCreated bool
}

// PurchaseEventInput is a settled checkout event from the payment processor.
type PurchaseEventInput struct {
	AccountID       string
	ExternalEventID string
	Credits         int64
	AmountPaid      int64
	Metadata        Metadata
}

// PurchaseResult reports a settled purchase. AlreadyProcessed marks a
// redelivered event that changed nothing.
type PurchaseResult struct {
	NewBalance       int64
	AlreadyProcessed bool
}

// HandleExternalRefund deducts credits matching an external refund. When the
// balance cannot cover the clawback, whatever remains is deducted, the
// balance is driven to zero, and a recovery record tracks the shortfall.
// The operation is idempotent per ExternalEventID: redelivery is a no-op.
func (service *Service) HandleExternalRefund(ctx context.Context, input ExternalRefundInput) (ReconciliationResult, error) {
	accountID, err := NewAccountID(input.AccountID)
	if err != nil {
		return ReconciliationResult{}, err
	}
	if input.ExternalEventID == "" {
		return ReconciliationResult{}, fmt.Errorf("%w: empty external event id", ErrInvalidEventID)
	}
	if input.CreditsToDeduct <= 0 {
		return ReconciliationResult{}, fmt.Errorf("%w: credits to deduct must be positive", ErrInvalidAmount)
	}
	if err := service.requireAccount(ctx, accountID, ErrUserNotFound); err != nil {
		return ReconciliationResult{}, err
	}

	var result ReconciliationResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		processed, err := transactionStore.HasPaymentEvent(ctx, input.ExternalEventID)
		if err != nil {
			return err
		}
		if processed {
			result = ReconciliationResult{Action: ActionAlreadyProcessed}
			return nil
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.CreatePaymentEvent(ctx, PaymentEvent{
			EventID:         service.newIDFn(),
			ExternalEventID: input.ExternalEventID,
			EventType:       "refund",
			Status:          "processed",
			AccountID:       accountID,
			Credits:         input.CreditsToDeduct,
			AmountPaid:      input.AmountRefunded,
			Metadata:        Metadata{metadataKeyReason: input.Reason},
			CreatedUnixUTC:  nowUnixUTC,
		}); err != nil {
			return err
		}

		balance, found, err := transactionStore.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}
		currentBalance := int64(0)
		if found {
			currentBalance = balance.Balance
		}

		if currentBalance >= input.CreditsToDeduct {
			if err := transactionStore.InsertTransaction(ctx, Transaction{
				TransactionID: service.newIDFn(),
				AccountID:     accountID,
				Amount:        -input.CreditsToDeduct,
				Type:          TransactionRefund,
				Description:   fmt.Sprintf("Reembolso externo - %s", input.Reason),
				Metadata: Metadata{
					metadataKeyExternalEventID: input.ExternalEventID,
					metadataKeyAmountRefunded:  input.AmountRefunded,
					metadataKeyReason:          input.Reason,
				},
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			if err := transactionStore.UpdateBalance(ctx, accountID, currentBalance-input.CreditsToDeduct, nowUnixUTC); err != nil {
				return err
			}
			result = ReconciliationResult{
				Action:          ActionCreditsDeducted,
				CreditsDeducted: input.CreditsToDeduct,
			}
			return nil
		}

		// Shortfall: record what the account still owes.
		if err := transactionStore.CreateRecovery(ctx, RefundRecovery{
			RecoveryID:      service.newIDFn(),
			AccountID:       accountID,
			ExternalEventID: input.ExternalEventID,
			CreditsOwed:     input.CreditsToDeduct - currentBalance,
			OriginalAmount:  input.CreditsToDeduct,
			Notes:           fmt.Sprintf("User balance: %d, Refund amount: %d, Reason: %s", currentBalance, input.CreditsToDeduct, input.Reason),
			CreatedUnixUTC:  nowUnixUTC,
		}); err != nil {
			return err
		}
		if currentBalance > 0 {
			if err := transactionStore.InsertTransaction(ctx, Transaction{
				TransactionID: service.newIDFn(),
				AccountID:     accountID,
				Amount:        -currentBalance,
				Type:          TransactionRefund,
				Description:   fmt.Sprintf("Reembolso externo parcial - %s", input.Reason),
				Metadata: Metadata{
					metadataKeyExternalEventID: input.ExternalEventID,
					metadataKeyAmountRefunded:  input.AmountRefunded,
					metadataKeyReason:          input.Reason,
					metadataKeyPartial:         true,
				},
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			if err := transactionStore.UpdateBalance(ctx, accountID, 0, nowUnixUTC); err != nil {
				return err
			}
		}
		result = ReconciliationResult{
			Action:          ActionAccountBlocked,
			CreditsDeducted: currentBalance,
			AccountBlocked:  true,
			RecoveryCreated: true,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationReconcile,
		AccountID:       accountID,
		ExternalEventID: input.ExternalEventID,
		Amount:          result.CreditsDeducted,
		Status:          string(result.Action),
		Error:           operationError,
	})
	if operationError != nil {
		return ReconciliationResult{}, operationError
	}
	return result, nil
}

// RecordPaymentFailure stores a failed payment event for audit. No ledger
// state changes. Returns false when the event was already recorded.
func (service *Service) RecordPaymentFailure(ctx context.Context, input PurchaseEventInput) (bool, error) {
	accountID, err := NewAccountID(input.AccountID)
	if err != nil {
		return false, err
	}
	if input.ExternalEventID == "" {
		return false, fmt.Errorf("%w: empty external event id", ErrInvalidEventID)
	}
	if err := service.requireAccount(ctx, accountID, ErrUserNotFound); err != nil {
		return false, err
	}

	recorded := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		processed, err := transactionStore.HasPaymentEvent(ctx, input.ExternalEventID)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := transactionStore.CreatePaymentEvent(ctx, PaymentEvent{
			EventID:         service.newIDFn(),
			ExternalEventID: input.ExternalEventID,
			EventType:       "payment.failed",
			Status:          "failed",
			AccountID:       accountID,
			Credits:         input.Credits,
			AmountPaid:      input.AmountPaid,
			Metadata:        input.Metadata,
			CreatedUnixUTC:  service.nowFn(),
		}); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationPaymentFailure,
		AccountID:       accountID,
		ExternalEventID: input.ExternalEventID,
		Error:           operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return recorded, nil
}

// HandlePurchaseSettled credits purchased credits for a settled checkout,
// deduplicated by the processor's event id.
func (service *Service) HandlePurchaseSettled(ctx context.Context, input PurchaseEventInput) (PurchaseResult, error) {
	accountID, err := NewAccountID(input.AccountID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if input.ExternalEventID == "" {
		return PurchaseResult{}, fmt.Errorf("%w: empty external event id", ErrInvalidEventID)
	}
	if input.Credits <= 0 {
		return PurchaseResult{}, fmt.Errorf("%w: purchased credits must be positive", ErrInvalidAmount)
	}
	if err := service.requireAccount(ctx, accountID, ErrUserNotFound); err != nil {
		return PurchaseResult{}, err
	}

	var result PurchaseResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		processed, err := transactionStore.HasPaymentEvent(ctx, input.ExternalEventID)
		if err != nil {
			return err
		}
		if processed {
			result.AlreadyProcessed = true
			return nil
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.CreatePaymentEvent(ctx, PaymentEvent{
			EventID:         service.newIDFn(),
			ExternalEventID: input.ExternalEventID,
			EventType:       "checkout.completed",
			Status:          "processed",
			AccountID:       accountID,
			Credits:         input.Credits,
			AmountPaid:      input.AmountPaid,
			Metadata:        input.Metadata,
			CreatedUnixUTC:  nowUnixUTC,
		}); err != nil {
			return err
		}
		metadata := make(Metadata, len(input.Metadata)+1)
		for key, value := range input.Metadata {
			metadata[key] = value
		}
		metadata[metadataKeyExternalEventID] = input.ExternalEventID
		newBalance, err := service.applyCreditTx(ctx, transactionStore, accountID, input.Credits, TransactionPurchase,
			fmt.Sprintf("Compra: %d créditos", input.Credits), metadata)
		if err != nil {
			return err
		}
		result.NewBalance = newBalance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationPurchase,
		AccountID:       accountID,
		ExternalEventID: input.ExternalEventID,
		Amount:          input.Credits,
		Error:           operationError,
	})
	if operationError != nil {
		return PurchaseResult{}, operationError
	}
	return result, nil
}
