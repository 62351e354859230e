package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrJobNotFound            = errors.New("job not found")
	ErrJobNotFailed           = errors.New("job not failed")
	ErrRefundWindowExpired    = errors.New("refund window expired")
	ErrNoChargeFound          = errors.New("no charge found")
	ErrRefundAlreadyRequested = errors.New("refund already requested")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrRequestNotFound        = errors.New("refund request not found")
	ErrRequestNotPending      = errors.New("refund request not pending")
	ErrRefundFailed           = errors.New("refund failed")
	ErrDuplicatePaymentEvent  = errors.New("duplicate payment event")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidEventID         = errors.New("invalid event id")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidRefundStatus    = errors.New("invalid refund status")
	ErrInvalidFailureStage    = errors.New("invalid failure stage")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
