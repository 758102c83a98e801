package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the settlement engine.
var (
	ErrInsufficientAvailable   = errors.New("insufficient available funds")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrDuplicateReference      = errors.New("duplicate external reference")
	ErrUnknownReference        = errors.New("unknown external reference")
	ErrUnknownReservation      = errors.New("unknown withdrawal reservation")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrInvalidTransition       = errors.New("entry already resolved")
	ErrLimitExceeded           = errors.New("withdrawal limit exceeded")
	ErrAccountNotEligible      = errors.New("account not enrolled for prepaid commissions")
	ErrExpiredReservation      = errors.New("withdrawal reservation expired")
	ErrNoWithdrawalDestination = errors.New("no withdrawal destination configured")

	ErrInvalidDriverID      = errors.New("invalid driver id")
	ErrInvalidAmountCents   = errors.New("invalid amount cents")
	ErrInvalidFeeCents      = errors.New("invalid fee cents")
	ErrInvalidReference     = errors.New("invalid external reference")
	ErrInvalidReservationID = errors.New("invalid reservation id")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidEntryStatus   = errors.New("invalid entry status")
	ErrInvalidOutcome       = errors.New("invalid provider outcome")
	ErrInvalidDirection     = errors.New("invalid adjustment direction")
	ErrInvalidAdjustment    = errors.New("invalid adjustment")
	ErrInvalidDestination   = errors.New("invalid withdrawal destination")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance projection")
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
