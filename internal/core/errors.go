package core

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the engine services.
var (
	// Validation errors: rejected before touching shared state.
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidCodeFormat = errors.New("invalid code format")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidUserID     = errors.New("invalid user id")
	ErrInvalidAction     = errors.New("invalid action")

	// Conflict errors: safe to retry with adjusted input, never partial.
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrInsufficientPoints   = errors.New("insufficient points")
	ErrDuplicateCode        = errors.New("duplicate qr code")
	ErrAlreadyRedeemed      = errors.New("already redeemed")
	ErrReservationClosed    = errors.New("reservation closed")
	ErrReservationExpired   = errors.New("reservation expired")

	// Policy errors: terminal for the current attempt.
	ErrUnderPenalty             = errors.New("under penalty")
	ErrBannedAccount            = errors.New("banned account")
	ErrPendingActiveReservation = errors.New("pending active reservation exists")
	ErrRateLimited              = errors.New("rate limited")
	ErrPenaltyNotLiftable       = errors.New("penalty not liftable with points")
	ErrNoActivePenalty          = errors.New("no active penalty")

	// Lookup and offer-state errors.
	ErrOfferNotFound       = errors.New("offer not found")
	ErrOfferNotActive      = errors.New("offer not active")
	ErrOfferExpired        = errors.New("offer expired")
	ErrCodeNotFound        = errors.New("code not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrPenaltyNotFound     = errors.New("penalty not found")
	ErrMutationNotFound    = errors.New("queued mutation not found")

	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
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
