package core

import "context"

// OperationLogger records domain-level events emitted by engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing engine operation.
type OperationLog struct {
	Operation     string
	UserID        string
	OfferID       string
	ReservationID string
	Amount        Points
	Reason        Reason
	Status        string
	Error         error
}

// Operation status values set on OperationLog entries.
const (
	OperationStatusOK    = "ok"
	OperationStatusError = "error"
)
