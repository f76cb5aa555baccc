package points

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
)

const (
	operationCredit  = "credit"
	operationDebit   = "debit"
	operationRefund  = "refund"
	operationBalance = "balance"
)

// Service owns every mutation of points balances. The transaction log is the
// source of truth; the balance column is a materialized projection kept in
// step inside the same transaction as each log insert.
type Service struct {
	store  core.Store
	nowFn  func() int64
	logger core.OperationLogger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger core.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// NewService wires a Service.
func NewService(store core.Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", core.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", core.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's current balance, creating the account on first
// touch.
func (service *Service) Balance(ctx context.Context, userID string) (core.Points, error) {
	account, err := service.store.GetOrCreatePointsAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// History lists the most recent transactions for a user.
func (service *Service) History(ctx context.Context, userID string, limit int) ([]core.PointsTransaction, error) {
	return service.store.ListPointsTransactions(ctx, userID, limit)
}

// Credit appends a positive transaction and raises the balance atomically.
func (service *Service) Credit(ctx context.Context, userID string, amount core.Points, reason core.Reason, reservationID string, metadataJSON string) (core.Points, error) {
	var newBalance core.Points
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		balance, err := service.CreditTx(ctx, txStore, userID, amount, reason, reservationID, metadataJSON)
		if err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	service.logOperation(ctx, core.OperationLog{
		Operation:     operationCredit,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        amount,
		Reason:        reason,
		Error:         operationError,
	})
	return newBalance, operationError
}

// Debit appends a negative transaction and lowers the balance atomically.
// Fails with ErrInsufficientPoints before any write when the balance does not
// cover the amount.
func (service *Service) Debit(ctx context.Context, userID string, amount core.Points, reason core.Reason, reservationID string, metadataJSON string) (core.Points, error) {
	var newBalance core.Points
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		balance, err := service.DebitTx(ctx, txStore, userID, amount, reason, reservationID, metadataJSON)
		if err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	service.logOperation(ctx, core.OperationLog{
		Operation:     operationDebit,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        amount,
		Reason:        reason,
		Error:         operationError,
	})
	return newBalance, operationError
}

// Refund credits back exactly the amount originally debited for a
// reservation. Keyed by reservation id: a second refund for the same
// reservation is a no-op success, so the operation is safely re-appliable.
func (service *Service) Refund(ctx context.Context, userID string, reservationID string, metadataJSON string) (core.Points, error) {
	var refunded core.Points
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		amount, err := service.RefundTx(ctx, txStore, userID, reservationID, metadataJSON)
		if err != nil {
			return err
		}
		refunded = amount
		return nil
	})
	service.logOperation(ctx, core.OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        refunded,
		Reason:        core.ReasonRefund,
		Error:         operationError,
	})
	return refunded, operationError
}

// CreditTx is the transaction-composable form of Credit. The caller supplies
// the transaction-scoped store; the account row is locked for the remainder
// of that transaction.
func (service *Service) CreditTx(ctx context.Context, txStore core.Store, userID string, amount core.Points, reason core.Reason, reservationID string, metadataJSON string) (core.Points, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit must be positive", core.ErrInvalidAmount)
	}
	account, err := txStore.GetPointsAccountForUpdate(ctx, userID)
	if err != nil {
		return 0, err
	}
	newBalance := account.Balance + amount
	now := service.nowFn()
	if err := txStore.UpdatePointsBalance(ctx, account.AccountID, newBalance, now); err != nil {
		return 0, err
	}
	if err := txStore.InsertPointsTransaction(ctx, core.PointsTransaction{
		TransactionID:  uuid.NewString(),
		UserID:         userID,
		Change:         amount,
		Reason:         reason,
		ReservationID:  reservationID,
		MetadataJSON:   normalizeMetadata(metadataJSON),
		CreatedUnixUTC: now,
	}); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// DebitTx is the transaction-composable form of Debit.
func (service *Service) DebitTx(ctx context.Context, txStore core.Store, userID string, amount core.Points, reason core.Reason, reservationID string, metadataJSON string) (core.Points, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: debit must be positive", core.ErrInvalidAmount)
	}
	account, err := txStore.GetPointsAccountForUpdate(ctx, userID)
	if err != nil {
		return 0, err
	}
	if account.Balance < amount {
		return 0, core.ErrInsufficientPoints
	}
	newBalance := account.Balance - amount
	now := service.nowFn()
	if err := txStore.UpdatePointsBalance(ctx, account.AccountID, newBalance, now); err != nil {
		return 0, err
	}
	if err := txStore.InsertPointsTransaction(ctx, core.PointsTransaction{
		TransactionID:  uuid.NewString(),
		UserID:         userID,
		Change:         -amount,
		Reason:         reason,
		ReservationID:  reservationID,
		MetadataJSON:   normalizeMetadata(metadataJSON),
		CreatedUnixUTC: now,
	}); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// RefundTx is the transaction-composable form of Refund. Returns the amount
// credited back, zero when the reservation was already refunded or never
// debited.
func (service *Service) RefundTx(ctx context.Context, txStore core.Store, userID string, reservationID string, metadataJSON string) (core.Points, error) {
	if reservationID == "" {
		return 0, fmt.Errorf("%w: refund requires a reservation id", core.ErrInvalidAmount)
	}
	refunded, err := txStore.RefundExists(ctx, reservationID)
	if err != nil {
		return 0, err
	}
	if refunded {
		return 0, nil
	}
	debited, found, err := txStore.GetReservationDebit(ctx, reservationID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	if _, err := service.CreditTx(ctx, txStore, userID, debited, core.ReasonRefund, reservationID, metadataJSON); err != nil {
		return 0, err
	}
	return debited, nil
}

// Reconcile recomputes the balance from the transaction log and reports
// whether the materialized balance matches it.
func (service *Service) Reconcile(ctx context.Context, userID string) (bool, error) {
	account, err := service.store.GetOrCreatePointsAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	sum, err := service.store.SumPointsChanges(ctx, userID)
	if err != nil {
		return false, err
	}
	if account.Balance != sum {
		return false, core.WrapError(operationBalance, "account", "drift", core.ErrInvalidBalance)
	}
	return true, nil
}

func (service *Service) logOperation(ctx context.Context, entry core.OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = core.OperationStatusError
		} else {
			entry.Status = core.OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeMetadata(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}
