package points_test

import (
	"context"
	"errors"
	"testing"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/points"
	"github.com/smartpick/engine/internal/store/memstore"
)

type fakeClock struct {
	now int64
}

func (clock *fakeClock) Now() int64 {
	return clock.now
}

func newTestService(test *testing.T) (*points.Service, *memstore.Store, *fakeClock) {
	test.Helper()
	store := memstore.New()
	clock := &fakeClock{now: 1_700_000_000}
	service, err := points.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service, store, clock
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := points.NewService(nil, func() int64 { return 0 }); !errors.Is(err, core.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := points.NewService(memstore.New(), nil); !errors.Is(err, core.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestCreditRaisesBalanceAndLogsTransaction(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test)

	balance, err := service.Credit(context.Background(), "user-1", 120, core.ReasonWelcomeBonus, "", "")
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if balance != 120 {
		test.Fatalf("expected balance 120, got %d", balance)
	}
	history, err := service.History(context.Background(), "user-1", 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(history))
	}
	if history[0].Change != 120 || history[0].Reason != core.ReasonWelcomeBonus {
		test.Fatalf("unexpected transaction: %+v", history[0])
	}
	if history[0].MetadataJSON != "{}" {
		test.Fatalf("expected default metadata, got %q", history[0].MetadataJSON)
	}
}

func TestCreditRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test)
	if _, err := service.Credit(context.Background(), "user-1", 0, core.ReasonPurchase, "", ""); !errors.Is(err, core.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDebitInsufficientLeavesNoTrace(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test)
	if _, err := service.Credit(context.Background(), "user-1", 30, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("credit: %v", err)
	}

	_, err := service.Debit(context.Background(), "user-1", 50, core.ReasonReservationHold, "res-1", "")
	if !errors.Is(err, core.ErrInsufficientPoints) {
		test.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	balance, err := service.Balance(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 30 {
		test.Fatalf("expected untouched balance 30, got %d", balance)
	}
	history, err := service.History(context.Background(), "user-1", 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("expected only the credit in the log, got %d entries", len(history))
	}
}

func TestDebitLowersBalance(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test)
	if _, err := service.Credit(context.Background(), "user-1", 100, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("credit: %v", err)
	}
	balance, err := service.Debit(context.Background(), "user-1", 25, core.ReasonReservationHold, "res-1", "")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance != 75 {
		test.Fatalf("expected balance 75, got %d", balance)
	}
}

func TestRefundIsKeyedByReservationAndIdempotent(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test)
	if _, err := service.Credit(context.Background(), "user-1", 100, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Debit(context.Background(), "user-1", 40, core.ReasonReservationHold, "res-1", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}

	refunded, err := service.Refund(context.Background(), "user-1", "res-1", "")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refunded != 40 {
		test.Fatalf("expected refund of 40, got %d", refunded)
	}
	again, err := service.Refund(context.Background(), "user-1", "res-1", "")
	if err != nil {
		test.Fatalf("second refund: %v", err)
	}
	if again != 0 {
		test.Fatalf("expected second refund to be a no-op, got %d", again)
	}
	balance, err := service.Balance(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected balance restored to 100, got %d", balance)
	}
}

func TestRefundWithoutDebitIsNoOp(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test)
	refunded, err := service.Refund(context.Background(), "user-1", "res-unknown", "")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refunded != 0 {
		test.Fatalf("expected no refund, got %d", refunded)
	}
}

func TestReconcileMatchesBalanceToLog(test *testing.T) {
	test.Parallel()
	service, store, _ := newTestService(test)
	if _, err := service.Credit(context.Background(), "user-1", 100, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Debit(context.Background(), "user-1", 60, core.ReasonReservationHold, "res-1", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}

	ok, err := service.Reconcile(context.Background(), "user-1")
	if err != nil || !ok {
		test.Fatalf("expected clean reconcile, got ok=%v err=%v", ok, err)
	}

	// Inject drift behind the service's back.
	account, err := store.GetOrCreatePointsAccount(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	if err := store.UpdatePointsBalance(context.Background(), account.AccountID, account.Balance+1, 0); err != nil {
		test.Fatalf("update balance: %v", err)
	}
	if _, err := service.Reconcile(context.Background(), "user-1"); !errors.Is(err, core.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}
