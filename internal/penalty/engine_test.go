package penalty_test

import (
	"context"
	"errors"
	"testing"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/penalty"
	"github.com/smartpick/engine/internal/points"
	"github.com/smartpick/engine/internal/store/memstore"
)

type fakeClock struct {
	now int64
}

func (clock *fakeClock) Now() int64 {
	return clock.now
}

func newTestEngine(test *testing.T) (*penalty.Engine, *points.Service, *fakeClock) {
	test.Helper()
	store := memstore.New()
	clock := &fakeClock{now: 1_700_000_000}
	pointsService, err := points.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("points service: %v", err)
	}
	engine, err := penalty.NewEngine(store, pointsService, clock.Now)
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	return engine, pointsService, clock
}

func recordOffenses(test *testing.T, engine *penalty.Engine, userID string, count int) core.PenaltyRecord {
	test.Helper()
	var record core.PenaltyRecord
	var err error
	for offense := 0; offense < count; offense++ {
		record, err = engine.RecordNoShow(context.Background(), userID, "res-1", "partner-1")
		if err != nil {
			test.Fatalf("record no-show %d: %v", offense+1, err)
		}
	}
	return record
}

func TestEscalationFollowsPolicyTable(test *testing.T) {
	test.Parallel()
	cases := []struct {
		offense        int
		wantType       core.PenaltyType
		wantSuspension int64
		wantLiftable   bool
		wantCost       core.Points
		wantReview     bool
	}{
		{offense: 1, wantType: core.Penalty30Min, wantSuspension: 30 * 60},
		{offense: 2, wantType: core.Penalty1Hour, wantSuspension: 3600},
		{offense: 3, wantType: core.Penalty5Hour, wantSuspension: 5 * 3600, wantLiftable: true, wantCost: 500},
		{offense: 4, wantType: core.Penalty1Hour, wantSuspension: 3600, wantLiftable: true, wantCost: 100},
		{offense: 5, wantType: core.Penalty5Hour, wantSuspension: 5 * 3600, wantLiftable: true, wantCost: 500},
		{offense: 6, wantType: core.PenaltyPermanentReview, wantSuspension: 24 * 3600, wantLiftable: true, wantCost: 1000, wantReview: true},
		{offense: 9, wantType: core.PenaltyPermanentReview, wantSuspension: 24 * 3600, wantLiftable: true, wantCost: 1000, wantReview: true},
	}
	for _, tc := range cases {
		tc := tc
		test.Run(string(tc.wantType), func(test *testing.T) {
			test.Parallel()
			engine, _, clock := newTestEngine(test)
			record := recordOffenses(test, engine, "user-1", tc.offense)
			if record.OffenseNumber != tc.offense {
				test.Fatalf("expected offense %d, got %d", tc.offense, record.OffenseNumber)
			}
			if record.PenaltyType != tc.wantType {
				test.Fatalf("expected type %s, got %s", tc.wantType, record.PenaltyType)
			}
			if record.SuspendedUntilUnixUTC != clock.now+tc.wantSuspension {
				test.Fatalf("expected suspension until %d, got %d", clock.now+tc.wantSuspension, record.SuspendedUntilUnixUTC)
			}
			if record.CanLiftWithPoints != tc.wantLiftable || record.PointsRequired != tc.wantCost {
				test.Fatalf("unexpected lift terms: %+v", record)
			}
			if record.RequiresReview != tc.wantReview {
				test.Fatalf("expected requires_review=%v, got %v", tc.wantReview, record.RequiresReview)
			}
		})
	}
}

func TestStatusReportsActiveSuspension(test *testing.T) {
	test.Parallel()
	engine, _, _ := newTestEngine(test)
	recordOffenses(test, engine, "user-1", 1)

	standing, err := engine.Status(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if !standing.Suspended || standing.PenaltyType != core.Penalty30Min {
		test.Fatalf("expected active 30MIN suspension, got %+v", standing)
	}
}

func TestStatusClearsExpiredSuspension(test *testing.T) {
	test.Parallel()
	engine, _, clock := newTestEngine(test)
	recordOffenses(test, engine, "user-1", 1)

	clock.now += 31 * 60
	standing, err := engine.Status(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if standing.Suspended {
		test.Fatalf("expected suspension cleared, got %+v", standing)
	}
	if standing.OffenseNumber != 1 {
		test.Fatalf("offense count must survive the clear, got %d", standing.OffenseNumber)
	}
	// A second read stays clear.
	again, err := engine.Status(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("second status: %v", err)
	}
	if again.Suspended {
		test.Fatalf("expected idempotent clear, got %+v", again)
	}
}

func TestLiftDebitsExactCostAndEndsSuspension(test *testing.T) {
	test.Parallel()
	engine, pointsService, _ := newTestEngine(test)
	if _, err := pointsService.Credit(context.Background(), "user-1", 600, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("credit: %v", err)
	}
	record := recordOffenses(test, engine, "user-1", 3)

	result, err := engine.Lift(context.Background(), record.PenaltyID, "user-1")
	if err != nil {
		test.Fatalf("lift: %v", err)
	}
	if !result.Success || result.PointsPaid != 500 || result.NewBalance != 100 {
		test.Fatalf("unexpected lift result: %+v", result)
	}
	standing, err := engine.Status(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if standing.Suspended {
		test.Fatalf("expected suspension lifted, got %+v", standing)
	}
}

func TestLiftInsufficientPointsLeavesEverythingIntact(test *testing.T) {
	test.Parallel()
	engine, pointsService, _ := newTestEngine(test)
	if _, err := pointsService.Credit(context.Background(), "user-1", 100, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("credit: %v", err)
	}
	record := recordOffenses(test, engine, "user-1", 3)

	_, err := engine.Lift(context.Background(), record.PenaltyID, "user-1")
	if !errors.Is(err, core.ErrInsufficientPoints) {
		test.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	balance, err := pointsService.Balance(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected untouched balance 100, got %d", balance)
	}
	standing, err := engine.Status(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if !standing.Suspended {
		test.Fatalf("expected suspension still active, got %+v", standing)
	}
}

func TestLiftRejectsNonLiftableTier(test *testing.T) {
	test.Parallel()
	engine, _, _ := newTestEngine(test)
	record := recordOffenses(test, engine, "user-1", 1)

	_, err := engine.Lift(context.Background(), record.PenaltyID, "user-1")
	if !errors.Is(err, core.ErrPenaltyNotLiftable) {
		test.Fatalf("expected ErrPenaltyNotLiftable, got %v", err)
	}
}

func TestLiftUnknownPenalty(test *testing.T) {
	test.Parallel()
	engine, _, _ := newTestEngine(test)
	_, err := engine.Lift(context.Background(), "missing", "user-1")
	if !errors.Is(err, core.ErrPenaltyNotFound) {
		test.Fatalf("expected ErrPenaltyNotFound, got %v", err)
	}
}

func TestForgiveRequiresOwningPartner(test *testing.T) {
	test.Parallel()
	engine, _, _ := newTestEngine(test)
	record := recordOffenses(test, engine, "user-1", 2)

	if err := engine.Forgive(context.Background(), record.PenaltyID, "partner-2"); !errors.Is(err, core.ErrPenaltyNotFound) {
		test.Fatalf("expected ErrPenaltyNotFound for foreign partner, got %v", err)
	}
	if err := engine.Forgive(context.Background(), record.PenaltyID, "partner-1"); err != nil {
		test.Fatalf("forgive: %v", err)
	}
	standing, err := engine.Status(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if standing.Suspended || standing.OffenseNumber != 0 {
		test.Fatalf("expected clean slate after forgive, got %+v", standing)
	}
}

func TestResetZeroesOffenseTracking(test *testing.T) {
	test.Parallel()
	engine, _, _ := newTestEngine(test)
	recordOffenses(test, engine, "user-1", 4)

	if err := engine.Reset(context.Background(), "user-1"); err != nil {
		test.Fatalf("reset: %v", err)
	}
	record := recordOffenses(test, engine, "user-1", 1)
	if record.OffenseNumber != 1 || record.PenaltyType != core.Penalty30Min {
		test.Fatalf("expected escalation restart at tier 1, got %+v", record)
	}
}

func TestResetWithoutRecordIsNoOp(test *testing.T) {
	test.Parallel()
	engine, _, _ := newTestEngine(test)
	if err := engine.Reset(context.Background(), "never-offended"); err != nil {
		test.Fatalf("reset: %v", err)
	}
}
