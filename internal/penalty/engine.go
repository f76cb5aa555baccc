package penalty

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/points"
)

const (
	operationNoShow  = "record_no_show"
	operationLift    = "lift"
	operationForgive = "forgive"
	operationReset   = "reset"
)

// Status is the read view of a user's penalty state. Expired suspensions
// read as not suspended; the read path clears them.
type Status struct {
	Suspended             bool
	PenaltyID             string
	OffenseNumber         int
	PenaltyType           core.PenaltyType
	SuspendedUntilUnixUTC int64
	CanLiftWithPoints     bool
	PointsRequired        core.Points
	RequiresReview        bool
}

// Engine runs the per-user offense state machine.
type Engine struct {
	store  core.Store
	points *points.Service
	nowFn  func() int64
	logger core.OperationLogger
}

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger core.OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// NewEngine wires an Engine. The points service is needed for the paid lift
// path.
func NewEngine(store core.Store, pointsService *points.Service, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", core.ErrInvalidServiceConfig)
	}
	if pointsService == nil {
		return nil, fmt.Errorf("%w: points dependency is nil", core.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", core.ErrInvalidServiceConfig)
	}
	engine := &Engine{store: store, points: pointsService, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// RecordNoShow registers a confirmed missed pickup, bumping the offense
// number and recomputing the sanction from the policy table.
func (engine *Engine) RecordNoShow(ctx context.Context, userID, reservationID, partnerID string) (core.PenaltyRecord, error) {
	var record core.PenaltyRecord
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		updated, err := engine.RecordNoShowTx(ctx, txStore, userID, reservationID, partnerID)
		if err != nil {
			return err
		}
		record = updated
		return nil
	})
	engine.logOperation(ctx, core.OperationLog{
		Operation:     operationNoShow,
		UserID:        userID,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return record, operationError
}

// RecordNoShowTx is the transaction-composable form of RecordNoShow, used by
// the reservation expiry sweep so the offense lands in the same commit as
// the EXPIRED transition.
func (engine *Engine) RecordNoShowTx(ctx context.Context, txStore core.Store, userID, reservationID, partnerID string) (core.PenaltyRecord, error) {
	now := engine.nowFn()
	record, found, err := txStore.GetPenaltyForUpdate(ctx, userID)
	if err != nil {
		return core.PenaltyRecord{}, err
	}
	if !found {
		record = core.PenaltyRecord{
			PenaltyID:      uuid.NewString(),
			UserID:         userID,
			CreatedUnixUTC: now,
		}
	}
	record.OffenseNumber++
	tier := TierFor(record.OffenseNumber)
	record.ReservationID = reservationID
	record.PartnerID = partnerID
	record.PenaltyType = tier.Type
	record.SuspendedUntilUnixUTC = now + int64(tier.Suspension.Seconds())
	record.CanLiftWithPoints = tier.CanLift
	record.PointsRequired = tier.LiftCost
	record.RequiresReview = tier.RequiresReview
	record.IsActive = true
	record.LiftedWithPoints = false
	record.UpdatedUnixUTC = now
	if err := txStore.UpsertPenalty(ctx, record); err != nil {
		return core.PenaltyRecord{}, err
	}
	return record, nil
}

// Status reads the user's penalty state. A suspension whose deadline has
// passed reads as clear; the expired record is deactivated on the way out,
// idempotently if two readers race.
func (engine *Engine) Status(ctx context.Context, userID string) (Status, error) {
	record, found, err := engine.store.GetPenalty(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if !found || !record.IsActive {
		return Status{OffenseNumber: record.OffenseNumber, PenaltyType: core.PenaltyNone}, nil
	}
	now := engine.nowFn()
	if record.SuspendedUntilUnixUTC != 0 && record.SuspendedUntilUnixUTC <= now {
		if err := engine.clearExpired(ctx, userID, now); err != nil {
			return Status{}, err
		}
		return Status{OffenseNumber: record.OffenseNumber, PenaltyType: core.PenaltyNone}, nil
	}
	return Status{
		Suspended:             true,
		PenaltyID:             record.PenaltyID,
		OffenseNumber:         record.OffenseNumber,
		PenaltyType:           record.PenaltyType,
		SuspendedUntilUnixUTC: record.SuspendedUntilUnixUTC,
		CanLiftWithPoints:     record.CanLiftWithPoints,
		PointsRequired:        record.PointsRequired,
		RequiresReview:        record.RequiresReview,
	}, nil
}

// LiftResult reports the outcome of a paid lift.
type LiftResult struct {
	Success    bool
	PointsPaid core.Points
	NewBalance core.Points
}

// Lift ends an active suspension early by debiting the tier's point cost.
// Balance check and debit run in the same transaction as the record update:
// an insufficient balance leaves both the balance and the suspension
// untouched.
func (engine *Engine) Lift(ctx context.Context, penaltyID, userID string) (LiftResult, error) {
	var result LiftResult
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		record, found, err := txStore.GetPenaltyForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !found || record.PenaltyID != penaltyID {
			return core.ErrPenaltyNotFound
		}
		now := engine.nowFn()
		if !record.IsActive || record.SuspendedUntilUnixUTC == 0 || record.SuspendedUntilUnixUTC <= now {
			return core.ErrNoActivePenalty
		}
		if !record.CanLiftWithPoints || record.LiftedWithPoints {
			return core.ErrPenaltyNotLiftable
		}
		newBalance, err := engine.points.DebitTx(ctx, txStore, userID, record.PointsRequired, core.ReasonPenaltyLift, record.ReservationID, "{}")
		if err != nil {
			return err
		}
		record.SuspendedUntilUnixUTC = 0
		record.IsActive = false
		record.LiftedWithPoints = true
		record.UpdatedUnixUTC = now
		if err := txStore.UpsertPenalty(ctx, record); err != nil {
			return err
		}
		result = LiftResult{Success: true, PointsPaid: record.PointsRequired, NewBalance: newBalance}
		return nil
	})
	engine.logOperation(ctx, core.OperationLog{
		Operation: operationLift,
		UserID:    userID,
		Amount:    result.PointsPaid,
		Reason:    core.ReasonPenaltyLift,
		Error:     operationError,
	})
	return result, operationError
}

// Forgive is the partner's pardon: it clears the suspension and resets
// offense tracking, same as a successful pickup.
func (engine *Engine) Forgive(ctx context.Context, penaltyID, partnerID string) error {
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		record, found, err := txStore.GetPenaltyByID(ctx, penaltyID)
		if err != nil {
			return err
		}
		if !found {
			return core.ErrPenaltyNotFound
		}
		if record.PartnerID != partnerID {
			return core.ErrPenaltyNotFound
		}
		return engine.ResetTx(ctx, txStore, record.UserID)
	})
	engine.logOperation(ctx, core.OperationLog{
		Operation: operationForgive,
		UserID:    partnerID,
		Error:     operationError,
	})
	return operationError
}

// Reset clears offense tracking to zero. Called on successful pickup and by
// admin unban.
func (engine *Engine) Reset(ctx context.Context, userID string) error {
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		return engine.ResetTx(ctx, txStore, userID)
	})
	engine.logOperation(ctx, core.OperationLog{
		Operation: operationReset,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// ResetTx is the transaction-composable form of Reset. Resetting a user with
// no penalty record is a no-op.
func (engine *Engine) ResetTx(ctx context.Context, txStore core.Store, userID string) error {
	record, found, err := txStore.GetPenaltyForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	record.OffenseNumber = 0
	record.PenaltyType = core.PenaltyNone
	record.SuspendedUntilUnixUTC = 0
	record.CanLiftWithPoints = false
	record.PointsRequired = 0
	record.RequiresReview = false
	record.IsActive = false
	record.LiftedWithPoints = false
	record.UpdatedUnixUTC = engine.nowFn()
	return txStore.UpsertPenalty(ctx, record)
}

// clearExpired deactivates a suspension whose deadline has passed. The
// status CAS lives in the record itself: re-reading under lock makes a
// racing second clear a no-op.
func (engine *Engine) clearExpired(ctx context.Context, userID string, now int64) error {
	return engine.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		record, found, err := txStore.GetPenaltyForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !found || !record.IsActive {
			return nil
		}
		if record.SuspendedUntilUnixUTC == 0 || record.SuspendedUntilUnixUTC > now {
			return nil
		}
		record.IsActive = false
		record.SuspendedUntilUnixUTC = 0
		record.UpdatedUnixUTC = now
		return txStore.UpsertPenalty(ctx, record)
	})
}

func (engine *Engine) logOperation(ctx context.Context, entry core.OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = core.OperationStatusError
		} else {
			entry.Status = core.OperationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}
