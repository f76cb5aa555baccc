package reservation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/penalty"
	"github.com/smartpick/engine/internal/points"
	"github.com/smartpick/engine/internal/ratelimit"
)

const (
	operationCreate  = "create_reservation"
	operationRedeem  = "redeem"
	operationCancel  = "cancel_reservation"
	operationExpire  = "expire_sweep"
	operationCleanup = "history_cleanup"
)

// RateLimiter is the optional admission gate in front of Create.
type RateLimiter interface {
	Check(ctx context.Context, action, identifier string) ratelimit.Result
}

// Notifier receives best-effort signals. Implementations must not block;
// failures are ignored.
type Notifier interface {
	LowStock(ctx context.Context, offer core.Offer)
	SoldOut(ctx context.Context, offer core.Offer)
}

// CodeGenerator produces pickup codes. Replaceable in tests to force
// collisions.
type CodeGenerator func(nowUnixUTC int64) (string, error)

// Service drives the reservation lifecycle: creation with its paired
// inventory and points movements, QR redemption, cancellation, and the expiry
// sweep that feeds the penalty engine.
type Service struct {
	store     core.Store
	points    *points.Service
	penalties *penalty.Engine
	nowFn     func() int64
	logger    core.OperationLogger
	limiter   RateLimiter
	notifier  Notifier
	generate  CodeGenerator
	sleepFn   func(time.Duration)
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger core.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRateLimiter gates Create behind the reservation action limit.
func WithRateLimiter(limiter RateLimiter) ServiceOption {
	return func(service *Service) {
		service.limiter = limiter
	}
}

// WithNotifier wires best-effort stock signals.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithCodeGenerator overrides pickup code generation.
func WithCodeGenerator(generate CodeGenerator) ServiceOption {
	return func(service *Service) {
		service.generate = generate
	}
}

// NewService wires a Service.
func NewService(store core.Store, pointsService *points.Service, penaltyEngine *penalty.Engine, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", core.ErrInvalidServiceConfig)
	}
	if pointsService == nil {
		return nil, fmt.Errorf("%w: points dependency is nil", core.ErrInvalidServiceConfig)
	}
	if penaltyEngine == nil {
		return nil, fmt.Errorf("%w: penalty dependency is nil", core.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", core.ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		points:    pointsService,
		penalties: penaltyEngine,
		nowFn:     now,
		generate:  GenerateCode,
		sleepFn:   time.Sleep,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Create places a hold on quantity units of an offer. The inventory
// decrement, the points debit and the reservation insert commit together or
// not at all. Preconditions run first, outside the transaction; every
// precondition is re-checked on the locked offer row inside it.
func (service *Service) Create(ctx context.Context, customerID, offerID string, quantity int) (core.Reservation, error) {
	reservation, err := service.create(ctx, customerID, offerID, quantity)
	service.logOperation(ctx, core.OperationLog{
		Operation:     operationCreate,
		UserID:        customerID,
		OfferID:       offerID,
		ReservationID: reservation.ReservationID,
		Amount:        reservation.TotalPoints,
		Reason:        core.ReasonReservationHold,
		Error:         err,
	})
	return reservation, err
}

func (service *Service) create(ctx context.Context, customerID, offerID string, quantity int) (core.Reservation, error) {
	if customerID == "" {
		return core.Reservation{}, fmt.Errorf("%w: customer id is empty", core.ErrInvalidUserID)
	}
	if quantity < 1 {
		return core.Reservation{}, fmt.Errorf("%w: quantity %d", core.ErrInvalidQuantity, quantity)
	}
	if service.limiter != nil {
		if verdict := service.limiter.Check(ctx, ratelimit.ActionReservation, customerID); !verdict.Allowed {
			return core.Reservation{}, fmt.Errorf("%w: retry after %ds", core.ErrRateLimited, verdict.RetryAfterSecs)
		}
	}
	user, err := service.store.GetOrCreateUser(ctx, customerID)
	if err != nil {
		return core.Reservation{}, err
	}
	if user.Status == core.UserStatusBanned {
		return core.Reservation{}, core.ErrBannedAccount
	}
	if quantity > user.MaxReservationQuantity {
		return core.Reservation{}, fmt.Errorf("%w: quantity %d exceeds per-user cap %d", core.ErrInvalidQuantity, quantity, user.MaxReservationQuantity)
	}
	standing, err := service.penalties.Status(ctx, customerID)
	if err != nil {
		return core.Reservation{}, err
	}
	if standing.Suspended {
		return core.Reservation{}, fmt.Errorf("%w: suspended until %d", core.ErrUnderPenalty, standing.SuspendedUntilUnixUTC)
	}
	now := service.nowFn()
	active, err := service.store.CountActiveReservations(ctx, customerID, now)
	if err != nil {
		return core.Reservation{}, err
	}
	if active >= core.MaxActiveReservations {
		return core.Reservation{}, core.ErrPendingActiveReservation
	}
	offer, err := service.store.GetOffer(ctx, offerID)
	if err != nil {
		return core.Reservation{}, err
	}
	if err := checkOfferOpen(offer, now); err != nil {
		return core.Reservation{}, err
	}

	// A fresh code per attempt: a uniqueness collision aborts the whole
	// transaction, so the decrement and debit are retried from scratch.
	var reservation core.Reservation
	for attempt := 0; attempt < core.QRCollisionAttempts; attempt++ {
		code, err := service.generate(service.nowFn())
		if err != nil {
			return core.Reservation{}, err
		}
		reservation, err = service.createWithCode(ctx, customerID, offerID, quantity, code)
		if err == nil {
			return reservation, nil
		}
		if !errors.Is(err, core.ErrDuplicateCode) {
			return core.Reservation{}, err
		}
		service.sleepFn(time.Duration(10+rand.Intn(40)) * time.Millisecond)
	}
	return core.Reservation{}, core.WrapError(operationCreate, offerID, "code_collision", core.ErrDuplicateCode)
}

func (service *Service) createWithCode(ctx context.Context, customerID, offerID string, quantity int, code string) (core.Reservation, error) {
	var reservation core.Reservation
	var lowStock, soldOut core.Offer
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		now := service.nowFn()
		offer, err := txStore.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if err := checkOfferOpen(offer, now); err != nil {
			return err
		}
		if offer.QuantityAvailable < quantity {
			return fmt.Errorf("%w: %d available, %d requested", core.ErrInsufficientQuantity, offer.QuantityAvailable, quantity)
		}
		remaining := offer.QuantityAvailable - quantity
		status := offer.Status
		if remaining == 0 {
			status = core.OfferStatusSoldOut
		}
		if err := txStore.UpdateOfferQuantity(ctx, offerID, remaining, status); err != nil {
			return err
		}
		pending := core.Reservation{
			ReservationID:    uuid.NewString(),
			OfferID:          offerID,
			CustomerID:       customerID,
			PartnerID:        offer.PartnerID,
			Quantity:         quantity,
			QRCode:           code,
			TotalPoints:      core.Points(quantity) * core.PointsPerUnit,
			Status:           core.ReservationStatusActive,
			ExpiresAtUnixUTC: now + core.ReservationHoldMinutes*60,
			CreatedUnixUTC:   now,
		}
		if _, err := service.points.DebitTx(ctx, txStore, customerID, pending.TotalPoints, core.ReasonReservationHold, pending.ReservationID, "{}"); err != nil {
			return err
		}
		if err := txStore.InsertReservation(ctx, pending); err != nil {
			return err
		}
		reservation = pending
		offer.QuantityAvailable = remaining
		offer.Status = status
		if remaining == 0 {
			soldOut = offer
		} else if remaining <= core.LowStockThreshold {
			lowStock = offer
		}
		return nil
	})
	if err != nil {
		return core.Reservation{}, err
	}
	// Notifications fire only after commit.
	if service.notifier != nil {
		if soldOut.OfferID != "" {
			service.notifier.SoldOut(ctx, soldOut)
		}
		if lowStock.OfferID != "" {
			service.notifier.LowStock(ctx, lowStock)
		}
	}
	return reservation, nil
}

// RedeemResult is returned to the partner's scanner on success.
type RedeemResult struct {
	Reservation       core.Reservation
	PartnerNewBalance core.Points
}

// Redeem validates a scanned code and flips the reservation to PICKED_UP. A
// code redeems exactly once: the status transition is a compare-and-set on
// the locked row. A successful pickup also credits the partner's reward and
// wipes the customer's offense history.
func (service *Service) Redeem(ctx context.Context, partnerID, rawCode string) (RedeemResult, error) {
	var result RedeemResult
	operationError := service.redeem(ctx, partnerID, rawCode, &result)
	service.logOperation(ctx, core.OperationLog{
		Operation:     operationRedeem,
		UserID:        partnerID,
		ReservationID: result.Reservation.ReservationID,
		Reason:        core.ReasonPickupReward,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) redeem(ctx context.Context, partnerID, rawCode string, result *RedeemResult) error {
	if err := ValidateCodeFormat(rawCode); err != nil {
		return err
	}
	code := NormalizeCode(rawCode)
	return service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		reservation, err := txStore.GetReservationByCodeForUpdate(ctx, code)
		if err != nil {
			if errors.Is(err, core.ErrReservationNotFound) {
				return core.ErrCodeNotFound
			}
			return err
		}
		if partnerID != "" && reservation.PartnerID != partnerID {
			return core.ErrCodeNotFound
		}
		now := service.nowFn()
		switch {
		case reservation.Status == core.ReservationStatusPickedUp:
			return core.ErrAlreadyRedeemed
		case reservation.Status != core.ReservationStatusActive:
			return core.ErrReservationClosed
		case reservation.ExpiresAtUnixUTC <= now:
			return core.ErrReservationExpired
		}
		if err := txStore.UpdateReservationStatus(ctx, reservation.ReservationID, core.ReservationStatusActive, core.ReservationStatusPickedUp, now); err != nil {
			return err
		}
		reward := reservation.TotalPoints
		partnerBalance, err := service.points.CreditTx(ctx, txStore, reservation.PartnerID, reward, core.ReasonPickupReward, reservation.ReservationID, "{}")
		if err != nil {
			return err
		}
		if err := service.penalties.ResetTx(ctx, txStore, reservation.CustomerID); err != nil {
			return err
		}
		reservation.Status = core.ReservationStatusPickedUp
		reservation.PickedUpAtUnixUTC = now
		result.Reservation = reservation
		result.PartnerNewBalance = partnerBalance
		return nil
	})
}

// Cancel voluntarily releases an ACTIVE reservation: units return to the
// offer, the hold is refunded, no offense is recorded. Only the reservation's
// own customer may cancel it.
func (service *Service) Cancel(ctx context.Context, customerID, reservationID string) (core.Reservation, error) {
	var cancelled core.Reservation
	var refunded core.Points
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.CustomerID != customerID {
			return core.ErrReservationNotFound
		}
		if reservation.Status != core.ReservationStatusActive {
			return core.ErrReservationClosed
		}
		// A hold already past its deadline is a no-show for the sweep to
		// record, not a cancellation.
		if reservation.ExpiresAtUnixUTC <= service.nowFn() {
			return core.ErrReservationExpired
		}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, core.ReservationStatusActive, core.ReservationStatusCancelled, 0); err != nil {
			return err
		}
		if err := service.restockTx(ctx, txStore, reservation.OfferID, reservation.Quantity); err != nil {
			return err
		}
		amount, err := service.points.RefundTx(ctx, txStore, customerID, reservationID, "{}")
		if err != nil {
			return err
		}
		refunded = amount
		reservation.Status = core.ReservationStatusCancelled
		cancelled = reservation
		return nil
	})
	service.logOperation(ctx, core.OperationLog{
		Operation:     operationCancel,
		UserID:        customerID,
		OfferID:       cancelled.OfferID,
		ReservationID: reservationID,
		Amount:        refunded,
		Reason:        core.ReasonRefund,
		Error:         operationError,
	})
	return cancelled, operationError
}

// ExpireReport summarizes one expiry sweep.
type ExpireReport struct {
	Scanned  int
	Expired  int
	Failures int
}

// ExpireDue transitions past-deadline ACTIVE reservations to EXPIRED, returns
// their units to the offer, and records one offense per reservation. Each
// reservation is its own transaction with a re-check under lock, so a
// concurrent redeem or cancel wins cleanly and the sweep moves on.
func (service *Service) ExpireDue(ctx context.Context, limit int) (ExpireReport, error) {
	now := service.nowFn()
	due, err := service.store.ListExpiredActiveReservations(ctx, now, limit)
	if err != nil {
		return ExpireReport{}, err
	}
	report := ExpireReport{Scanned: len(due)}
	for _, candidate := range due {
		expired, err := service.expireOne(ctx, candidate.ReservationID)
		if err != nil {
			report.Failures++
			service.logOperation(ctx, core.OperationLog{
				Operation:     operationExpire,
				ReservationID: candidate.ReservationID,
				Error:         err,
			})
			continue
		}
		if expired {
			report.Expired++
		}
	}
	service.logOperation(ctx, core.OperationLog{Operation: operationExpire})
	return report, nil
}

func (service *Service) expireOne(ctx context.Context, reservationID string) (bool, error) {
	expired := false
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore core.Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if reservation.Status != core.ReservationStatusActive || reservation.ExpiresAtUnixUTC > now {
			return nil
		}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, core.ReservationStatusActive, core.ReservationStatusExpired, 0); err != nil {
			return err
		}
		if err := service.restockTx(ctx, txStore, reservation.OfferID, reservation.Quantity); err != nil {
			return err
		}
		if _, err := service.penalties.RecordNoShowTx(ctx, txStore, reservation.CustomerID, reservationID, reservation.PartnerID); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// Get returns one reservation, restricted to its customer.
func (service *Service) Get(ctx context.Context, customerID, reservationID string) (core.Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return core.Reservation{}, err
	}
	if reservation.CustomerID != customerID {
		return core.Reservation{}, core.ErrReservationNotFound
	}
	return reservation, nil
}

// List returns the customer's reservations, newest first.
func (service *Service) List(ctx context.Context, customerID string, limit int) ([]core.Reservation, error) {
	return service.store.ListCustomerReservations(ctx, customerID, limit)
}

// ClearHistory deletes the customer's terminal reservations on request,
// regardless of age. ACTIVE reservations are never deleted.
func (service *Service) ClearHistory(ctx context.Context, customerID string) (int64, error) {
	deleted, err := service.store.DeleteReservationHistory(ctx, customerID, service.nowFn()+1)
	service.logOperation(ctx, core.OperationLog{
		Operation: operationCleanup,
		UserID:    customerID,
		Error:     err,
	})
	return deleted, err
}

// CleanupHistory is the retention sweep: terminal reservations older than the
// retention period are deleted for all customers.
func (service *Service) CleanupHistory(ctx context.Context) (int64, error) {
	cutoff := service.nowFn() - int64(core.HistoryRetentionDays)*24*3600
	deleted, err := service.store.DeleteReservationHistory(ctx, "", cutoff)
	service.logOperation(ctx, core.OperationLog{
		Operation: operationCleanup,
		Error:     err,
	})
	return deleted, err
}

func (service *Service) restockTx(ctx context.Context, txStore core.Store, offerID string, quantity int) error {
	offer, err := txStore.GetOfferForUpdate(ctx, offerID)
	if err != nil {
		return err
	}
	restocked := offer.QuantityAvailable + quantity
	status := offer.Status
	if status == core.OfferStatusSoldOut && restocked > 0 {
		status = core.OfferStatusActive
	}
	return txStore.UpdateOfferQuantity(ctx, offerID, restocked, status)
}

func checkOfferOpen(offer core.Offer, nowUnixUTC int64) error {
	switch offer.Status {
	case core.OfferStatusActive:
	case core.OfferStatusSoldOut:
		return fmt.Errorf("%w: sold out", core.ErrInsufficientQuantity)
	default:
		return core.ErrOfferNotActive
	}
	if nowUnixUTC < offer.PickupStartUnixUTC {
		return fmt.Errorf("%w: pickup window opens at %d", core.ErrOfferNotActive, offer.PickupStartUnixUTC)
	}
	if offer.PickupEndUnixUTC <= nowUnixUTC {
		return core.ErrOfferExpired
	}
	return nil
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
