package reservation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/penalty"
	"github.com/smartpick/engine/internal/points"
	"github.com/smartpick/engine/internal/ratelimit"
	"github.com/smartpick/engine/internal/reservation"
	"github.com/smartpick/engine/internal/store/memstore"
)

type fakeClock struct {
	now int64
}

func (clock *fakeClock) Now() int64 {
	return clock.now
}

type fixture struct {
	store     *memstore.Store
	clock     *fakeClock
	points    *points.Service
	penalties *penalty.Engine
	service   *reservation.Service
}

func newFixture(test *testing.T, options ...reservation.ServiceOption) *fixture {
	test.Helper()
	store := memstore.New()
	clock := &fakeClock{now: 1_700_000_000}
	pointsService, err := points.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("points service: %v", err)
	}
	penaltyEngine, err := penalty.NewEngine(store, pointsService, clock.Now)
	if err != nil {
		test.Fatalf("penalty engine: %v", err)
	}
	service, err := reservation.NewService(store, pointsService, penaltyEngine, clock.Now, options...)
	if err != nil {
		test.Fatalf("reservation service: %v", err)
	}
	return &fixture{
		store:     store,
		clock:     clock,
		points:    pointsService,
		penalties: penaltyEngine,
		service:   service,
	}
}

func (fx *fixture) seedOffer(test *testing.T, quantity int) string {
	test.Helper()
	offerID := uuid.NewString()
	err := fx.store.InsertOffer(context.Background(), core.Offer{
		OfferID:            offerID,
		PartnerID:          "partner-1",
		Title:              "surprise bag",
		QuantityTotal:      quantity,
		QuantityAvailable:  quantity,
		PriceOriginalCents: 1200,
		PriceSmartCents:    400,
		PickupStartUnixUTC: fx.clock.now,
		PickupEndUnixUTC:   fx.clock.now + 4*3600,
		Status:             core.OfferStatusActive,
		CreatedUnixUTC:     fx.clock.now,
	})
	if err != nil {
		test.Fatalf("seed offer: %v", err)
	}
	return offerID
}

func (fx *fixture) fund(test *testing.T, userID string, amount core.Points) {
	test.Helper()
	if _, err := fx.points.Credit(context.Background(), userID, amount, core.ReasonPurchase, "", ""); err != nil {
		test.Fatalf("fund %s: %v", userID, err)
	}
}

func TestCreateHoldsInventoryAndPoints(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)

	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 2)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if created.TotalPoints != 10 {
		test.Fatalf("expected 10 point hold for 2 units, got %d", created.TotalPoints)
	}
	if created.Status != core.ReservationStatusActive {
		test.Fatalf("expected ACTIVE, got %s", created.Status)
	}
	if created.ExpiresAtUnixUTC != fx.clock.now+3600 {
		test.Fatalf("expected 60 minute hold, got expiry %d", created.ExpiresAtUnixUTC)
	}
	if err := reservation.ValidateCodeFormat(created.QRCode); err != nil {
		test.Fatalf("generated code failed validation: %v", err)
	}

	offer, err := fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if offer.QuantityAvailable != 3 {
		test.Fatalf("expected quantity 3 after hold, got %d", offer.QuantityAvailable)
	}
	balance, err := fx.points.Balance(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 40 {
		test.Fatalf("expected balance 40 after hold, got %d", balance)
	}
}

func TestCreatePreconditionFailures(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		prepare func(test *testing.T, fx *fixture, offerID string)
		user    string
		qty     int
		wantErr error
	}{
		{
			name:    "zero quantity",
			prepare: func(*testing.T, *fixture, string) {},
			user:    "customer-1", qty: 0, wantErr: core.ErrInvalidQuantity,
		},
		{
			name: "over per-user cap",
			prepare: func(test *testing.T, fx *fixture, offerID string) {
				fx.fund(test, "customer-1", 100)
			},
			user: "customer-1", qty: 4, wantErr: core.ErrInvalidQuantity,
		},
		{
			name: "banned account",
			prepare: func(test *testing.T, fx *fixture, offerID string) {
				if _, err := fx.store.GetOrCreateUser(context.Background(), "customer-1"); err != nil {
					test.Fatalf("user: %v", err)
				}
				if err := fx.store.SetUserStatus(context.Background(), "customer-1", core.UserStatusBanned); err != nil {
					test.Fatalf("ban: %v", err)
				}
			},
			user: "customer-1", qty: 1, wantErr: core.ErrBannedAccount,
		},
		{
			name: "under penalty",
			prepare: func(test *testing.T, fx *fixture, offerID string) {
				if _, err := fx.penalties.RecordNoShow(context.Background(), "customer-1", "res-x", "partner-1"); err != nil {
					test.Fatalf("no-show: %v", err)
				}
			},
			user: "customer-1", qty: 1, wantErr: core.ErrUnderPenalty,
		},
		{
			name: "pending active reservation",
			prepare: func(test *testing.T, fx *fixture, offerID string) {
				fx.fund(test, "customer-1", 100)
				if _, err := fx.service.Create(context.Background(), "customer-1", offerID, 1); err != nil {
					test.Fatalf("first create: %v", err)
				}
			},
			user: "customer-1", qty: 1, wantErr: core.ErrPendingActiveReservation,
		},
		{
			name: "insufficient points",
			prepare: func(test *testing.T, fx *fixture, offerID string) {
				fx.fund(test, "customer-1", 4)
			},
			user: "customer-1", qty: 1, wantErr: core.ErrInsufficientPoints,
		},
	}
	for _, tc := range cases {
		tc := tc
		test.Run(tc.name, func(test *testing.T) {
			test.Parallel()
			fx := newFixture(test)
			offerID := fx.seedOffer(test, 5)
			tc.prepare(test, fx, offerID)
			_, err := fx.service.Create(context.Background(), tc.user, offerID, tc.qty)
			if !errors.Is(err, tc.wantErr) {
				test.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateRejectsClosedOrExpiredOffer(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	fx.fund(test, "customer-1", 100)

	offerID := fx.seedOffer(test, 5)
	offer, err := fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if err := fx.store.UpdateOfferQuantity(context.Background(), offerID, offer.QuantityAvailable, core.OfferStatusPaused); err != nil {
		test.Fatalf("pause: %v", err)
	}
	if _, err := fx.service.Create(context.Background(), "customer-1", offerID, 1); !errors.Is(err, core.ErrOfferNotActive) {
		test.Fatalf("expected ErrOfferNotActive, got %v", err)
	}

	expiredID := fx.seedOffer(test, 5)
	fx.clock.now += 5 * 3600
	if _, err := fx.service.Create(context.Background(), "customer-1", expiredID, 1); !errors.Is(err, core.ErrOfferExpired) {
		test.Fatalf("expected ErrOfferExpired, got %v", err)
	}
}

func TestCreateRejectsOfferBeforePickupWindowOpens(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	fx.fund(test, "customer-1", 100)

	offerID := uuid.NewString()
	err := fx.store.InsertOffer(context.Background(), core.Offer{
		OfferID:            offerID,
		PartnerID:          "partner-1",
		Title:              "evening bag",
		QuantityTotal:      5,
		QuantityAvailable:  5,
		PickupStartUnixUTC: fx.clock.now + 2*3600,
		PickupEndUnixUTC:   fx.clock.now + 6*3600,
		Status:             core.OfferStatusActive,
		CreatedUnixUTC:     fx.clock.now,
	})
	if err != nil {
		test.Fatalf("seed offer: %v", err)
	}

	// A 60 minute hold taken now would lapse before pickup is possible.
	if _, err := fx.service.Create(context.Background(), "customer-1", offerID, 1); !errors.Is(err, core.ErrOfferNotActive) {
		test.Fatalf("expected ErrOfferNotActive before window opens, got %v", err)
	}
	balance, err := fx.points.Balance(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		test.Fatalf("rejected create must not debit, got balance %d", balance)
	}
	offer, err := fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if offer.QuantityAvailable != 5 {
		test.Fatalf("rejected create must not hold inventory, got %d", offer.QuantityAvailable)
	}

	fx.clock.now += 2 * 3600
	if _, err := fx.service.Create(context.Background(), "customer-1", offerID, 1); err != nil {
		test.Fatalf("create inside window: %v", err)
	}
}

func TestCreateFailureRollsBackAtomically(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 4)

	_, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if !errors.Is(err, core.ErrInsufficientPoints) {
		test.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	offer, err := fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if offer.QuantityAvailable != 5 {
		test.Fatalf("inventory decrement must roll back, got %d", offer.QuantityAvailable)
	}
}

func TestConcurrentCreatesForLastUnit(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 1)
	fx.fund(test, "customer-a", 50)
	fx.fund(test, "customer-b", 50)

	var wait sync.WaitGroup
	outcomes := make([]error, 2)
	for index, customer := range []string{"customer-a", "customer-b"} {
		index, customer := index, customer
		wait.Add(1)
		go func() {
			defer wait.Done()
			_, outcomes[index] = fx.service.Create(context.Background(), customer, offerID, 1)
		}()
	}
	wait.Wait()

	successes, conflicts := 0, 0
	for _, outcome := range outcomes {
		switch {
		case outcome == nil:
			successes++
		case errors.Is(outcome, core.ErrInsufficientQuantity):
			conflicts++
		default:
			test.Fatalf("unexpected outcome: %v", outcome)
		}
	}
	if successes != 1 || conflicts != 1 {
		test.Fatalf("expected exactly one winner, got %d successes %d conflicts", successes, conflicts)
	}
}

func TestCreateLastUnitMarksSoldOut(test *testing.T) {
	test.Parallel()
	notifier := &recordingNotifier{}
	fx := newFixture(test, reservation.WithNotifier(notifier))
	offerID := fx.seedOffer(test, 2)
	fx.fund(test, "customer-1", 50)

	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 2)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	offer, err := fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if offer.Status != core.OfferStatusSoldOut {
		test.Fatalf("expected SOLD_OUT, got %s", offer.Status)
	}
	if notifier.soldOut != 1 {
		test.Fatalf("expected one sold-out signal, got %d", notifier.soldOut)
	}

	if _, err := fx.service.Cancel(context.Background(), "customer-1", created.ReservationID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	offer, err = fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if offer.Status != core.OfferStatusActive || offer.QuantityAvailable != 2 {
		test.Fatalf("expected restock back to ACTIVE/2, got %s/%d", offer.Status, offer.QuantityAvailable)
	}
}

func TestCreateRetriesOnCodeCollision(test *testing.T) {
	test.Parallel()
	codes := []string{"SP-CLOCK-1111111111111111", "SP-CLOCK-1111111111111111", "SP-CLOCK-2222222222222222"}
	calls := 0
	generator := func(int64) (string, error) {
		code := codes[calls%len(codes)]
		calls++
		return code, nil
	}
	fx := newFixture(test, reservation.WithCodeGenerator(generator))
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-a", 50)
	fx.fund(test, "customer-b", 50)

	if _, err := fx.service.Create(context.Background(), "customer-a", offerID, 1); err != nil {
		test.Fatalf("first create: %v", err)
	}
	created, err := fx.service.Create(context.Background(), "customer-b", offerID, 1)
	if err != nil {
		test.Fatalf("second create should survive one collision: %v", err)
	}
	if created.QRCode != "SP-CLOCK-2222222222222222" {
		test.Fatalf("expected retried code, got %s", created.QRCode)
	}
	if calls != 3 {
		test.Fatalf("expected 3 generator calls, got %d", calls)
	}
}

func TestCreateGivesUpAfterRepeatedCollisions(test *testing.T) {
	test.Parallel()
	generator := func(int64) (string, error) {
		return "SP-CLOCK-1111111111111111", nil
	}
	fx := newFixture(test, reservation.WithCodeGenerator(generator))
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-a", 50)
	fx.fund(test, "customer-b", 50)

	if _, err := fx.service.Create(context.Background(), "customer-a", offerID, 1); err != nil {
		test.Fatalf("first create: %v", err)
	}
	_, err := fx.service.Create(context.Background(), "customer-b", offerID, 1)
	if !errors.Is(err, core.ErrDuplicateCode) {
		test.Fatalf("expected ErrDuplicateCode after exhausted retries, got %v", err)
	}
}

func TestCreateRespectsRateLimiter(test *testing.T) {
	test.Parallel()
	fx := newFixture(test, reservation.WithRateLimiter(denyAllLimiter{}))
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)

	_, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if !errors.Is(err, core.ErrRateLimited) {
		test.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRedeemHappyPathCreditsPartnerAndResetsPenalties(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 2)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	result, err := fx.service.Redeem(context.Background(), "partner-1", created.QRCode)
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if result.Reservation.Status != core.ReservationStatusPickedUp {
		test.Fatalf("expected PICKED_UP, got %s", result.Reservation.Status)
	}
	if result.Reservation.PickedUpAtUnixUTC != fx.clock.now {
		test.Fatalf("expected pickup stamp %d, got %d", fx.clock.now, result.Reservation.PickedUpAtUnixUTC)
	}
	if result.PartnerNewBalance != created.TotalPoints {
		test.Fatalf("expected partner reward %d, got %d", created.TotalPoints, result.PartnerNewBalance)
	}
}

func TestRedeemIsSingleUse(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	if _, err := fx.service.Redeem(context.Background(), "partner-1", created.QRCode); err != nil {
		test.Fatalf("first redeem: %v", err)
	}
	_, err = fx.service.Redeem(context.Background(), "partner-1", created.QRCode)
	if !errors.Is(err, core.ErrAlreadyRedeemed) {
		test.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestRedeemValidationOutcomes(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	if _, err := fx.service.Redeem(context.Background(), "partner-1", "junk"); !errors.Is(err, core.ErrInvalidCodeFormat) {
		test.Fatalf("expected ErrInvalidCodeFormat, got %v", err)
	}
	if _, err := fx.service.Redeem(context.Background(), "partner-1", "SP-NOPE-0000000000000000"); !errors.Is(err, core.ErrCodeNotFound) {
		test.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	if _, err := fx.service.Redeem(context.Background(), "partner-2", created.QRCode); !errors.Is(err, core.ErrCodeNotFound) {
		test.Fatalf("expected ErrCodeNotFound for foreign partner, got %v", err)
	}

	fx.clock.now += 3601
	if _, err := fx.service.Redeem(context.Background(), "partner-1", created.QRCode); !errors.Is(err, core.ErrReservationExpired) {
		test.Fatalf("expected ErrReservationExpired, got %v", err)
	}
}

func TestRedeemAcceptsLowercaseScan(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	scanned := "  " + strings.ToLower(created.QRCode) + " "
	if _, err := fx.service.Redeem(context.Background(), "partner-1", scanned); err != nil {
		test.Fatalf("redeem normalized scan: %v", err)
	}
}

func TestCancelRefundsOnceAndRestocks(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 2)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	cancelled, err := fx.service.Cancel(context.Background(), "customer-1", created.ReservationID)
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != core.ReservationStatusCancelled {
		test.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	balance, err := fx.points.Balance(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		test.Fatalf("expected full refund back to 50, got %d", balance)
	}

	if _, err := fx.service.Cancel(context.Background(), "customer-1", created.ReservationID); !errors.Is(err, core.ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed on double cancel, got %v", err)
	}
	balance, err = fx.points.Balance(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		test.Fatalf("double cancel must not refund twice, got %d", balance)
	}
}

func TestCancelRequiresOwningCustomer(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fx.service.Cancel(context.Background(), "customer-2", created.ReservationID); !errors.Is(err, core.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound for foreign customer, got %v", err)
	}
}

func TestCancelRejectsLapsedHold(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	fx.clock.now += 3601
	if _, err := fx.service.Cancel(context.Background(), "customer-1", created.ReservationID); !errors.Is(err, core.ErrReservationExpired) {
		test.Fatalf("expected ErrReservationExpired past the deadline, got %v", err)
	}
	balance, err := fx.points.Balance(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 45 {
		test.Fatalf("lapsed hold must not refund, got balance %d", balance)
	}

	// The sweep still records the no-show.
	report, err := fx.service.ExpireDue(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if report.Expired != 1 {
		test.Fatalf("expected 1 expired, got %+v", report)
	}
	standing, err := fx.penalties.Status(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("status: %v", err)
	}
	if !standing.Suspended || standing.OffenseNumber != 1 {
		test.Fatalf("expected first offense after lapse, got %+v", standing)
	}
}

func TestExpireDueRecordsExactlyOneOffense(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 2)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	fx.clock.now += 3601
	report, err := fx.service.ExpireDue(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if report.Expired != 1 {
		test.Fatalf("expected 1 expired, got %+v", report)
	}
	expired, err := fx.store.GetReservation(context.Background(), created.ReservationID)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	if expired.Status != core.ReservationStatusExpired {
		test.Fatalf("expected EXPIRED, got %s", expired.Status)
	}
	offer, err := fx.store.GetOffer(context.Background(), offerID)
	if err != nil {
		test.Fatalf("offer: %v", err)
	}
	if offer.QuantityAvailable != 5 {
		test.Fatalf("expected restocked inventory 5, got %d", offer.QuantityAvailable)
	}
	record, found, err := fx.store.GetPenalty(context.Background(), "customer-1")
	if err != nil || !found {
		test.Fatalf("penalty lookup: found=%v err=%v", found, err)
	}
	if record.OffenseNumber != 1 {
		test.Fatalf("expected exactly one offense, got %d", record.OffenseNumber)
	}

	// A second sweep finds nothing.
	report, err = fx.service.ExpireDue(context.Background(), 10)
	if err != nil {
		test.Fatalf("second expire: %v", err)
	}
	if report.Scanned != 0 || report.Expired != 0 {
		test.Fatalf("expected idle sweep, got %+v", report)
	}
	record, _, err = fx.store.GetPenalty(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("penalty lookup: %v", err)
	}
	if record.OffenseNumber != 1 {
		test.Fatalf("sweep must not double-count offenses, got %d", record.OffenseNumber)
	}
}

func TestExpiredHoldIsNotRefunded(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	if _, err := fx.service.Create(context.Background(), "customer-1", offerID, 2); err != nil {
		test.Fatalf("create: %v", err)
	}

	fx.clock.now += 3601
	if _, err := fx.service.ExpireDue(context.Background(), 10); err != nil {
		test.Fatalf("expire: %v", err)
	}
	balance, err := fx.points.Balance(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 40 {
		test.Fatalf("no-show keeps the hold forfeited, got balance %d", balance)
	}
}

func TestClearHistoryDeletesOnlyTerminalReservations(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	first, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fx.service.Cancel(context.Background(), "customer-1", first.ReservationID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	second, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("second create: %v", err)
	}

	deleted, err := fx.service.ClearHistory(context.Background(), "customer-1")
	if err != nil {
		test.Fatalf("clear history: %v", err)
	}
	if deleted != 1 {
		test.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := fx.store.GetReservation(context.Background(), second.ReservationID); err != nil {
		test.Fatalf("active reservation must survive: %v", err)
	}
}

func TestCleanupHistoryRespectsRetention(test *testing.T) {
	test.Parallel()
	fx := newFixture(test)
	offerID := fx.seedOffer(test, 5)
	fx.fund(test, "customer-1", 50)
	created, err := fx.service.Create(context.Background(), "customer-1", offerID, 1)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fx.service.Cancel(context.Background(), "customer-1", created.ReservationID); err != nil {
		test.Fatalf("cancel: %v", err)
	}

	deleted, err := fx.service.CleanupHistory(context.Background())
	if err != nil {
		test.Fatalf("cleanup: %v", err)
	}
	if deleted != 0 {
		test.Fatalf("fresh history must survive retention, deleted %d", deleted)
	}

	fx.clock.now += 11 * 24 * 3600
	deleted, err = fx.service.CleanupHistory(context.Background())
	if err != nil {
		test.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		test.Fatalf("expected stale history deleted, got %d", deleted)
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	lowStock int
	soldOut  int
}

func (notifier *recordingNotifier) LowStock(context.Context, core.Offer) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.lowStock++
}

func (notifier *recordingNotifier) SoldOut(context.Context, core.Offer) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.soldOut++
}

type denyAllLimiter struct{}

func (denyAllLimiter) Check(context.Context, string, string) ratelimit.Result {
	return ratelimit.Result{Message: "denied", RetryAfterSecs: 60}
}

