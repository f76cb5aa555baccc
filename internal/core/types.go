package core

// Points is an integer amount of SmartPoints.
type Points int64

// Int64 returns the raw point amount.
func (amount Points) Int64() int64 {
	return int64(amount)
}

// OfferStatus defines the offer lifecycle.
type OfferStatus string

const (
	OfferStatusActive    OfferStatus = "ACTIVE"
	OfferStatusPaused    OfferStatus = "PAUSED"
	OfferStatusExpired   OfferStatus = "EXPIRED"
	OfferStatusSoldOut   OfferStatus = "SOLD_OUT"
	OfferStatusScheduled OfferStatus = "SCHEDULED"
)

// Offer is a partner's discounted, quantity-limited item available for a
// pickup window. quantity_available changes only inside reservation
// create/cancel/expire transactions.
type Offer struct {
	OfferID            string
	PartnerID          string
	Title              string
	QuantityTotal      int
	QuantityAvailable  int
	PriceOriginalCents int64
	PriceSmartCents    int64
	PickupStartUnixUTC int64
	PickupEndUnixUTC   int64
	Status             OfferStatus
	CreatedUnixUTC     int64
}

// ReservationStatus defines the reservation lifecycle. PICKED_UP, CANCELLED
// and EXPIRED are terminal.
type ReservationStatus string

const (
	ReservationStatusActive       ReservationStatus = "ACTIVE"
	ReservationStatusPickedUp     ReservationStatus = "PICKED_UP"
	ReservationStatusCancelled    ReservationStatus = "CANCELLED"
	ReservationStatusExpired      ReservationStatus = "EXPIRED"
	ReservationStatusFailedPickup ReservationStatus = "FAILED_PICKUP"
)

// Terminal reports whether the status admits no further transitions.
func (status ReservationStatus) Terminal() bool {
	switch status {
	case ReservationStatusPickedUp, ReservationStatusCancelled, ReservationStatusExpired:
		return true
	}
	return false
}

// Reservation is a customer's hold on N units of an offer, paid in points
// and redeemable via QR code until ExpiresAtUnixUTC.
type Reservation struct {
	ReservationID     string
	OfferID           string
	CustomerID        string
	PartnerID         string
	Quantity          int
	QRCode            string
	TotalPoints       Points
	Status            ReservationStatus
	ExpiresAtUnixUTC  int64
	PickedUpAtUnixUTC int64
	CreatedUnixUTC    int64
}

// PointsAccount holds a user's materialized balance. The transaction log is
// the source of truth; balance always equals the sum of changes.
type PointsAccount struct {
	AccountID      string
	UserID         string
	Balance        Points
	UpdatedUnixUTC int64
}

// Transaction reasons recorded in the points log.
const (
	ReasonReservationHold Reason = "reservation_hold"
	ReasonRefund          Reason = "refund"
	ReasonPenaltyLift     Reason = "penalty_lift"
	ReasonPickupReward    Reason = "pickup_reward"
	ReasonPurchase        Reason = "purchase"
	ReasonWelcomeBonus    Reason = "welcome_bonus"
	ReasonAdminAdjustment Reason = "admin_adjustment"
)

// Reason tags a points transaction with its business cause.
type Reason string

// PointsTransaction is one immutable line in the points log.
type PointsTransaction struct {
	TransactionID  string
	UserID         string
	Change         Points
	Reason         Reason
	ReservationID  string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// PenaltyType classifies the suspension attached to an offense tier.
type PenaltyType string

const (
	PenaltyNone            PenaltyType = "NONE"
	Penalty30Min           PenaltyType = "30MIN"
	Penalty1Hour           PenaltyType = "1HOUR"
	Penalty5Hour           PenaltyType = "5HOUR"
	Penalty24Hour          PenaltyType = "24HOUR"
	PenaltyPermanentReview PenaltyType = "PERMANENT_REVIEW"
)

// PenaltyRecord tracks one user's offense state. One record per user,
// created on the first offense and mutated on each subsequent offense, lift
// or reset.
type PenaltyRecord struct {
	PenaltyID             string
	UserID                string
	ReservationID         string
	PartnerID             string
	OffenseNumber         int
	PenaltyType           PenaltyType
	SuspendedUntilUnixUTC int64
	CanLiftWithPoints     bool
	PointsRequired        Points
	IsActive              bool
	RequiresReview        bool
	LiftedWithPoints      bool
	CreatedUnixUTC        int64
	UpdatedUnixUTC        int64
}

// UserStatus is the account standing maintained by admins.
type UserStatus string

const (
	UserStatusActive UserStatus = "ACTIVE"
	UserStatusBanned UserStatus = "BANNED"
)

// User carries the trust-engine fields of an account. Identity itself comes
// from a trusted upstream provider.
type User struct {
	UserID                 string
	Status                 UserStatus
	MaxReservationQuantity int
	CreatedUnixUTC         int64
}

// MutationType enumerates replayable offline mutations.
type MutationType string

const (
	MutationCreateReservation MutationType = "CREATE_RESERVATION"
	MutationCancelReservation MutationType = "CANCEL_RESERVATION"
)

// QueuedMutation is a durably stored mutation awaiting replay after a
// connectivity failure.
type QueuedMutation struct {
	MutationID      string
	Type            MutationType
	PayloadJSON     string
	Retries         int
	MaxRetries      int
	LastError       string
	EnqueuedUnixUTC int64
}

// RateLimitAttempt is one recorded attempt for a (action, identifier) pair.
// Attempts are transient; rows outside every window are prunable.
type RateLimitAttempt struct {
	AttemptID      string
	Key            string
	Action         string
	Identifier     string
	CreatedUnixUTC int64
}
