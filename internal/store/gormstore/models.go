package gormstore

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Offer mirrors the offers table. Timestamps are unix seconds UTC.
type Offer struct {
	OfferID            string `gorm:"type:uuid;primaryKey"`
	PartnerID          string `gorm:"not null;index"`
	Title              string `gorm:"not null"`
	QuantityTotal      int    `gorm:"not null"`
	QuantityAvailable  int    `gorm:"not null"`
	PriceOriginalCents int64  `gorm:"not null"`
	PriceSmartCents    int64  `gorm:"not null"`
	PickupStartAt      int64  `gorm:"not null"`
	PickupEndAt        int64  `gorm:"not null;index:idx_offers_status_end,priority:2"`
	Status             string `gorm:"not null;index:idx_offers_status_end,priority:1"`
	CreatedAt          int64  `gorm:"not null"`
}

func (Offer) TableName() string { return "offers" }

func (offer *Offer) BeforeCreate(tx *gorm.DB) error {
	if offer.OfferID == "" {
		offer.OfferID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table. The unique index on qr_code
// backs single-use redemption lookups and collision detection on insert.
type Reservation struct {
	ReservationID string `gorm:"type:uuid;primaryKey"`
	OfferID       string `gorm:"type:uuid;not null;index"`
	CustomerID    string `gorm:"not null;index:idx_reservations_customer_status,priority:1"`
	PartnerID     string `gorm:"not null;index"`
	Quantity      int    `gorm:"not null"`
	QRCode        string `gorm:"column:qr_code;not null;index:idx_reservations_code,unique"`
	TotalPoints   int64  `gorm:"not null"`
	Status        string `gorm:"not null;index:idx_reservations_customer_status,priority:2;index:idx_reservations_status_expires,priority:1"`
	ExpiresAt     int64  `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	PickedUpAt    int64  `gorm:""`
	CreatedAt     int64  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// PointsAccount mirrors the points_accounts table.
type PointsAccount struct {
	AccountID string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"not null;index:idx_points_accounts_user,unique"`
	Balance   int64  `gorm:"not null"`
	UpdatedAt int64  `gorm:"not null"`
}

func (PointsAccount) TableName() string { return "points_accounts" }

func (account *PointsAccount) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// PointsTransaction mirrors the points_transactions table. Rows are
// append-only.
type PointsTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_points_tx_user_created,priority:1"`
	Change        int64          `gorm:"not null"`
	Reason        string         `gorm:"not null;index:idx_points_tx_reservation_reason,priority:2"`
	ReservationID string         `gorm:"index:idx_points_tx_reservation_reason,priority:1"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     int64          `gorm:"not null;index:idx_points_tx_user_created,priority:2"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

func (transaction *PointsTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// User mirrors the users table.
type User struct {
	UserID                 string `gorm:"primaryKey"`
	Status                 string `gorm:"not null"`
	MaxReservationQuantity int    `gorm:"not null"`
	CreatedAt              int64  `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Penalty mirrors the penalties table. One row per user.
type Penalty struct {
	PenaltyID         string `gorm:"type:uuid;primaryKey"`
	UserID            string `gorm:"not null;index:idx_penalties_user,unique"`
	ReservationID     string `gorm:""`
	PartnerID         string `gorm:""`
	OffenseNumber     int    `gorm:"not null"`
	PenaltyType       string `gorm:"not null"`
	SuspendedUntil    int64  `gorm:""`
	CanLiftWithPoints bool   `gorm:"not null"`
	PointsRequired    int64  `gorm:"not null"`
	IsActive          bool   `gorm:"not null;index"`
	RequiresReview    bool   `gorm:"not null"`
	LiftedWithPoints  bool   `gorm:"not null"`
	CreatedAt         int64  `gorm:"not null"`
	UpdatedAt         int64  `gorm:"not null"`
}

func (Penalty) TableName() string { return "penalties" }

// RateLimitAttempt mirrors the rate_limit_attempts table. Rows are transient
// and pruned by the background sweep.
type RateLimitAttempt struct {
	AttemptID  string `gorm:"type:uuid;primaryKey"`
	Key        string `gorm:"column:attempt_key;not null;index:idx_rate_limit_key_created,priority:1"`
	Action     string `gorm:"not null"`
	Identifier string `gorm:"not null"`
	CreatedAt  int64  `gorm:"not null;index:idx_rate_limit_key_created,priority:2;index"`
}

func (RateLimitAttempt) TableName() string { return "rate_limit_attempts" }

func (attempt *RateLimitAttempt) BeforeCreate(tx *gorm.DB) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.NewString()
	}
	return nil
}

// QueuedMutation mirrors the queued_mutations table.
type QueuedMutation struct {
	MutationID string         `gorm:"type:uuid;primaryKey"`
	Type       string         `gorm:"not null"`
	Payload    datatypes.JSON `gorm:"not null"`
	Retries    int            `gorm:"not null"`
	MaxRetries int            `gorm:"not null"`
	LastError  string         `gorm:""`
	EnqueuedAt int64          `gorm:"not null;index"`
}

func (QueuedMutation) TableName() string { return "queued_mutations" }

// Models lists every table for auto-migration.
func Models() []any {
	return []any{
		&Offer{},
		&Reservation{},
		&PointsAccount{},
		&PointsTransaction{},
		&User{},
		&Penalty{},
		&RateLimitAttempt{},
		&QueuedMutation{},
	}
}
