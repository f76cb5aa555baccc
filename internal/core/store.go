package core

import "context"

// Store is the persistence contract used by the engine services. gormstore
// implements it over SQLite/PostgreSQL; memstore implements it in memory.
//
// WithTx executes fn against a transaction-scoped Store; every mutation made
// through that store commits or rolls back as one unit. ForUpdate variants
// take a row-level lock for the remainder of the transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// Offers.
	InsertOffer(ctx context.Context, offer Offer) error
	GetOffer(ctx context.Context, offerID string) (Offer, error)
	GetOfferForUpdate(ctx context.Context, offerID string) (Offer, error)
	UpdateOfferQuantity(ctx context.Context, offerID string, quantityAvailable int, status OfferStatus) error
	ListActiveOffers(ctx context.Context, nowUnixUTC int64, limit int) ([]Offer, error)

	// Reservations.
	InsertReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error)
	GetReservationByCodeForUpdate(ctx context.Context, qrCode string) (Reservation, error)
	CountActiveReservations(ctx context.Context, customerID string, nowUnixUTC int64) (int, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus, pickedUpAtUnixUTC int64) error
	ListExpiredActiveReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error)
	ListCustomerReservations(ctx context.Context, customerID string, limit int) ([]Reservation, error)
	// DeleteReservationHistory removes terminal reservations created before
	// the cutoff. An empty customerID spans all customers.
	DeleteReservationHistory(ctx context.Context, customerID string, beforeUnixUTC int64) (int64, error)

	// Points accounts and transaction log.
	GetOrCreatePointsAccount(ctx context.Context, userID string) (PointsAccount, error)
	GetPointsAccountForUpdate(ctx context.Context, userID string) (PointsAccount, error)
	UpdatePointsBalance(ctx context.Context, accountID string, balance Points, updatedUnixUTC int64) error
	InsertPointsTransaction(ctx context.Context, transaction PointsTransaction) error
	SumPointsChanges(ctx context.Context, userID string) (Points, error)
	ListPointsTransactions(ctx context.Context, userID string, limit int) ([]PointsTransaction, error)
	GetReservationDebit(ctx context.Context, reservationID string) (Points, bool, error)
	RefundExists(ctx context.Context, reservationID string) (bool, error)

	// Users.
	GetOrCreateUser(ctx context.Context, userID string) (User, error)
	SetUserStatus(ctx context.Context, userID string, status UserStatus) error
	SetUserMaxReservationQuantity(ctx context.Context, userID string, maxQuantity int) error

	// Penalties. One record per user.
	GetPenalty(ctx context.Context, userID string) (PenaltyRecord, bool, error)
	GetPenaltyByID(ctx context.Context, penaltyID string) (PenaltyRecord, bool, error)
	GetPenaltyForUpdate(ctx context.Context, userID string) (PenaltyRecord, bool, error)
	UpsertPenalty(ctx context.Context, record PenaltyRecord) error

	// Rate-limit attempts.
	InsertRateLimitAttempt(ctx context.Context, attempt RateLimitAttempt) error
	CountRateLimitAttempts(ctx context.Context, key string, sinceUnixUTC int64) (count int, oldestUnixUTC int64, err error)
	PruneRateLimitAttempts(ctx context.Context, beforeUnixUTC int64) (int64, error)

	// Offline mutation queue.
	InsertQueuedMutation(ctx context.Context, mutation QueuedMutation) error
	ListQueuedMutations(ctx context.Context, limit int) ([]QueuedMutation, error)
	UpdateQueuedMutationRetries(ctx context.Context, mutationID string, retries int, lastError string) error
	DeleteQueuedMutation(ctx context.Context, mutationID string) error
}
