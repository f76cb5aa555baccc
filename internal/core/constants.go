package core

// Fixed policy constants. These are deliberate product knobs, not derived at
// runtime.
const (
	// PointsPerUnit is the cost of reserving one unit of any offer.
	PointsPerUnit Points = 5

	// ReservationHoldMinutes is the time from creation to expires_at.
	ReservationHoldMinutes = 60

	// MaxActiveReservations is the single-concurrent-hold limit.
	MaxActiveReservations = 1

	// DefaultMaxReservationQuantity is the per-offer unit cap before a user
	// unlocks additional slots.
	DefaultMaxReservationQuantity = 3

	// QRCollisionAttempts bounds the fresh-code retry loop on a uniqueness
	// collision.
	QRCollisionAttempts = 3

	// HistoryRetentionDays is how long terminal reservations stay visible
	// before the cleanup sweep may delete them.
	HistoryRetentionDays = 10

	// LowStockThreshold triggers the best-effort low-stock notification.
	LowStockThreshold = 2
)
