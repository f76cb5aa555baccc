package penalty

import (
	"time"

	"github.com/smartpick/engine/internal/core"
)

// Tier describes the sanction attached to one offense number.
type Tier struct {
	Type           core.PenaltyType
	Suspension     time.Duration
	CanLift        bool
	LiftCost       core.Points
	RequiresReview bool
}

// Policy is the offense-indexed escalation table. Offense numbers beyond the
// table fall through to ReviewTier. The exact boundaries are a product knob,
// tuned over time; tier 5 intentionally repeats tier 3.
var Policy = map[int]Tier{
	1: {Type: core.Penalty30Min, Suspension: 30 * time.Minute},
	2: {Type: core.Penalty1Hour, Suspension: time.Hour},
	3: {Type: core.Penalty5Hour, Suspension: 5 * time.Hour, CanLift: true, LiftCost: 500},
	4: {Type: core.Penalty1Hour, Suspension: time.Hour, CanLift: true, LiftCost: 100},
	5: {Type: core.Penalty5Hour, Suspension: 5 * time.Hour, CanLift: true, LiftCost: 500},
}

// ReviewTier applies from the sixth offense on: a rolling 24-hour hold that
// stays flagged for human review until an admin decides.
var ReviewTier = Tier{
	Type:           core.PenaltyPermanentReview,
	Suspension:     24 * time.Hour,
	CanLift:        true,
	LiftCost:       1000,
	RequiresReview: true,
}

// TierFor returns the sanction for a given offense number.
func TierFor(offenseNumber int) Tier {
	if tier, ok := Policy[offenseNumber]; ok {
		return tier
	}
	return ReviewTier
}
