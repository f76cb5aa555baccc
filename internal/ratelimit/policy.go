package ratelimit

import "time"

// Rule caps attempts for one action inside a sliding window.
type Rule struct {
	MaxAttempts int
	Window      time.Duration
}

// Actions known to the default policy.
const (
	ActionLogin       = "login"
	ActionSignup      = "signup"
	ActionReservation = "reservation"
	ActionOfferCreate = "offer_create"
)

// DefaultPolicy maps actions to their rules. Unknown actions are not limited.
var DefaultPolicy = map[string]Rule{
	ActionLogin:       {MaxAttempts: 5, Window: 15 * time.Minute},
	ActionSignup:      {MaxAttempts: 3, Window: time.Hour},
	ActionReservation: {MaxAttempts: 10, Window: time.Hour},
	ActionOfferCreate: {MaxAttempts: 20, Window: time.Hour},
}

// Result is the outcome of a limit check. A zero ResetAtUnixUTC means no
// window is in effect.
type Result struct {
	Allowed        bool
	Remaining      int
	ResetAtUnixUTC int64
	RetryAfterSecs int64
	Message        string
}
