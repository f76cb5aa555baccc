package ratelimit

import (
	"sync"
	"time"
)

// ClientLimiter is the fast first tier: an in-process sliding window that
// rejects obvious bursts before they reach the store-backed tier. State is
// per-process and lost on restart; the server tier is authoritative.
type ClientLimiter struct {
	mu       sync.Mutex
	policy   map[string]Rule
	attempts map[string][]int64
	nowFn    func() int64
}

// NewClientLimiter builds an in-process limiter over the given policy.
func NewClientLimiter(policy map[string]Rule, now func() int64) *ClientLimiter {
	if policy == nil {
		policy = DefaultPolicy
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	return &ClientLimiter{
		policy:   policy,
		attempts: make(map[string][]int64),
		nowFn:    now,
	}
}

// Check reports whether another attempt is allowed right now. It does not
// record the attempt; call Record once the action is actually taken.
func (limiter *ClientLimiter) Check(action, identifier string) Result {
	rule, limited := limiter.policy[action]
	if !limited {
		return Result{Allowed: true, Remaining: -1}
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.nowFn()
	key := attemptKey(action, identifier)
	inWindow := limiter.pruneLocked(key, now-int64(rule.Window.Seconds()))
	if len(inWindow) >= rule.MaxAttempts {
		resetAt := inWindow[0] + int64(rule.Window.Seconds())
		return Result{
			ResetAtUnixUTC: resetAt,
			RetryAfterSecs: maxInt64(resetAt-now, 1),
			Message:        "too many attempts, slow down",
		}
	}
	return Result{Allowed: true, Remaining: rule.MaxAttempts - len(inWindow)}
}

// Record registers one attempt against the window.
func (limiter *ClientLimiter) Record(action, identifier string) {
	if _, limited := limiter.policy[action]; !limited {
		return
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	key := attemptKey(action, identifier)
	limiter.attempts[key] = append(limiter.attempts[key], limiter.nowFn())
}

// Cleanup drops every attempt older than the longest window in the policy.
func (limiter *ClientLimiter) Cleanup() {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	var longest time.Duration
	for _, rule := range limiter.policy {
		if rule.Window > longest {
			longest = rule.Window
		}
	}
	cutoff := limiter.nowFn() - int64(longest.Seconds())
	for key := range limiter.attempts {
		if kept := limiter.pruneLocked(key, cutoff); len(kept) == 0 {
			delete(limiter.attempts, key)
		}
	}
}

func (limiter *ClientLimiter) pruneLocked(key string, cutoff int64) []int64 {
	recorded := limiter.attempts[key]
	kept := recorded[:0]
	for _, at := range recorded {
		if at > cutoff {
			kept = append(kept, at)
		}
	}
	limiter.attempts[key] = kept
	return kept
}

func attemptKey(action, identifier string) string {
	return action + ":" + identifier
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
