package ratelimit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
)

const operationCheck = "rate_limit_check"

// ServerLimiter is the authoritative second tier: attempts live in the store,
// so the window survives restarts and is shared across instances.
//
// Availability beats strictness here. Any store failure fails open: the
// request is allowed and the failure is logged, never surfaced to the caller.
type ServerLimiter struct {
	store  core.Store
	policy map[string]Rule
	nowFn  func() int64
	logger core.OperationLogger
}

// ServerLimiterOption configures a ServerLimiter instance.
type ServerLimiterOption func(*ServerLimiter)

// WithOperationLogger wires a logger that receives callbacks for every check.
func WithOperationLogger(logger core.OperationLogger) ServerLimiterOption {
	return func(limiter *ServerLimiter) {
		limiter.logger = logger
	}
}

// NewServerLimiter wires a store-backed limiter over the given policy.
func NewServerLimiter(store core.Store, policy map[string]Rule, now func() int64, options ...ServerLimiterOption) (*ServerLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", core.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", core.ErrInvalidServiceConfig)
	}
	if policy == nil {
		policy = DefaultPolicy
	}
	limiter := &ServerLimiter{store: store, policy: policy, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// Check counts attempts in the window and, when allowed, records the new
// attempt. Returns no error: infrastructure failures degrade to allowed.
func (limiter *ServerLimiter) Check(ctx context.Context, action, identifier string) Result {
	rule, limited := limiter.policy[action]
	if !limited {
		return Result{Allowed: true, Remaining: -1}
	}
	now := limiter.nowFn()
	key := attemptKey(action, identifier)
	since := now - int64(rule.Window.Seconds())

	count, oldest, err := limiter.store.CountRateLimitAttempts(ctx, key, since)
	if err != nil {
		limiter.logFailure(ctx, action, identifier, err)
		return Result{Allowed: true, Remaining: -1}
	}
	if count >= rule.MaxAttempts {
		resetAt := oldest + int64(rule.Window.Seconds())
		return Result{
			ResetAtUnixUTC: resetAt,
			RetryAfterSecs: maxInt64(resetAt-now, 1),
			Message:        fmt.Sprintf("limit of %d per %s reached for %s", rule.MaxAttempts, rule.Window, action),
		}
	}
	if err := limiter.store.InsertRateLimitAttempt(ctx, core.RateLimitAttempt{
		AttemptID:      uuid.NewString(),
		Key:            key,
		Action:         action,
		Identifier:     identifier,
		CreatedUnixUTC: now,
	}); err != nil {
		limiter.logFailure(ctx, action, identifier, err)
	}
	return Result{Allowed: true, Remaining: rule.MaxAttempts - count - 1}
}

// Prune deletes attempts older than the longest window. Meant for a periodic
// background sweep.
func (limiter *ServerLimiter) Prune(ctx context.Context) (int64, error) {
	var longest int64
	for _, rule := range limiter.policy {
		if seconds := int64(rule.Window.Seconds()); seconds > longest {
			longest = seconds
		}
	}
	return limiter.store.PruneRateLimitAttempts(ctx, limiter.nowFn()-longest)
}

func (limiter *ServerLimiter) logFailure(ctx context.Context, action, identifier string, err error) {
	if limiter.logger == nil {
		return
	}
	limiter.logger.LogOperation(ctx, core.OperationLog{
		Operation: operationCheck,
		UserID:    identifier,
		Reason:    core.Reason(action),
		Status:    core.OperationStatusError,
		Error:     err,
	})
}
