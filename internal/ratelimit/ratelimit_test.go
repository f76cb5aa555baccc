package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/ratelimit"
	"github.com/smartpick/engine/internal/store/memstore"
)

type fakeClock struct {
	now int64
}

func (clock *fakeClock) Now() int64 {
	return clock.now
}

func TestClientLimiterBlocksAfterMaxAttempts(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 1_700_000_000}
	limiter := ratelimit.NewClientLimiter(map[string]ratelimit.Rule{
		"login": {MaxAttempts: 3, Window: 15 * time.Minute},
	}, clock.Now)

	for attempt := 0; attempt < 3; attempt++ {
		verdict := limiter.Check("login", "user-1")
		if !verdict.Allowed {
			test.Fatalf("attempt %d should be allowed: %+v", attempt+1, verdict)
		}
		limiter.Record("login", "user-1")
	}
	verdict := limiter.Check("login", "user-1")
	if verdict.Allowed {
		test.Fatalf("fourth attempt must be blocked")
	}
	if verdict.ResetAtUnixUTC != clock.now+15*60 {
		test.Fatalf("expected reset at oldest+window, got %d", verdict.ResetAtUnixUTC)
	}
}

func TestClientLimiterWindowSlides(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 1_700_000_000}
	limiter := ratelimit.NewClientLimiter(map[string]ratelimit.Rule{
		"login": {MaxAttempts: 2, Window: time.Minute},
	}, clock.Now)

	limiter.Record("login", "user-1")
	limiter.Record("login", "user-1")
	if limiter.Check("login", "user-1").Allowed {
		test.Fatalf("expected block inside window")
	}
	clock.now += 61
	if !limiter.Check("login", "user-1").Allowed {
		test.Fatalf("expected allowance after window slid past attempts")
	}
}

func TestClientLimiterScopesByIdentifier(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 1_700_000_000}
	limiter := ratelimit.NewClientLimiter(map[string]ratelimit.Rule{
		"login": {MaxAttempts: 1, Window: time.Minute},
	}, clock.Now)

	limiter.Record("login", "user-1")
	if limiter.Check("login", "user-1").Allowed {
		test.Fatalf("user-1 should be blocked")
	}
	if !limiter.Check("login", "user-2").Allowed {
		test.Fatalf("user-2 must have an independent window")
	}
}

func TestClientLimiterIgnoresUnknownActions(test *testing.T) {
	test.Parallel()
	limiter := ratelimit.NewClientLimiter(map[string]ratelimit.Rule{}, nil)
	if !limiter.Check("unlisted", "user-1").Allowed {
		test.Fatalf("unknown actions are not limited")
	}
}

func TestServerLimiterEnforcesPolicy(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	clock := &fakeClock{now: 1_700_000_000}
	limiter, err := ratelimit.NewServerLimiter(store, map[string]ratelimit.Rule{
		"reservation": {MaxAttempts: 2, Window: time.Hour},
	}, clock.Now)
	if err != nil {
		test.Fatalf("new limiter: %v", err)
	}

	first := limiter.Check(context.Background(), "reservation", "user-1")
	if !first.Allowed || first.Remaining != 1 {
		test.Fatalf("unexpected first verdict: %+v", first)
	}
	second := limiter.Check(context.Background(), "reservation", "user-1")
	if !second.Allowed || second.Remaining != 0 {
		test.Fatalf("unexpected second verdict: %+v", second)
	}
	third := limiter.Check(context.Background(), "reservation", "user-1")
	if third.Allowed {
		test.Fatalf("third attempt must be rejected")
	}
	if third.ResetAtUnixUTC != clock.now+3600 {
		test.Fatalf("expected reset one window after oldest attempt, got %d", third.ResetAtUnixUTC)
	}

	clock.now += 3601
	after := limiter.Check(context.Background(), "reservation", "user-1")
	if !after.Allowed {
		test.Fatalf("expected allowance after window passed: %+v", after)
	}
}

func TestServerLimiterFailsOpenOnStoreErrors(test *testing.T) {
	test.Parallel()
	clock := &fakeClock{now: 1_700_000_000}
	limiter, err := ratelimit.NewServerLimiter(&failingStore{memstore.New()}, ratelimit.DefaultPolicy, clock.Now)
	if err != nil {
		test.Fatalf("new limiter: %v", err)
	}
	verdict := limiter.Check(context.Background(), "login", "user-1")
	if !verdict.Allowed {
		test.Fatalf("infra failure must fail open, got %+v", verdict)
	}
}

func TestServerLimiterPrunesOldAttempts(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	clock := &fakeClock{now: 1_700_000_000}
	limiter, err := ratelimit.NewServerLimiter(store, map[string]ratelimit.Rule{
		"login": {MaxAttempts: 5, Window: time.Minute},
	}, clock.Now)
	if err != nil {
		test.Fatalf("new limiter: %v", err)
	}
	limiter.Check(context.Background(), "login", "user-1")
	limiter.Check(context.Background(), "login", "user-1")

	clock.now += 120
	pruned, err := limiter.Prune(context.Background())
	if err != nil {
		test.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		test.Fatalf("expected 2 pruned attempts, got %d", pruned)
	}
}

func TestHybridLimiterClientRejectionSkipsServer(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	clock := &fakeClock{now: 1_700_000_000}
	policy := map[string]ratelimit.Rule{
		"login": {MaxAttempts: 1, Window: time.Hour},
	}
	server, err := ratelimit.NewServerLimiter(store, policy, clock.Now)
	if err != nil {
		test.Fatalf("new server limiter: %v", err)
	}
	hybrid := ratelimit.NewHybridLimiter(ratelimit.NewClientLimiter(policy, clock.Now), server)

	if verdict := hybrid.Check(context.Background(), "login", "user-1"); !verdict.Allowed {
		test.Fatalf("first attempt should pass: %+v", verdict)
	}
	if verdict := hybrid.Check(context.Background(), "login", "user-1"); verdict.Allowed {
		test.Fatalf("second attempt must be rejected")
	}
	count, _, err := store.CountRateLimitAttempts(context.Background(), "login:user-1", 0)
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 1 {
		test.Fatalf("client rejection must not touch the store, got %d attempts", count)
	}
}

// failingStore wraps memstore and fails the rate-limit reads.
type failingStore struct {
	*memstore.Store
}

func (store *failingStore) CountRateLimitAttempts(context.Context, string, int64) (int, int64, error) {
	return 0, 0, errors.New("backend unavailable")
}

func (store *failingStore) InsertRateLimitAttempt(context.Context, core.RateLimitAttempt) error {
	return errors.New("backend unavailable")
}
