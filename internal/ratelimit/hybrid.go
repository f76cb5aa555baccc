package ratelimit

import "context"

// HybridLimiter runs both tiers: the in-process window first, the
// store-backed window only when the first tier passes. A client-tier
// rejection never touches the store.
type HybridLimiter struct {
	client *ClientLimiter
	server *ServerLimiter
}

// NewHybridLimiter combines a client and a server tier.
func NewHybridLimiter(client *ClientLimiter, server *ServerLimiter) *HybridLimiter {
	return &HybridLimiter{client: client, server: server}
}

// Check runs the client tier, then the server tier. The server tier records
// the attempt; the client tier mirrors it so both windows stay in step.
func (limiter *HybridLimiter) Check(ctx context.Context, action, identifier string) Result {
	if verdict := limiter.client.Check(action, identifier); !verdict.Allowed {
		return verdict
	}
	verdict := limiter.server.Check(ctx, action, identifier)
	if verdict.Allowed {
		limiter.client.Record(action, identifier)
	}
	return verdict
}
