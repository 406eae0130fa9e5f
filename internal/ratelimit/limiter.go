package ratelimit

import "context"

// RateLimiter throttles outbound digest sends per bucket (digest type).
type RateLimiter interface {
	Allow(ctx context.Context, bucket string) (bool, error)
	Wait(ctx context.Context, bucket string) error
}
