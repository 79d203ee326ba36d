package cache

import (
	"context"
	"time"
)

// RateLimiter provides sliding window rate limiting
type RateLimiter interface {
	// Allow checks if a request is allowed under the rate limit
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Remaining returns how many requests are remaining in the current window
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)

	// Reset clears the rate limit counter for a key
	Reset(ctx context.Context, key string) error
}

// Key prefixes for consistent cache key naming
const (
	ProgressPrefix  = "cab:progress:"
	RateLimitPrefix = "cab:ratelimit:"
)

// DefaultProgressTTL bounds how stale a cached cycle progress may be
const DefaultProgressTTL = 30 * time.Second
