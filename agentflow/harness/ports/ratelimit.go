package harnessports

import "context"

// RateLimiter gates model calls.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
