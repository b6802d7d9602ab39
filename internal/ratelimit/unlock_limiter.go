package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const keyUnlockUser = "unlock:attempts:%s"

// Unlock attempts are throttled per user so a stuck client retry loop
// cannot hammer the payment provider. Rough shape: a small burst, then
// one attempt every few seconds.
const (
	unlockRate  = 0.2
	unlockBurst = 5
)

// UnlockLimiter throttles emergency-unlock attempts. With no redis
// configured it admits everything, matching the single-instance
// deployment where the provider idempotency key already bounds damage.
type UnlockLimiter struct {
	bucket *TokenBucket
}

func NewUnlockLimiter(client *redis.Client) *UnlockLimiter {
	if client == nil {
		return nil
	}
	return &UnlockLimiter{bucket: NewTokenBucket(client)}
}

func (l *UnlockLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l == nil || l.bucket == nil {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyUnlockUser, userID), unlockRate, unlockBurst)
	if err != nil {
		// Limiter outage must not take down the unlock path.
		return true, err
	}
	return res.Allowed, nil
}
