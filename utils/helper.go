package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
)

// ParseDecimal converts a trimmed string to decimal.Decimal.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}
	return dec, nil
}

// OwnerLock serializes a batch run per owner across instances. The returned
// release func must be called when the batch finishes. Lock waits are bounded:
// if the lock cannot be obtained within the retry window the attempt fails
// with ErrLockTimeout and the caller records it as retryable.
func OwnerLock(ctx context.Context, ownerId int, lockType string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", ownerId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%d", lockType, ownerId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 10),
	})
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for owner", ownerId, err)
		return nil, fmt.Errorf("owner %d: %w", ownerId, ErrLockTimeout)
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for owner", ownerId, err)
		return nil, err
	}
	release := func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}
	return release, nil
}
