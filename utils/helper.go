package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
)

// maxQuantityDigits guards against fat-fingered quantities: anything with more
// than 9 integer digits is rejected before it reaches the ledger.
const maxQuantityDigits = 9

var maxQuantity = decimal.New(1, maxQuantityDigits)

func UniqueSlice[T comparable](s []T) []T {
	seen := make(map[T]bool, len(s))
	out := make([]T, 0, len(s))
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func DereferencePtr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// ParseDecimal converts a string to a decimal.Decimal value.
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

// ValidateQuantity rejects quantities whose magnitude exceeds the digit guard.
func ValidateQuantity(qty decimal.Decimal) error {
	if qty.Abs().GreaterThanOrEqual(maxQuantity) {
		return NewValidationError("quantity magnitude exceeds %d digits", maxQuantityDigits)
	}
	return nil
}

// itemTokenLength matches the fixed-length alphanumeric item ids minted by the
// order service.
const itemTokenLength = 17

// ValidateItemToken checks the shape of an order-item id token.
func ValidateItemToken(token string) error {
	if len(token) != itemTokenLength {
		return NewValidationError("item id must be %d characters", itemTokenLength)
	}
	for _, r := range token {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return NewValidationError("item id must be alphanumeric")
		}
	}
	return nil
}

// BusinessLock serializes stock mutation paths per tenant via a redis lock.
// Paths that read-modify-write stock must hold this before touching rows; the
// returned release function is deferred by the caller so the lock spans the
// whole operation.
func BusinessLock(ctx context.Context, businessId string, lockType string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when the Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", businessId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, businessId)
	// Contending writers wait instead of failing outright.
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 300),
	})
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for businessID", businessId, err)
		return nil, errors.New("could not obtain lock for businessID")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for businessID", businessId, err)
		return nil, err
	}

	return func() {
		_ = lock.Release(ctx)
	}, nil
}
