// Package loyalty keeps per-passenger point balances in Redis. Points are
// a side effect of confirmed bookings; the counter is best-effort and a
// nil Redis client disables it entirely.
package loyalty

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "loyalty.points"

// PointsPerCurrencyUnit converts paid amounts to points: one point per
// whole currency unit paid.
const PointsPerCurrencyUnit = 100

// Tracker accrues and reads loyalty points.
type Tracker struct {
	rdb *redis.Client
}

// NewTracker wraps a Redis client; a nil client turns accrual into a no-op.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

func key(passengerID string) string {
	return fmt.Sprintf("%s.%s", keyPrefix, passengerID)
}

// Award credits points for a settled payment. Errors are logged and
// swallowed so an unreachable Redis never blocks confirmation.
func (t *Tracker) Award(ctx context.Context, passengerID string, amountCents uint32) {
	if t == nil || t.rdb == nil || passengerID == "" {
		return
	}
	points := int64(amountCents) / PointsPerCurrencyUnit
	if points <= 0 {
		return
	}
	if err := t.rdb.IncrBy(ctx, key(passengerID), points).Err(); err != nil {
		log.Printf("loyalty: award %d points to %s: %v", points, passengerID, err)
	}
}

// Balance returns the passenger's current point balance. A missing key
// reads as zero.
func (t *Tracker) Balance(ctx context.Context, passengerID string) (int64, error) {
	if t == nil || t.rdb == nil {
		return 0, nil
	}
	n, err := t.rdb.Get(ctx, key(passengerID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loyalty balance for %s: %w", passengerID, err)
	}
	return n, nil
}
