// Package pubsub broadcasts live seat-map changes over Redis channels so
// seat-selection UIs can refresh without polling. One channel per trip;
// a nil Redis client disables broadcasting without affecting bookings.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the per-trip channels.
const channelPrefix = "trip.seats"

// SeatChange is the message broadcast whenever seats flip between free
// and held. State is "HELD" when a booking takes the seats and "FREE"
// when a cancellation releases them.
type SeatChange struct {
	TripID     uint64   `json:"trip_id"`
	SeatLabels []string `json:"seats"`
	State      string   `json:"state"`
	At         string   `json:"at"`
}

// Bus publishes seat changes. It satisfies the ledger's seat event
// publisher interface.
type Bus struct {
	rdb *redis.Client
}

// NewBus wraps a Redis client. The client may be nil; publishes then
// become no-ops.
func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// ChannelFor returns the Redis channel name carrying changes for a trip.
func ChannelFor(tripID uint64) string {
	return fmt.Sprintf("%s.%d", channelPrefix, tripID)
}

// PublishSeatChange broadcasts a change on the trip's channel. Failures
// are logged and swallowed; a missed broadcast only delays a UI refresh.
func (b *Bus) PublishSeatChange(ctx context.Context, tripID uint64, seatLabels []string, state string) {
	if b == nil || b.rdb == nil {
		return
	}
	msg := SeatChange{
		TripID:     tripID,
		SeatLabels: seatLabels,
		State:      state,
		At:         time.Now().UTC().Format("2006-01-02 15:04:05"),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("pubsub: marshal seat change: %v", err)
		return
	}
	if err := b.rdb.Publish(ctx, ChannelFor(tripID), body).Err(); err != nil {
		log.Printf("pubsub: publish seat change: %v", err)
	}
}
