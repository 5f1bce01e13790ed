// Package reaper sweeps bookings whose payment window has lapsed.
// A booking that is still PENDING past the window is cancelled and its
// seats go back on sale; bookings that confirmed or cancelled in the
// meantime are left untouched because the cancel itself re-checks
// status under lock.
package reaper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/iliyamo/transit-booking/internal/repository"
)

// CancelReasonTimeout marks bookings cancelled by the sweep.
const CancelReasonTimeout = "payment timeout"

// PendingLister finds booking ids still PENDING before a cutoff.
type PendingLister interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]uint64, error)
}

// Canceller performs the conditional cancellation. The ledger's Cancel
// is a no-op for bookings that already left PENDING, which is what
// makes the sweep safe against races with inbound payment events.
type Canceller interface {
	Cancel(ctx context.Context, bookingID uint64, reason string) error
}

// Notifier is told about each booking the sweep cancels. May be nil.
type Notifier interface {
	NotifyExpired(ctx context.Context, bookingID uint64, reason string)
}

// Reaper runs the periodic sweep.
type Reaper struct {
	bookings PendingLister
	ledger   Canceller
	notify   Notifier
	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

// New builds a Reaper. window is how long a booking may stay PENDING;
// interval is the sweep cadence.
func New(bookings PendingLister, ledger Canceller, notify Notifier, window, interval time.Duration) *Reaper {
	if bookings == nil || ledger == nil {
		panic("nil dependency passed to reaper.New")
	}
	if window <= 0 {
		window = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		bookings: bookings,
		ledger:   ledger,
		notify:   notify,
		window:   window,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep cancels every booking still PENDING past the window. Failures
// on one booking never stop the rest of the sweep; the next pass picks
// up whatever this one missed.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().UTC().Add(-r.window)
	ids, err := r.bookings.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("reaper: list expired bookings: %v", err)
		return
	}
	for _, id := range ids {
		if err := r.ledger.Cancel(ctx, id, CancelReasonTimeout); err != nil {
			// A booking that confirmed or cancelled between the list
			// and the cancel is not an error worth surfacing.
			if errors.Is(err, repository.ErrAlreadyTerminal) || errors.Is(err, repository.ErrBookingNotFound) {
				continue
			}
			log.Printf("reaper: cancel booking %d: %v", id, err)
			continue
		}
		log.Printf("reaper: booking %d cancelled after payment window lapsed", id)
		if r.notify != nil {
			r.notify.NotifyExpired(ctx, id, CancelReasonTimeout)
		}
	}
}
