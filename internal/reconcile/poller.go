package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/iliyamo/transit-booking/internal/gateway"
	"github.com/iliyamo/transit-booking/internal/model"
)

// Poller is the fallback for lost mobile-money callbacks. Attempts
// stuck in PROCESSING past a grace period are queried directly against
// the aggregator and their results fed through the same ApplyEvent
// path the callbacks use, so a poll result and a late callback for the
// same attempt cannot disagree in effect.
type Poller struct {
	coord    *Coordinator
	interval time.Duration
	grace    time.Duration
}

// NewPoller builds a Poller. interval is the sweep cadence; grace is
// how long an attempt may sit in PROCESSING before it is queried.
func NewPoller(coord *Coordinator, interval, grace time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &Poller{coord: coord, interval: interval, grace: grace}
}

// Run sweeps until the context is cancelled. Errors on individual
// attempts are logged and never stop the sweep.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.grace)
	stuck, err := p.coord.attempts.ListPollable(ctx, cutoff)
	if err != nil {
		log.Printf("poller: list stuck attempts: %v", err)
		return
	}
	for i := range stuck {
		attempt := &stuck[i]
		adapter, ok := p.coord.Adapter(model.GatewayMobileMoney)
		if !ok {
			return
		}
		ev, err := adapter.PollStatus(ctx, attempt.CorrelationID)
		if err != nil {
			if errors.Is(err, gateway.ErrPollUnsupported) {
				return
			}
			log.Printf("poller: query attempt %d (correlation %s): %v", attempt.ID, attempt.CorrelationID, err)
			continue
		}
		if ev.Outcome == gateway.StillPending {
			continue
		}
		if err := p.coord.ApplyEvent(ctx, ev); err != nil {
			log.Printf("poller: apply polled result for attempt %d: %v", attempt.ID, err)
		}
	}
}
