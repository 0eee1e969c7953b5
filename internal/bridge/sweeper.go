package bridge

import (
	"context"
	"time"
)

// RunSweeper periodically reclaims sessions that are wedged outside the
// live states. It blocks until ctx ends.
//
// The sweeper is a backstop, not the primary path: pairing expiry and
// reconnect exhaustion normally destroy sessions themselves. Swept
// sessions keep their remote pairing and stored credentials.
func (g *Gateway) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(time.Now())
		}
	}
}

// sweep destroys sessions that are neither open nor connecting and have
// overstayed their state's grace period.
func (g *Gateway) sweep(now time.Time) {
	for _, s := range g.registry.Sessions() {
		if s.tearing.Load() {
			continue
		}
		switch s.State() {
		case StateOpen, StateConnecting:
			continue
		case StatePairingPending:
			// The pairing timer owns expiry; the sweeper only collects
			// sessions whose timer demonstrably never fired.
			deadline := s.pairingDeadline()
			if deadline.IsZero() || now.Before(deadline.Add(g.cfg.SweepStaleAfter)) {
				continue
			}
		default:
			// Closing covers reconnect backoff waits, so the grace
			// period must outlast Backoff.MaxDelay.
			if s.stateAge() < g.cfg.SweepStaleAfter {
				continue
			}
		}
		g.log.Info().Str("account", s.AccountID()).
			Str("state", s.State().String()).
			Msg("sweeping stale session")
		g.teardown(s, teardownOpts{reason: "sweep"})
	}
}
