package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/hermod/internal/observability"
	"github.com/danmuck/hermod/internal/transport"
)

// driveSession pumps one session's transport events until the session
// dies. Reconnects happen inline on this goroutine, so one goroutine
// owns an account's entire event order.
func (g *Gateway) driveSession(s *Session) {
	for {
		tr := s.transport()
		if tr == nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-tr.Events():
			if !ok {
				// Stream ended without a close event; treat it like a
				// recoverable drop.
				if !g.handleClosed(s, transport.Closed{Reason: transport.CloseStreamEnded}) {
					return
				}
				continue
			}
			if !g.handleEvent(s, ev) {
				return
			}
		}
	}
}

// handleEvent dispatches one transport event. It reports false when the
// session is dead and driving must stop.
func (g *Gateway) handleEvent(s *Session, ev transport.Event) bool {
	switch ev := ev.(type) {
	case transport.PairingCode:
		g.handlePairingCode(s, ev)
	case transport.Opened:
		g.handleOpened(s, ev)
	case transport.CredentialsChanged:
		g.handleCredentials(s, ev)
	case transport.MessageEvent:
		g.sink.HandleMessage(s.ctx, s.accountID, ev.Message)
	case transport.Closed:
		return g.handleClosed(s, ev)
	}
	return true
}

// handlePairingCode opens the pairing window on the first code and
// swaps the presented material on refreshes. Refreshes never extend the
// window.
func (g *Gateway) handlePairingCode(s *Session, ev transport.PairingCode) {
	if s.transitionTo(StateConnecting, StatePairingPending) {
		image := g.renderArtifact(ev.Code)
		deadline := time.Now().Add(g.cfg.PairingTimeout)
		s.mu.Lock()
		if s.pairTimer != nil {
			s.pairTimer.Stop()
		}
		s.artifact = &PairingArtifact{
			AccountID: s.accountID,
			Code:      ev.Code,
			Image:     image,
			ExpiresAt: deadline,
		}
		s.pairTimer = time.AfterFunc(g.cfg.PairingTimeout, func() { g.expirePairing(s) })
		s.mu.Unlock()
		g.notifyState(s)
		g.log.Info().Str("account", s.accountID).Time("expires", deadline).Msg("pairing code issued")
		s.resolveInit(initResult{artifact: s.artifactSnapshot()})
		return
	}
	if s.State() != StatePairingPending {
		return
	}
	image := g.renderArtifact(ev.Code)
	s.mu.Lock()
	if s.artifact != nil {
		s.artifact.Code = ev.Code
		s.artifact.Image = image
	}
	s.mu.Unlock()
	g.log.Debug().Str("account", s.accountID).Msg("pairing code refreshed")
}

func (g *Gateway) renderArtifact(code string) string {
	if g.renderer == nil {
		return ""
	}
	image, err := g.renderer.Render(code)
	if err != nil {
		g.log.Warn().Err(err).Msg("pairing image render failed")
		return ""
	}
	return image
}

// expirePairing fires when a pairing window lapses unclaimed. Claiming
// the transition first means a scan that lands at the same instant
// either wins cleanly or loses cleanly.
func (g *Gateway) expirePairing(s *Session) {
	if !s.transitionTo(StatePairingPending, StateClosing) {
		return
	}
	g.notifyState(s)
	g.log.Info().Str("account", s.accountID).Msg("pairing window expired")
	g.teardown(s, teardownOpts{logout: true, erase: true, reason: "pairing_timeout"})
}

func (g *Gateway) handleOpened(s *Session, ev transport.Opened) {
	opened := s.transitionTo(StatePairingPending, StateOpen) ||
		s.transitionTo(StateConnecting, StateOpen)
	if !opened {
		return
	}
	s.mu.Lock()
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
	s.artifact = nil
	s.identity = ev.Identity
	s.attempts = 0
	s.mu.Unlock()
	g.notifyState(s)
	g.notifier.ConnectionOpened(s.accountID, ev.Identity)
	g.log.Info().Str("account", s.accountID).Str("identity", ev.Identity).Msg("session open")
	s.resolveInit(initResult{connected: true, identity: ev.Identity})
}

func (g *Gateway) handleCredentials(s *Session, ev transport.CredentialsChanged) {
	if err := g.creds.Save(s.accountID, ev.Credentials); err != nil {
		g.log.Error().Err(err).Str("account", s.accountID).Msg("credential save failed")
	}
}

// handleClosed splits closes into terminal and recoverable. Terminal
// closes destroy the session and erase credentials, so the next init
// pairs fresh. Recoverable closes keep credentials and enter the
// reconnect loop.
func (g *Gateway) handleClosed(s *Session, ev transport.Closed) bool {
	if state := s.State(); state == StateClosing || state == StateClosed {
		return false
	}
	if ev.Reason.Terminal() {
		g.log.Warn().Str("account", s.accountID).Err(ev.Err).Msg("logged out by remote service")
		s.resolveInit(initResult{err: fmt.Errorf("%w: logged out by remote service", ErrTransport)})
		g.teardown(s, teardownOpts{erase: true, reason: "logged_out"})
		return false
	}
	if !s.beginClosing() {
		return false
	}
	g.notifyState(s)
	g.log.Warn().Str("account", s.accountID).
		Str("reason", ev.Reason.String()).Err(ev.Err).
		Msg("connection lost")

	s.mu.Lock()
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
	s.artifact = nil
	s.mu.Unlock()

	if tr := s.transport(); tr != nil {
		tr.Close()
		s.setTransport(nil)
	}
	return g.reconnectLoop(s)
}

// beginClosing claims the session from any live state.
func (s *Session) beginClosing() bool {
	for _, from := range []ConnectionState{StateOpen, StateConnecting, StatePairingPending} {
		if s.transitionTo(from, StateClosing) {
			return true
		}
	}
	return false
}

// reconnectLoop retries the connection with exponential backoff until it
// comes back, the attempt budget runs out, or the session dies. It
// reports true when driving may continue on a fresh transport.
func (g *Gateway) reconnectLoop(s *Session) bool {
	for {
		attempt := s.bumpAttempts()
		if g.cfg.MaxReconnectAttempts > 0 && attempt > g.cfg.MaxReconnectAttempts {
			g.log.Warn().Str("account", s.accountID).
				Int("attempts", attempt-1).
				Msg("reconnect attempts exhausted")
			g.teardown(s, teardownOpts{reason: "reconnect_exhausted"})
			return false
		}
		observability.RecordReconnectAttempt()
		delay := NextBackoffDelay(g.cfg.Backoff, attempt, s.rng)
		g.log.Info().Str("account", s.accountID).
			Int("attempt", attempt).Dur("delay", delay).
			Msg("reconnect scheduled")
		if !sleepCtx(s.ctx, delay) {
			return false
		}
		if !g.registry.Owns(s) {
			// Replaced while waiting; the replacement owns the account.
			return false
		}
		if !s.transitionTo(StateClosing, StateConnecting) {
			return false
		}
		g.notifyState(s)
		if err := g.connect(s); err != nil {
			g.log.Warn().Err(err).Str("account", s.accountID).
				Int("attempt", attempt).
				Msg("reconnect failed")
			if !s.transitionTo(StateConnecting, StateClosing) {
				return false
			}
			continue
		}
		g.log.Info().Str("account", s.accountID).Int("attempt", attempt).Msg("reconnected")
		return true
	}
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
