package bridge

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/danmuck/hermod/internal/observability"
	"github.com/danmuck/hermod/internal/transport"
)

// PairingArtifact is the pairing material served to the operator while a
// session waits to be scanned.
type PairingArtifact struct {
	AccountID string    `json:"account_id"`
	Code      string    `json:"code"`
	Image     string    `json:"image,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// initResult is the one-shot outcome of a session's first connect: an
// open connection, a pairing artifact, or an error.
type initResult struct {
	connected bool
	identity  string
	artifact  *PairingArtifact
	err       error
}

// Session is one account's connection to the remote service.
//
// State lives in an atomic so transitions are compare-and-swap races,
// never lock-ordered against the registry. The mutex guards only the
// session's mutable payload (transport pointer, artifact, counters).
// Nothing may call registry or notifier methods while holding mu.
type Session struct {
	accountID string
	createdAt time.Time

	state atomic.Int32

	mu             sync.Mutex
	tr             transport.Transport
	artifact       *PairingArtifact
	pairTimer      *time.Timer
	identity       string
	attempts       int
	stateChangedAt time.Time

	initOnce sync.Once
	initDone chan struct{}
	initRes  initResult

	limiter *rate.Limiter
	rng     *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc

	tearing  atomic.Bool
	closedCh chan struct{}
}

func newSession(accountID string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		accountID: accountID,
		createdAt: time.Now(),
		initDone:  make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:       ctx,
		cancel:    cancel,
		closedCh:  make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.stateChangedAt = time.Now()
	return s
}

// AccountID returns the owning account.
func (s *Session) AccountID() string {
	return s.accountID
}

// State returns the current lifecycle state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Identity returns the service identity bound at open, if known.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// transitionTo moves from one state to another. It reports false when
// the session was not in the expected state, which means someone else
// won the transition race.
func (s *Session) transitionTo(from, to ConnectionState) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.touchState()
	observability.RecordSessionTransition(to.String())
	return true
}

// forceState moves unconditionally. Only teardown, which owns the
// session exclusively, may use it.
func (s *Session) forceState(to ConnectionState) {
	s.state.Store(int32(to))
	s.touchState()
	observability.RecordSessionTransition(to.String())
}

func (s *Session) touchState() {
	s.mu.Lock()
	s.stateChangedAt = time.Now()
	s.mu.Unlock()
}

// stateAge reports how long the session has sat in its current state.
func (s *Session) stateAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.stateChangedAt)
}

func (s *Session) transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// setTransport swaps the live transport. Installing a transport on a
// session whose teardown already started is refused so the dialed
// connection can be closed instead of leaking.
func (s *Session) setTransport(tr transport.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr != nil && s.tearing.Load() {
		return false
	}
	s.tr = tr
	return true
}

// artifactSnapshot copies the live pairing artifact, if any.
func (s *Session) artifactSnapshot() *PairingArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return nil
	}
	copied := *s.artifact
	return &copied
}

// pairingDeadline returns the live pairing window's expiry, or zero.
func (s *Session) pairingDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return time.Time{}
	}
	return s.artifact.ExpiresAt
}

func (s *Session) bumpAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// resolveInit publishes the session's one-shot init outcome. Later calls
// are no-ops, so the first of {pairing code, open, failure} wins.
func (s *Session) resolveInit(res initResult) {
	s.initOnce.Do(func() {
		s.initRes = res
		close(s.initDone)
	})
}
