package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/hermod/internal/observability"
	"github.com/danmuck/hermod/internal/transport"
)

// CredentialStore persists opaque transport credentials per account.
// Load returns (nil, nil) when no blob exists.
type CredentialStore interface {
	Load(accountID string) ([]byte, error)
	Save(accountID string, blob []byte) error
	Delete(accountID string) error
}

// MessageSink receives normalized-ready message events. Calls arrive on
// the owning session's driver goroutine, one at a time per account.
type MessageSink interface {
	HandleMessage(ctx context.Context, accountID string, msg transport.Message)
}

// ArtifactRenderer turns a raw pairing code into presentable material,
// typically a QR image.
type ArtifactRenderer interface {
	Render(code string) (string, error)
}

// Notifier observes session lifecycle changes. Implementations must not
// block; they run on lifecycle goroutines.
type Notifier interface {
	StateChanged(accountID string, state ConnectionState)
	ConnectionOpened(accountID, identity string)
	ConnectionClosed(accountID, reason string)
}

// Options wires a gateway's collaborators. Dialer and Credentials are
// required; the rest default to no-ops.
type Options struct {
	Dialer      transport.Dialer
	Credentials CredentialStore
	Sink        MessageSink
	Renderer    ArtifactRenderer
	Notifier    Notifier
	Log         zerolog.Logger
}

// Gateway owns the session pool: admission, lifecycle, and the control
// operations exposed over the API.
type Gateway struct {
	cfg      Config
	dialer   transport.Dialer
	creds    CredentialStore
	sink     MessageSink
	renderer ArtifactRenderer
	notifier Notifier
	registry *Registry
	log      zerolog.Logger
}

// New builds a gateway over the given transport dialer.
func New(cfg Config, opts Options) (*Gateway, error) {
	if opts.Dialer == nil {
		return nil, errors.New("bridge: dialer required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("bridge: credential store required")
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	return &Gateway{
		cfg:      cfg.WithDefaults(),
		dialer:   opts.Dialer,
		creds:    opts.Credentials,
		sink:     opts.Sink,
		renderer: opts.Renderer,
		notifier: opts.Notifier,
		registry: NewRegistry(),
		log:      opts.Log,
	}, nil
}

// InitResult is the outcome of an init operation: either an already-open
// connection or pairing material to present.
type InitResult struct {
	AccountID string           `json:"account_id"`
	Connected bool             `json:"connected"`
	Identity  string           `json:"identity,omitempty"`
	Pairing   *PairingArtifact `json:"pairing,omitempty"`
	// PairingTimeoutSeconds tells the caller how long the pairing window
	// stays live.
	PairingTimeoutSeconds int `json:"pairing_timeout_seconds,omitempty"`
}

// StatusResult reports one session's lifecycle state.
type StatusResult struct {
	AccountID string           `json:"account_id"`
	State     ConnectionState  `json:"state"`
	Connected bool             `json:"connected"`
	Identity  string           `json:"identity,omitempty"`
	Pairing   *PairingArtifact `json:"pairing,omitempty"`
}

// SendReceipt identifies an accepted outbound message.
type SendReceipt struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"ts"`
}

// SessionInfo is one registry entry in a pool snapshot.
type SessionInfo struct {
	AccountID string          `json:"account_id"`
	State     ConnectionState `json:"state"`
	Identity  string          `json:"identity,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"reconnect_attempts,omitempty"`
}

// Init ensures the account has a session. An account that is already
// open answers idempotently; any other existing session is replaced so
// the caller gets a fresh pairing window. The call blocks until the
// session opens, produces a pairing code, or fails.
func (g *Gateway) Init(ctx context.Context, accountID string) (InitResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return InitResult{}, ErrAccountIDRequired
	}
	for {
		if existing, ok := g.registry.Lookup(accountID); ok {
			if existing.State() == StateOpen {
				return InitResult{
					AccountID: accountID,
					Connected: true,
					Identity:  existing.Identity(),
				}, nil
			}
			g.log.Info().Str("account", accountID).
				Str("state", existing.State().String()).
				Msg("replacing stalled session")
			g.teardown(existing, teardownOpts{reason: "replaced"})
			continue
		}

		s := newSession(accountID, g.cfg)
		if err := g.registry.Install(s, g.cfg.SessionLimit); err != nil {
			if errors.Is(err, errAccountOwned) {
				continue
			}
			g.log.Warn().Err(err).Str("account", accountID).Msg("session admission refused")
			return InitResult{}, err
		}
		g.log.Info().Str("account", accountID).Msg("session admitted")
		g.notifyState(s)
		go g.startSession(s)
		return g.awaitInit(ctx, s)
	}
}

// awaitInit blocks on the session's one-shot init outcome, bounded by
// the init wait ceiling. A caller that gives up leaves the session
// running; it remains observable through Status.
func (g *Gateway) awaitInit(ctx context.Context, s *Session) (InitResult, error) {
	timer := time.NewTimer(g.cfg.InitWaitTimeout)
	defer timer.Stop()
	select {
	case <-s.initDone:
		res := s.initRes
		if res.err != nil {
			return InitResult{}, res.err
		}
		if res.connected {
			return InitResult{AccountID: s.accountID, Connected: true, Identity: res.identity}, nil
		}
		return InitResult{
			AccountID:             s.accountID,
			Pairing:               res.artifact,
			PairingTimeoutSeconds: int(g.cfg.PairingTimeout / time.Second),
		}, nil
	case <-timer.C:
		go g.teardown(s, teardownOpts{reason: "init_timeout"})
		return InitResult{}, fmt.Errorf("%w: no pairing code after %s", ErrPairingTimeout, g.cfg.InitWaitTimeout)
	case <-ctx.Done():
		return InitResult{}, ctx.Err()
	}
}

// startSession performs the first connect and then drives the session's
// event stream until it ends.
func (g *Gateway) startSession(s *Session) {
	if err := g.connect(s); err != nil {
		g.log.Warn().Err(err).Str("account", s.accountID).Msg("session connect failed")
		s.resolveInit(initResult{err: fmt.Errorf("%w: %v", ErrTransport, err)})
		g.teardown(s, teardownOpts{reason: "init_failed"})
		return
	}
	g.driveSession(s)
}

// connect loads stored credentials, dials the transport, and starts the
// connection. It does not wait for the connection to open; that arrives
// on the event stream.
func (g *Gateway) connect(s *Session) error {
	blob, err := g.creds.Load(s.accountID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(s.ctx, g.cfg.ConnectTimeout)
	defer cancel()

	tr, err := g.dialer.Dial(dialCtx, transport.DialRequest{
		AccountID:   s.accountID,
		Credentials: blob,
		EventBuffer: g.cfg.EventBuffer,
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if !s.setTransport(tr) {
		tr.Close()
		return fmt.Errorf("session torn down during dial: %w", ErrNotFound)
	}
	if err := tr.Connect(dialCtx); err != nil {
		s.setTransport(nil)
		tr.Close()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Status reports the account's session state. A missing session answers
// closed alongside ErrNotFound.
func (g *Gateway) Status(accountID string) (StatusResult, error) {
	accountID = strings.TrimSpace(accountID)
	s, ok := g.registry.Lookup(accountID)
	if !ok {
		return StatusResult{AccountID: accountID, State: StateClosed},
			fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	state := s.State()
	res := StatusResult{
		AccountID: s.accountID,
		State:     state,
		Connected: state == StateOpen,
		Identity:  s.Identity(),
	}
	if state == StatePairingPending {
		res.Pairing = s.artifactSnapshot()
	}
	return res, nil
}

// Send delivers one text message from the account's open session. Sends
// are rate limited per session.
func (g *Gateway) Send(ctx context.Context, accountID, destination, content string) (SendReceipt, error) {
	s, ok := g.registry.Lookup(strings.TrimSpace(accountID))
	if !ok {
		return SendReceipt{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if state := s.State(); state != StateOpen {
		return SendReceipt{}, fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return SendReceipt{}, err
	}
	tr := s.transport()
	if tr == nil {
		return SendReceipt{}, fmt.Errorf("%w: session is closing", ErrNotConnected)
	}
	res, err := tr.Send(ctx, destination, content)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("%w: send to %s: %v", ErrTransport, destination, err)
	}

	// The service does not echo our own sends back on the event stream,
	// so the outbound record enters the pipeline here.
	g.sink.HandleMessage(ctx, s.accountID, transport.Message{
		ID:        res.MessageID,
		ChatID:    res.ChatID,
		Sender:    s.Identity(),
		FromSelf:  true,
		IsGroup:   res.IsGroup,
		Kind:      transport.KindText,
		Body:      content,
		Timestamp: res.Timestamp,
		Class:     transport.DeliveryLive,
	})
	return SendReceipt{MessageID: res.MessageID, ChatID: res.ChatID, Timestamp: res.Timestamp}, nil
}

// EnsureOpen verifies the account has an open session.
func (g *Gateway) EnsureOpen(accountID string) error {
	s, ok := g.registry.Lookup(strings.TrimSpace(accountID))
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if state := s.State(); state != StateOpen {
		return fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	return nil
}

// Disconnect ends the account's session, its remote pairing, and its
// stored credentials. Unknown accounts are a no-op so the operation is
// idempotent.
func (g *Gateway) Disconnect(ctx context.Context, accountID string) error {
	s, ok := g.registry.Lookup(strings.TrimSpace(accountID))
	if !ok {
		return nil
	}
	g.teardown(s, teardownOpts{logout: true, erase: true, reason: "disconnect"})
	return nil
}

// Snapshot lists the tracked sessions in account order.
func (g *Gateway) Snapshot() []SessionInfo {
	sessions := g.registry.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			AccountID: s.accountID,
			State:     s.State(),
			Identity:  s.Identity(),
			CreatedAt: s.createdAt,
			Attempts:  s.attemptCount(),
		})
	}
	return out
}

// Counts returns the open and tracked session counts.
func (g *Gateway) Counts() (open, tracked int) {
	return g.registry.Counts()
}

// Shutdown closes every session, keeping remote pairings and stored
// credentials so a restart resumes them.
func (g *Gateway) Shutdown(ctx context.Context) {
	sessions := g.registry.Sessions()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			g.teardown(s, teardownOpts{reason: "shutdown"})
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn().Msg("shutdown drain interrupted")
	}
}

// teardownOpts selects how much a teardown destroys beyond the session
// object itself.
type teardownOpts struct {
	// logout ends the remote pairing before closing the transport.
	logout bool
	// erase removes the account's stored credentials.
	erase bool
	reason string
}

// teardown destroys the session exactly once. Losers of the teardown
// race block until the winner finishes, so every caller returns to a
// fully dead session.
func (g *Gateway) teardown(s *Session, opts teardownOpts) {
	if !s.tearing.CompareAndSwap(false, true) {
		<-s.closedCh
		return
	}
	g.destroy(s, opts)
	close(s.closedCh)
}

func (g *Gateway) destroy(s *Session, opts teardownOpts) {
	s.forceState(StateClosing)
	g.notifyState(s)
	s.cancel()

	s.mu.Lock()
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
	s.artifact = nil
	tr := s.tr
	s.tr = nil
	s.mu.Unlock()

	if tr != nil {
		if opts.logout {
			logoutCtx, cancel := context.WithTimeout(context.Background(), g.cfg.LogoutTimeout)
			if err := tr.Logout(logoutCtx); err != nil {
				g.log.Debug().Err(err).Str("account", s.accountID).Msg("remote logout failed")
			}
			cancel()
		}
		if err := tr.Close(); err != nil {
			g.log.Debug().Err(err).Str("account", s.accountID).Msg("transport close failed")
		}
	}
	if opts.erase {
		if err := g.creds.Delete(s.accountID); err != nil {
			g.log.Warn().Err(err).Str("account", s.accountID).Msg("credential erase failed")
		}
	}

	s.forceState(StateClosed)
	g.registry.RemoveIf(s)
	s.resolveInit(initResult{err: fmt.Errorf("session closed (%s)", opts.reason)})
	observability.RecordSessionTeardown(opts.reason)
	g.notifyState(s)
	g.notifier.ConnectionClosed(s.accountID, opts.reason)
	g.log.Info().Str("account", s.accountID).Str("reason", opts.reason).Msg("session closed")
}

func (g *Gateway) notifyState(s *Session) {
	g.notifier.StateChanged(s.accountID, s.State())
	open, tracked := g.registry.Counts()
	observability.SetSessionGauges(open, tracked)
}

// NopNotifier ignores all lifecycle notifications.
type NopNotifier struct{}

func (NopNotifier) StateChanged(string, ConnectionState) {}
func (NopNotifier) ConnectionOpened(string, string)      {}
func (NopNotifier) ConnectionClosed(string, string)      {}

type nopSink struct{}

func (nopSink) HandleMessage(context.Context, string, transport.Message) {}
