package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/hermod/internal/testutil/testlog"
	"github.com/danmuck/hermod/internal/transport"
)

// fakeTransport is a scriptable transport connection. Events queued in
// emitOnConnect are delivered when Connect is called.
type fakeTransport struct {
	mu            sync.Mutex
	events        chan transport.Event
	connectErr    error
	emitOnConnect []transport.Event
	sendResult    transport.SendResult
	sendErr       error
	logoutCalls   int
	closed        bool
	closeOnce     sync.Once
}

func newFakeTransport(emit ...transport.Event) *fakeTransport {
	return &fakeTransport{
		events:        make(chan transport.Event, 16),
		emitOnConnect: emit,
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	for _, ev := range t.emitOnConnect {
		t.events <- ev
	}
	t.emitOnConnect = nil
	return nil
}

func (t *fakeTransport) Events() <-chan transport.Event {
	return t.events
}

func (t *fakeTransport) emit(ev transport.Event) {
	t.events <- ev
}

func (t *fakeTransport) Send(ctx context.Context, destination, content string) (transport.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return transport.SendResult{}, t.sendErr
	}
	res := t.sendResult
	if res.MessageID == "" {
		res.MessageID = "msg-1"
	}
	if res.ChatID == "" {
		res.ChatID = destination
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	return res, nil
}

func (t *fakeTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	t.logoutCalls++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) logouts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logoutCalls
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.events) })
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeDialer hands out scripted transports in order. A nil entry makes
// that dial fail.
type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeTransport
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, req transport.DialRequest) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("dial queue exhausted")
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	if next == nil {
		return nil, errors.New("scripted dial failure")
	}
	return next, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// gatedDialer parks Dial until release so a teardown can run while the
// dial is still in flight.
type gatedDialer struct {
	tr      *fakeTransport
	entered chan struct{}
	release chan struct{}
}

func newGatedDialer(tr *fakeTransport) *gatedDialer {
	return &gatedDialer{
		tr:      tr,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (d *gatedDialer) Dial(ctx context.Context, req transport.DialRequest) (transport.Transport, error) {
	close(d.entered)
	<-d.release
	return d.tr, nil
}

// memStore is an in-memory credential store.
type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deletes int
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) Load(accountID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[accountID], nil
}

func (s *memStore) Save(accountID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[accountID] = blob
	return nil
}

func (s *memStore) Delete(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, accountID)
	s.deletes++
	return nil
}

func (s *memStore) has(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[accountID]
	return ok
}

// captureSink records relayed messages.
type captureSink struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (s *captureSink) HandleMessage(ctx context.Context, accountID string, msg transport.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type staticRenderer struct{}

func (staticRenderer) Render(code string) (string, error) {
	return "img:" + code, nil
}

func testConfig() Config {
	return Config{
		SessionLimit:         8,
		PairingTimeout:       400 * time.Millisecond,
		InitWaitTimeout:      2 * time.Second,
		ConnectTimeout:       time.Second,
		LogoutTimeout:        time.Second,
		MaxReconnectAttempts: 3,
		SweepInterval:        time.Hour,
		SweepStaleAfter:      time.Hour,
		EventBuffer:          16,
		SendRate:             1000,
		SendBurst:            1000,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     20 * time.Millisecond,
		},
	}
}

func newTestGateway(t *testing.T, cfg Config, dialer transport.Dialer, creds CredentialStore, sink MessageSink) *Gateway {
	t.Helper()
	g, err := New(cfg, Options{
		Dialer:      dialer,
		Credentials: creds,
		Sink:        sink,
		Renderer:    staticRenderer{},
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitFreshAccountEntersPairing(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.PairingCode{Code: "PAIR-1"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	creds := newMemStore()
	g := newTestGateway(t, testConfig(), dialer, creds, &captureSink{})

	res, err := g.Init(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if res.Connected {
		t.Fatal("expected pairing outcome, got connected")
	}
	if res.Pairing == nil || res.Pairing.Code != "PAIR-1" {
		t.Fatalf("unexpected artifact: %+v", res.Pairing)
	}
	if res.Pairing.Image != "img:PAIR-1" {
		t.Fatalf("unexpected artifact image: %q", res.Pairing.Image)
	}
	if res.PairingTimeoutSeconds <= 0 {
		t.Fatalf("expected positive pairing timeout, got %d", res.PairingTimeoutSeconds)
	}

	status, err := g.Status("acct1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != StatePairingPending {
		t.Fatalf("unexpected state: %s", status.State)
	}
	if status.Pairing == nil {
		t.Fatal("expected artifact in pairing state")
	}
}

func TestPairingExpiryDestroysSessionAndCredentials(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.PairingCode{Code: "PAIR-1"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	creds := newMemStore()
	creds.Save("acct1", []byte("partial"))
	g := newTestGateway(t, testConfig(), dialer, creds, &captureSink{})

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}

	waitFor(t, "session destroyed after pairing expiry", func() bool {
		_, err := g.Status("acct1")
		return errors.Is(err, ErrNotFound)
	})
	if creds.has("acct1") {
		t.Fatal("expected credentials erased on pairing expiry")
	}
	if got := tr.logouts(); got != 1 {
		t.Fatalf("expected best-effort remote logout on pairing expiry, got %d", got)
	}
}

func TestPairingCodeRefreshKeepsDeadline(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.PairingCode{Code: "PAIR-1"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), &captureSink{})

	res, err := g.Init(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	firstDeadline := res.Pairing.ExpiresAt

	tr.emit(transport.PairingCode{Code: "PAIR-2"})
	waitFor(t, "artifact refresh", func() bool {
		status, err := g.Status("acct1")
		return err == nil && status.Pairing != nil && status.Pairing.Code == "PAIR-2"
	})

	status, err := g.Status("acct1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Pairing.ExpiresAt.Equal(firstDeadline) {
		t.Fatalf("refresh moved the deadline: first=%v now=%v", firstDeadline, status.Pairing.ExpiresAt)
	}
}

func TestInitResumesFromStoredCredentials(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.Opened{Identity: "555@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	creds := newMemStore()
	creds.Save("acct1", []byte("stored"))
	g := newTestGateway(t, testConfig(), dialer, creds, &captureSink{})

	res, err := g.Init(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !res.Connected {
		t.Fatal("expected connected outcome from stored credentials")
	}
	if res.Identity != "555@service" {
		t.Fatalf("unexpected identity: %q", res.Identity)
	}
	if res.Pairing != nil {
		t.Fatal("resume path must not produce a pairing artifact")
	}

	status, _ := g.Status("acct1")
	if status.State != StateOpen {
		t.Fatalf("unexpected state: %s", status.State)
	}
}

func TestInitIdempotentOnOpenSession(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.Opened{Identity: "555@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), &captureSink{})

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("first init: %v", err)
	}
	res, err := g.Init(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !res.Connected || res.Identity != "555@service" {
		t.Fatalf("unexpected idempotent result: %+v", res)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
}

func TestAdmissionLimitRejectsAndRecovers(t *testing.T) {
	testlog.Start(t)

	trA := newFakeTransport(transport.Opened{Identity: "a@service"})
	trB := newFakeTransport(transport.Opened{Identity: "b@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{trA, trB}}
	cfg := testConfig()
	cfg.SessionLimit = 1
	g := newTestGateway(t, cfg, dialer, newMemStore(), &captureSink{})

	if _, err := g.Init(context.Background(), "acctA"); err != nil {
		t.Fatalf("init acctA: %v", err)
	}
	if _, err := g.Init(context.Background(), "acctB"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if err := g.Disconnect(context.Background(), "acctA"); err != nil {
		t.Fatalf("disconnect acctA: %v", err)
	}
	if _, err := g.Init(context.Background(), "acctB"); err != nil {
		t.Fatalf("init acctB after slot freed: %v", err)
	}
}

func TestRecoverableCloseReconnectsAndResetsCounter(t *testing.T) {
	testlog.Start(t)

	tr1 := newFakeTransport(transport.Opened{Identity: "a@service"})
	tr2 := newFakeTransport(transport.Opened{Identity: "a@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr1, tr2}}
	creds := newMemStore()
	creds.Save("acct1", []byte("stored"))
	g := newTestGateway(t, testConfig(), dialer, creds, &captureSink{})

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	tr1.emit(transport.Closed{Reason: transport.CloseError, Err: errors.New("stream error")})

	waitFor(t, "reconnect to open", func() bool {
		status, err := g.Status("acct1")
		return err == nil && status.State == StateOpen && dialer.dialCount() == 2
	})

	snap := g.Snapshot()
	if len(snap) != 1 || snap[0].Attempts != 0 {
		t.Fatalf("expected reset attempt counter, got %+v", snap)
	}
	if !creds.has("acct1") {
		t.Fatal("recoverable close must not touch credentials")
	}
}

func TestTerminalLogoutDestroysAndErasesCredentials(t *testing.T) {
	testlog.Start(t)

	tr1 := newFakeTransport(transport.Opened{Identity: "a@service"})
	tr2 := newFakeTransport(transport.PairingCode{Code: "FRESH"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr1, tr2}}
	creds := newMemStore()
	creds.Save("acct1", []byte("stored"))
	g := newTestGateway(t, testConfig(), dialer, creds, &captureSink{})

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	tr1.emit(transport.Closed{Reason: transport.CloseLoggedOut})

	waitFor(t, "session destroyed after logout", func() bool {
		_, err := g.Status("acct1")
		return errors.Is(err, ErrNotFound)
	})
	if creds.has("acct1") {
		t.Fatal("expected credentials erased on terminal logout")
	}

	// A later init starts a fresh pairing flow.
	res, err := g.Init(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if res.Connected || res.Pairing == nil || res.Pairing.Code != "FRESH" {
		t.Fatalf("expected fresh pairing flow, got %+v", res)
	}
}

func TestReconnectExhaustionDestroysWithoutErasing(t *testing.T) {
	testlog.Start(t)

	tr1 := newFakeTransport(transport.Opened{Identity: "a@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr1, nil, nil}}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	creds := newMemStore()
	creds.Save("acct1", []byte("stored"))
	g := newTestGateway(t, cfg, dialer, creds, &captureSink{})

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	tr1.emit(transport.Closed{Reason: transport.CloseError})

	waitFor(t, "session destroyed after exhausted reconnects", func() bool {
		_, err := g.Status("acct1")
		return errors.Is(err, ErrNotFound)
	})
	if !creds.has("acct1") {
		t.Fatal("exhausted reconnects must preserve credentials for manual re-init")
	}
}

func TestConnectFailureSurfacesToInitAndCleansUp(t *testing.T) {
	testlog.Start(t)

	dialer := &fakeDialer{queue: []*fakeTransport{nil}}
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), &captureSink{})

	_, err := g.Init(context.Background(), "acct1")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	waitFor(t, "no orphaned record", func() bool {
		_, tracked := g.Counts()
		return tracked == 0
	})
}

func TestTeardownDuringDialClosesLateTransport(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	dialer := newGatedDialer(tr)
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), &captureSink{})

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Init(context.Background(), "acct1")
		errCh <- err
	}()

	// Tear the session down while the dial is still parked, then let the
	// dial hand back its transport.
	<-dialer.entered
	if err := g.Disconnect(context.Background(), "acct1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	close(dialer.release)

	if err := <-errCh; err == nil {
		t.Fatal("expected init to fail on a torn-down session")
	}
	waitFor(t, "late transport closed", func() bool { return tr.isClosed() })
	if _, tracked := g.Counts(); tracked != 0 {
		t.Fatalf("expected no tracked sessions, got %d", tracked)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.Opened{Identity: "a@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	creds := newMemStore()
	g := newTestGateway(t, testConfig(), dialer, creds, &captureSink{})

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := g.Disconnect(context.Background(), "acct1"); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := g.Disconnect(context.Background(), "acct1"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if got := tr.logouts(); got != 1 {
		t.Fatalf("expected one remote logout, got %d", got)
	}
	if _, err := g.Status("acct1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected destroyed session, got %v", err)
	}
}

func TestSendRequiresOpenSession(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.PairingCode{Code: "PAIR-1"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), &captureSink{})

	if _, _, err := send(g, "ghost", "dest", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, _, err := send(g, "acct1", "dest", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while pairing, got %v", err)
	}
}

func TestSendRecordsOutboundMessage(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport(transport.Opened{Identity: "me@service"})
	dialer := &fakeDialer{queue: []*fakeTransport{tr}}
	sink := &captureSink{}
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), sink)

	if _, err := g.Init(context.Background(), "acct1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	receipt, err := g.Send(context.Background(), "acct1", "dest@service", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.MessageID == "" {
		t.Fatal("expected message id in receipt")
	}
	waitFor(t, "outbound record in sink", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	msg := sink.msgs[0]
	if !msg.FromSelf || msg.Body != "hello" || msg.Sender != "me@service" {
		t.Fatalf("unexpected outbound record: %+v", msg)
	}
}

func TestSingleRecordPerAccountUnderConcurrentInit(t *testing.T) {
	testlog.Start(t)

	queue := make([]*fakeTransport, 0, 16)
	for i := 0; i < 16; i++ {
		queue = append(queue, newFakeTransport(transport.Opened{Identity: fmt.Sprintf("id-%d", i)}))
	}
	dialer := &fakeDialer{queue: queue}
	g := newTestGateway(t, testConfig(), dialer, newMemStore(), &captureSink{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Init(context.Background(), "acct1")
		}()
	}
	wg.Wait()

	_, tracked := g.Counts()
	if tracked != 1 {
		t.Fatalf("expected one tracked session, got %d", tracked)
	}
}

func send(g *Gateway, account, dest, content string) (string, string, error) {
	receipt, err := g.Send(context.Background(), account, dest, content)
	return receipt.MessageID, receipt.ChatID, err
}
