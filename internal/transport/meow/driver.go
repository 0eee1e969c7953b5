// Package meow is the production transport driver, backed by the
// whatsmeow library with a SQLite device store.
//
// Ownership boundary:
//   - owns the wire protocol, QR pairing handshake, and device storage
//   - never reconnects on its own; connection drops surface as close
//     events and the lifecycle owner decides what happens next
package meow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/danmuck/hermod/internal/transport"
)

// DriverID is the registry identifier of this driver.
const DriverID = "meow"

const defaultEventBuffer = 64

// Config configures the driver.
type Config struct {
	// StorePath is the SQLite file holding device records for every
	// account this driver pairs.
	StorePath string
	Log       zerolog.Logger
}

// Driver dials whatsmeow connections against a shared device store.
type Driver struct {
	container *sqlstore.Container
	log       zerolog.Logger
	walog     *waLogger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewDriver opens the device store and returns a ready dialer.
func NewDriver(ctx context.Context, cfg Config) (*Driver, error) {
	walog := newWALogger(cfg.Log)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+cfg.StorePath+"?_foreign_keys=on", walog.Sub("db"))
	if err != nil {
		return nil, fmt.Errorf("meow: open device store: %w", err)
	}
	return &Driver{
		container: container,
		log:       cfg.Log,
		walog:     walog,
		conns:     make(map[string]*conn),
	}, nil
}

// Dial builds a connection handle for one account. A credential blob
// selects the stored device; without one a fresh device is created and
// the connection will pair via QR.
func (d *Driver) Dial(ctx context.Context, req transport.DialRequest) (transport.Transport, error) {
	device, err := d.device(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}
	buffer := req.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	c := &conn{
		accountID: req.AccountID,
		driver:    d,
		events:    make(chan transport.Event, buffer),
		done:      make(chan struct{}),
	}
	client := whatsmeow.NewClient(device, d.walog.Sub("client"))
	client.EnableAutoReconnect = false
	client.AddEventHandler(c.handleEvent)
	c.client = client

	d.mu.Lock()
	d.conns[req.AccountID] = c
	d.mu.Unlock()
	return c, nil
}

// Close releases the device store. Live connections must be closed
// first by their owner.
func (d *Driver) Close() error {
	return d.container.Close()
}

// device maps a credential blob to its stored device. A blob pointing
// at a device the store no longer has falls back to a fresh pairing.
func (d *Driver) device(ctx context.Context, creds []byte) (*store.Device, error) {
	if len(creds) == 0 {
		return d.container.NewDevice(), nil
	}
	jid, err := decodeCredentials(creds)
	if err != nil {
		return nil, fmt.Errorf("meow: decode credentials: %w", err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meow: load device: %w", err)
	}
	if device == nil {
		d.log.Warn().Str("jid", jid.String()).Msg("stored device missing, pairing fresh")
		return d.container.NewDevice(), nil
	}
	return device, nil
}

func (d *Driver) lookup(accountID string) *conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[accountID]
}

func (d *Driver) untrack(c *conn) {
	d.mu.Lock()
	if d.conns[c.accountID] == c {
		delete(d.conns, c.accountID)
	}
	d.mu.Unlock()
}

// conn is one account's live whatsmeow connection.
type conn struct {
	accountID string
	driver    *Driver
	client    *whatsmeow.Client
	events    chan transport.Event

	closeOnce sync.Once
	done      chan struct{}
}

// Connect starts the connection. An unpaired device also starts the QR
// pump, which surfaces pairing codes on the event stream.
func (c *conn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("meow: qr channel: %w", err)
		}
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("meow: connect: %w", err)
		}
		go c.pumpQR(qrChan)
		return nil
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("meow: connect: %w", err)
	}
	return nil
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

// Send delivers a text message and reports its assigned identity.
func (c *conn) Send(ctx context.Context, destination, content string) (transport.SendResult, error) {
	to, err := destinationJID(destination)
	if err != nil {
		return transport.SendResult{}, err
	}
	resp, err := c.client.SendMessage(ctx, to, &waProto.Message{Conversation: proto.String(content)})
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("meow: send: %w", err)
	}
	return transport.SendResult{
		MessageID: resp.ID,
		ChatID:    to.String(),
		IsGroup:   to.Server == types.GroupServer,
		Timestamp: resp.Timestamp,
	}, nil
}

// Logout ends the remote pairing. whatsmeow also deletes the device
// from the store, so the next dial for this account pairs fresh.
func (c *conn) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("meow: logout: %w", err)
	}
	return nil
}

// Close drops the socket and releases the handle. The remote pairing
// survives; Logout ends it.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect()
		c.driver.untrack(c)
	})
	return nil
}

// emit delivers one event unless the connection is already closed.
func (c *conn) emit(ev transport.Event) {
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

// pumpQR forwards pairing codes until the handshake resolves. whatsmeow
// giving up on the handshake reads as a recoverable close.
func (c *conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(transport.PairingCode{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		default:
			c.emit(transport.Closed{
				Reason: transport.CloseError,
				Err:    fmt.Errorf("meow: pairing channel ended: %s", item.Event),
			})
			return
		}
	}
}

// handleEvent maps whatsmeow events onto the transport event stream.
func (c *conn) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.emit(transport.CredentialsChanged{Credentials: encodeCredentials(evt.ID)})
	case *events.Connected:
		identity := ""
		if id := c.client.Store.ID; id != nil {
			identity = id.User
			c.emit(transport.CredentialsChanged{Credentials: encodeCredentials(*id)})
		}
		c.emit(transport.Opened{Identity: identity})
	case *events.LoggedOut:
		c.emit(transport.Closed{
			Reason: transport.CloseLoggedOut,
			Err:    fmt.Errorf("meow: logged out by remote service: %v", evt.Reason),
		})
	case *events.StreamReplaced:
		c.emit(transport.Closed{
			Reason: transport.CloseError,
			Err:    errors.New("meow: stream replaced by another client"),
		})
	case *events.Disconnected:
		c.emit(transport.Closed{Reason: transport.CloseStreamEnded})
	case *events.Message:
		c.emit(transport.MessageEvent{Message: c.convert(evt)})
	case *events.HistorySync:
		c.handleHistorySync(evt)
	}
}

// handleHistorySync surfaces archived messages as backfill-class
// records. Consumers separate them from live traffic by class.
func (c *conn) handleHistorySync(evt *events.HistorySync) {
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, item := range conv.GetMessages() {
			parsed, err := c.client.ParseWebMessage(chat, item.GetMessage())
			if err != nil {
				continue
			}
			msg := c.convert(parsed)
			msg.Class = transport.DeliveryBackfill
			c.emit(transport.MessageEvent{Message: msg})
		}
	}
}

// destinationJID canonicalizes a send destination. Bare identifiers
// address individual accounts on the default server.
func destinationJID(destination string) (types.JID, error) {
	destination = strings.TrimSpace(strings.TrimPrefix(destination, "+"))
	if destination == "" {
		return types.JID{}, errors.New("meow: empty destination")
	}
	if strings.Contains(destination, "@") {
		jid, err := types.ParseJID(destination)
		if err != nil {
			return types.JID{}, fmt.Errorf("meow: parse destination: %w", err)
		}
		return jid, nil
	}
	return types.NewJID(destination, types.DefaultUserServer), nil
}

type credentialBlob struct {
	JID string `json:"jid"`
}

func encodeCredentials(id types.JID) []byte {
	blob, _ := json.Marshal(credentialBlob{JID: id.String()})
	return blob
}

func decodeCredentials(raw []byte) (types.JID, error) {
	var blob credentialBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return types.JID{}, err
	}
	return types.ParseJID(blob.JID)
}
