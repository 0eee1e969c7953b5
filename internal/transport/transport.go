// Package transport defines the contract between the session gateway and the
// protocol drivers that provide messaging connectivity.
//
// Ownership boundary:
// - drivers own the wire protocol, pairing handshake, and encryption
//
// - the gateway owns lifecycle state, reconnects, and teardown
//
// Drivers surface everything the gateway needs through the typed event
// stream; they never call back into gateway state.
package transport

import (
	"context"
	"time"
)

// DialRequest carries what a driver needs to produce a connection handle.
type DialRequest struct {
	AccountID   string
	Credentials []byte
	EventBuffer int
}

// Dialer produces transport connections for accounts.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Transport, error)
}

// Transport is one account's live protocol connection.
//
// Connect starts the connection attempt; progress and failures after a
// successful Connect are reported on the event stream. Close releases local
// resources without ending the remote pairing; Logout ends it.
type Transport interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	Send(ctx context.Context, destination, content string) (SendResult, error)
	Logout(ctx context.Context) error
	Close() error
}

// SendResult reports the driver-assigned identity of a sent message.
type SendResult struct {
	MessageID string
	ChatID    string
	IsGroup   bool
	Timestamp time.Time
}

// Directory resolves aliases and display names known to a driver.
//
// ResolveAlias dereferences an account-scoped alias identifier to a stable
// routable identity; it reports false when no directory entry exists and the
// caller should pass the identifier through as-is.
type Directory interface {
	ResolveAlias(ctx context.Context, accountID, alias string) (string, bool)
	DisplayName(ctx context.Context, accountID, identity string) (string, bool)
}
