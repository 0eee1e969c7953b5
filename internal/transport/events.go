package transport

import (
	"context"
	"time"
)

// Event is a lifecycle or message signal emitted by a transport connection.
type Event interface {
	event()
}

// PairingCode carries a fresh pairing code awaiting an out-of-band scan.
type PairingCode struct {
	Code string
}

// Opened signals the connection reached the authenticated open state.
type Opened struct {
	Identity string
}

// Closed signals the connection ended.
type Closed struct {
	Reason CloseReason
	Err    error
}

// CredentialsChanged carries the updated credential blob to persist.
type CredentialsChanged struct {
	Credentials []byte
}

// MessageEvent wraps one inbound or echoed message.
type MessageEvent struct {
	Message Message
}

func (PairingCode) event()        {}
func (Opened) event()             {}
func (Closed) event()             {}
func (CredentialsChanged) event() {}
func (MessageEvent) event()       {}

// CloseReason classifies why a connection ended.
type CloseReason int

const (
	CloseError CloseReason = iota
	CloseLoggedOut
	CloseStreamEnded
)

func (r CloseReason) String() string {
	switch r {
	case CloseLoggedOut:
		return "logged_out"
	case CloseStreamEnded:
		return "stream_ended"
	default:
		return "error"
	}
}

// Terminal reports whether the reason ends the account's pairing.
// Only an explicit remote logout is terminal; every other close is
// recoverable.
func (r CloseReason) Terminal() bool {
	return r == CloseLoggedOut
}

// DeliveryClass separates live traffic from historical backfill.
type DeliveryClass int

const (
	DeliveryLive DeliveryClass = iota
	DeliveryBackfill
)

// MessageKind classifies the payload types a driver can surface.
type MessageKind int

const (
	KindText MessageKind = iota
	KindMedia
	KindVoice
	KindSticker
	KindReply
)

func (k MessageKind) String() string {
	switch k {
	case KindMedia:
		return "media"
	case KindVoice:
		return "voice"
	case KindSticker:
		return "sticker"
	case KindReply:
		return "reply"
	default:
		return "text"
	}
}

// Media describes a retrievable payload attached to a message.
// Fetch downloads the raw bytes on demand; it is nil for non-media kinds.
type Media struct {
	Subtype  string
	MimeType string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// Message is one message event as the driver observed it.
//
// Sender may be an account-scoped alias identifier; consumers dereference it
// through the driver's Directory when an entry exists.
type Message struct {
	ID           string
	ChatID       string
	Sender       string
	SenderName   string
	FromSelf     bool
	IsGroup      bool
	Participant  string
	Kind         MessageKind
	Body         string
	Quoted       string
	VoiceSeconds int
	Media        *Media
	Timestamp    time.Time
	Class        DeliveryClass
}
