package bridge

import "errors"

var (
	// ErrCapacity reports that the open-session ceiling is reached.
	ErrCapacity = errors.New("bridge: session capacity reached")
	// ErrNotFound reports that no session exists for the account.
	ErrNotFound = errors.New("bridge: no session for account")
	// ErrNotConnected reports an operation that needs an open session.
	ErrNotConnected = errors.New("bridge: session not open")
	// ErrTransport wraps failures surfaced by the messaging transport.
	ErrTransport = errors.New("bridge: transport failure")
	// ErrPairingTimeout reports that no pairing completed in time.
	ErrPairingTimeout = errors.New("bridge: pairing did not complete in time")
	// ErrAccountIDRequired reports an empty account id.
	ErrAccountIDRequired = errors.New("bridge: account id required")
)

// errAccountOwned signals a lost install race; the caller re-reads the
// registry and retries.
var errAccountOwned = errors.New("bridge: account already owned")
