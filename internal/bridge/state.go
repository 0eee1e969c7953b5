package bridge

import (
	"encoding/json"
	"fmt"
)

// ConnectionState is one stop in the session lifecycle.
type ConnectionState int32

const (
	// StateConnecting covers dialing and the wait for the service to
	// either open the connection or ask for pairing.
	StateConnecting ConnectionState = iota
	// StatePairingPending means a pairing code is live and waiting to be
	// scanned.
	StatePairingPending
	// StateOpen is the steady state: authenticated and receiving events.
	StateOpen
	// StateClosing covers teardown and the backoff wait between
	// reconnect attempts.
	StateClosing
	// StateClosed is terminal for this session object.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePairingPending:
		return "pairing_pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalJSON serves states by name.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the names MarshalJSON emits.
func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	state, ok := stateByName[name]
	if !ok {
		return fmt.Errorf("bridge: unknown connection state %q", name)
	}
	*s = state
	return nil
}

var stateByName = map[string]ConnectionState{
	"connecting":      StateConnecting,
	"pairing_pending": StatePairingPending,
	"open":            StateOpen,
	"closing":         StateClosing,
	"closed":          StateClosed,
}
