// Package bridge owns session lifecycle concerns.
//
// Ownership boundary:
// - session admission and the one-session-per-account rule
// - lifecycle state transitions and pairing windows
// - reconnect scheduling after recoverable closes
// - teardown, including remote logout and credential erasure
//
// Bridge does not speak the messaging protocol; transports do.
// Bridge does not deliver events downstream; the relay does.
package bridge
