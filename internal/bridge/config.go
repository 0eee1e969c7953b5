package bridge

import "time"

// Config bounds session admission, pairing, and reconnect behavior.
type Config struct {
	// SessionLimit caps concurrently open sessions across all accounts.
	// Zero or negative means unlimited.
	SessionLimit int
	// PairingTimeout is how long a pairing window stays live. Refreshed
	// codes inside one window do not extend it.
	PairingTimeout time.Duration
	// InitWaitTimeout bounds how long an init call waits for the first
	// pairing code or an open connection.
	InitWaitTimeout time.Duration
	// ConnectTimeout bounds one dial against the remote service.
	ConnectTimeout time.Duration
	// LogoutTimeout bounds the remote logout during teardown.
	LogoutTimeout time.Duration
	// MaxReconnectAttempts caps consecutive reconnect attempts after
	// recoverable closes. Exceeding it destroys the session without
	// touching stored credentials.
	MaxReconnectAttempts int
	// SweepInterval is the maintenance sweep cadence.
	SweepInterval time.Duration
	// SweepStaleAfter is how long a session may sit in one non-live
	// state before the sweeper reclaims it. It must exceed
	// Backoff.MaxDelay or the sweeper will eat reconnect waits.
	SweepStaleAfter time.Duration
	// EventBuffer is the per-session transport event channel capacity.
	EventBuffer int
	// SendRate and SendBurst shape outbound sends per session, in
	// messages per second.
	SendRate  float64
	SendBurst int

	Backoff BackoffConfig
}

// DefaultConfig returns the gateway's session defaults.
func DefaultConfig() Config {
	return Config{
		SessionLimit:         8,
		PairingTimeout:       180 * time.Second,
		InitWaitTimeout:      40 * time.Second,
		ConnectTimeout:       20 * time.Second,
		LogoutTimeout:        5 * time.Second,
		MaxReconnectAttempts: 5,
		SweepInterval:        60 * time.Second,
		SweepStaleAfter:      90 * time.Second,
		EventBuffer:          64,
		SendRate:             1.0,
		SendBurst:            5,
		Backoff: BackoffConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       false,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.SessionLimit == 0 {
		c.SessionLimit = def.SessionLimit
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = def.PairingTimeout
	}
	if c.InitWaitTimeout <= 0 {
		c.InitWaitTimeout = def.InitWaitTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = def.LogoutTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SweepStaleAfter <= 0 {
		c.SweepStaleAfter = def.SweepStaleAfter
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.SendRate <= 0 {
		c.SendRate = def.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}
