// Package config loads and validates the gateway daemon configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/hermod/internal/assets"
	"github.com/danmuck/hermod/internal/bridge"
	"github.com/danmuck/hermod/internal/webhook"
)

var (
	ErrListenAddrRequired = errors.New("config: listen_addr required")
	ErrDataDirRequired    = errors.New("config: data_dir required")
	ErrDriverRequired     = errors.New("config: driver required")
)

// Config is the full daemon configuration after defaults and file
// overrides are applied.
type Config struct {
	// Instance names this gateway process in logs and metrics.
	Instance string
	// ListenAddr is the API listen address.
	ListenAddr string
	// APIToken guards the /api routes. Empty disables auth; intended
	// only for development deployments.
	APIToken string
	// DataDir roots all durable state: credential blobs, the history
	// database, and the transport device store.
	DataDir string
	// Driver selects the registered transport driver.
	Driver string
	// CORSOrigins lists browser origins allowed on the API and feed.
	CORSOrigins []string
	// HeartbeatInterval is the pool gauge logging cadence.
	HeartbeatInterval time.Duration

	Session bridge.Config
	Webhook webhook.Config
	Assets  assets.Config
}

// Default returns the compiled-in daemon configuration.
func Default() Config {
	return Config{
		Instance:          "hermod.local",
		ListenAddr:        ":8420",
		DataDir:           "local/data",
		Driver:            "meow",
		CORSOrigins:       []string{},
		HeartbeatInterval: 30 * time.Second,
		Session:           bridge.DefaultConfig(),
		Webhook:           webhook.Config{Timeout: 7 * time.Second},
		Assets:            assets.Config{Timeout: 15 * time.Second},
	}
}

// fileConfig mirrors the TOML layout. Durations are strings so the file
// stays readable; they are parsed during Load.
type fileConfig struct {
	Instance    string   `toml:"instance"`
	ListenAddr  string   `toml:"listen_addr"`
	APIToken    string   `toml:"api_token"`
	DataDir     string   `toml:"data_dir"`
	Driver      string   `toml:"driver"`
	CORSOrigins []string `toml:"cors_origins"`
	Heartbeat   string   `toml:"heartbeat"`

	Sessions fileSessions `toml:"sessions"`
	Webhook  fileWebhook  `toml:"webhook"`
	Assets   fileAssets   `toml:"assets"`
}

type fileSessions struct {
	Limit           int     `toml:"limit"`
	PairingTimeout  string  `toml:"pairing_timeout"`
	InitWaitTimeout string  `toml:"init_wait_timeout"`
	ConnectTimeout  string  `toml:"connect_timeout"`
	LogoutTimeout   string  `toml:"logout_timeout"`
	MaxReconnects   int     `toml:"max_reconnect_attempts"`
	SweepInterval   string  `toml:"sweep_interval"`
	SweepStaleAfter string  `toml:"sweep_stale_after"`
	EventBuffer     int     `toml:"event_buffer"`
	SendRate        float64 `toml:"send_rate"`
	SendBurst       int     `toml:"send_burst"`

	Backoff fileBackoff `toml:"backoff"`
}

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileWebhook struct {
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
	CAFile  string `toml:"ca_file"`
}

type fileAssets struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// Load reads the TOML file at path and overlays it on the defaults.
// Only keys present in the file override; everything else keeps its
// compiled-in value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load gateway config: %w", err)
	}

	if meta.IsDefined("instance") {
		if v := strings.TrimSpace(raw.Instance); v != "" {
			cfg.Instance = v
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("driver") {
		cfg.Driver = strings.TrimSpace(raw.Driver)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("heartbeat") {
		if err := setDuration(&cfg.HeartbeatInterval, raw.Heartbeat, "heartbeat"); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("sessions", "limit") {
		cfg.Session.SessionLimit = raw.Sessions.Limit
	}
	if meta.IsDefined("sessions", "pairing_timeout") {
		if err := setDuration(&cfg.Session.PairingTimeout, raw.Sessions.PairingTimeout, "sessions.pairing_timeout"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "init_wait_timeout") {
		if err := setDuration(&cfg.Session.InitWaitTimeout, raw.Sessions.InitWaitTimeout, "sessions.init_wait_timeout"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "connect_timeout") {
		if err := setDuration(&cfg.Session.ConnectTimeout, raw.Sessions.ConnectTimeout, "sessions.connect_timeout"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "logout_timeout") {
		if err := setDuration(&cfg.Session.LogoutTimeout, raw.Sessions.LogoutTimeout, "sessions.logout_timeout"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "max_reconnect_attempts") {
		cfg.Session.MaxReconnectAttempts = raw.Sessions.MaxReconnects
	}
	if meta.IsDefined("sessions", "sweep_interval") {
		if err := setDuration(&cfg.Session.SweepInterval, raw.Sessions.SweepInterval, "sessions.sweep_interval"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "sweep_stale_after") {
		if err := setDuration(&cfg.Session.SweepStaleAfter, raw.Sessions.SweepStaleAfter, "sessions.sweep_stale_after"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "event_buffer") {
		cfg.Session.EventBuffer = raw.Sessions.EventBuffer
	}
	if meta.IsDefined("sessions", "send_rate") {
		cfg.Session.SendRate = raw.Sessions.SendRate
	}
	if meta.IsDefined("sessions", "send_burst") {
		cfg.Session.SendBurst = raw.Sessions.SendBurst
	}
	if meta.IsDefined("sessions", "backoff", "initial_delay") {
		if err := setDuration(&cfg.Session.Backoff.InitialDelay, raw.Sessions.Backoff.InitialDelay, "sessions.backoff.initial_delay"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Sessions.Backoff.Multiplier
	}
	if meta.IsDefined("sessions", "backoff", "max_delay") {
		if err := setDuration(&cfg.Session.Backoff.MaxDelay, raw.Sessions.Backoff.MaxDelay, "sessions.backoff.max_delay"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sessions", "backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Sessions.Backoff.Jitter
	}

	if meta.IsDefined("webhook", "url") {
		cfg.Webhook.URL = strings.TrimSpace(raw.Webhook.URL)
	}
	if meta.IsDefined("webhook", "token") {
		cfg.Webhook.Token = strings.TrimSpace(raw.Webhook.Token)
	}
	if meta.IsDefined("webhook", "timeout") {
		if err := setDuration(&cfg.Webhook.Timeout, raw.Webhook.Timeout, "webhook.timeout"); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("webhook", "ca_file") {
		cfg.Webhook.CAFile = strings.TrimSpace(raw.Webhook.CAFile)
	}

	if meta.IsDefined("assets", "base_url") {
		cfg.Assets.BaseURL = strings.TrimSpace(raw.Assets.BaseURL)
	}
	if meta.IsDefined("assets", "token") {
		cfg.Assets.Token = strings.TrimSpace(raw.Assets.Token)
	}
	if meta.IsDefined("assets", "timeout") {
		if err := setDuration(&cfg.Assets.Timeout, raw.Assets.Timeout, "assets.timeout"); err != nil {
			return Config{}, err
		}
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return ErrDataDirRequired
	}
	if strings.TrimSpace(cfg.Driver) == "" {
		return ErrDriverRequired
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat must be positive, got %s", cfg.HeartbeatInterval)
	}
	session := cfg.Session.WithDefaults()
	if session.SweepStaleAfter <= session.Backoff.MaxDelay {
		return fmt.Errorf("config: sessions.sweep_stale_after (%s) must exceed sessions.backoff.max_delay (%s)",
			session.SweepStaleAfter, session.Backoff.MaxDelay)
	}
	return nil
}

func setDuration(dst *time.Duration, raw, key string) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, strings.TrimRight(v, "/"))
	}
	return out
}
