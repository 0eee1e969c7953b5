package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# hermod gateway configuration.
# Every key is optional; omitted keys keep their compiled-in defaults.

`

// Template renders a starter config of the given kind as TOML.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gateway":
		return gatewayTemplate()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// WriteTemplate writes a starter config to path. Existing files are
// kept unless overwrite is set.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// gatewayTemplate marshals the default configuration back into the file
// layout, so the template can never drift from the compiled defaults.
func gatewayTemplate() (string, error) {
	def := Default()
	raw := fileConfig{
		Instance:    def.Instance,
		ListenAddr:  def.ListenAddr,
		APIToken:    "",
		DataDir:     def.DataDir,
		Driver:      def.Driver,
		CORSOrigins: []string{"http://localhost:3000"},
		Heartbeat:   def.HeartbeatInterval.String(),
		Sessions: fileSessions{
			Limit:           def.Session.SessionLimit,
			PairingTimeout:  def.Session.PairingTimeout.String(),
			InitWaitTimeout: def.Session.InitWaitTimeout.String(),
			ConnectTimeout:  def.Session.ConnectTimeout.String(),
			LogoutTimeout:   def.Session.LogoutTimeout.String(),
			MaxReconnects:   def.Session.MaxReconnectAttempts,
			SweepInterval:   def.Session.SweepInterval.String(),
			SweepStaleAfter: def.Session.SweepStaleAfter.String(),
			EventBuffer:     def.Session.EventBuffer,
			SendRate:        def.Session.SendRate,
			SendBurst:       def.Session.SendBurst,
			Backoff: fileBackoff{
				InitialDelay: def.Session.Backoff.InitialDelay.String(),
				Multiplier:   def.Session.Backoff.Multiplier,
				MaxDelay:     def.Session.Backoff.MaxDelay.String(),
				Jitter:       def.Session.Backoff.Jitter,
			},
		},
		Webhook: fileWebhook{
			URL:     "",
			Token:   "",
			Timeout: (7 * time.Second).String(),
		},
		Assets: fileAssets{
			BaseURL: "",
			Token:   "",
			Timeout: (15 * time.Second).String(),
		},
	}
	body, err := toml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("render gateway template: %w", err)
	}
	return templateHeader + string(body), nil
}
