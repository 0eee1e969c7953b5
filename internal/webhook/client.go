// Package webhook posts relay envelopes to the operator's endpoint.
//
// Ownership boundary:
//   - owns the envelope wire format and delivery headers
//   - delivers each envelope at most once; a failed POST is logged by the
//     caller and never retried
//   - does not decide what gets delivered; the relay does
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/hermod/internal/observability"
)

// DeliveryHeader carries a unique id per POST so receivers can detect
// duplicate deliveries caused by anything upstream of this client.
const DeliveryHeader = "X-Hermod-Delivery"

const defaultTimeout = 7 * time.Second

// Config holds webhook endpoint settings.
type Config struct {
	// URL is the endpoint to POST envelopes to. Empty disables delivery.
	URL string
	// Token, when set, is sent as a bearer Authorization header.
	Token string
	// Timeout bounds one delivery attempt end to end.
	Timeout time.Duration
	// CAFile optionally points at a PEM bundle trusted for the endpoint
	// in addition to the system roots.
	CAFile string
}

// Envelope is the JSON body posted for every relayed event.
type Envelope struct {
	Event     string    `json:"event"`
	AccountID string    `json:"account"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Client posts envelopes to a single configured endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a delivery client. A disabled config (empty URL) yields a
// client whose Deliver is a no-op.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := http.DefaultTransport
	if cfg.CAFile != "" {
		tlsConf, err := tlsConfigForCA(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = tlsConf
		transport = t
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && strings.TrimSpace(c.cfg.URL) != ""
}

// Deliver posts one envelope. It makes exactly one attempt; any failure
// is returned to the caller and the envelope is dropped.
func (c *Client) Deliver(ctx context.Context, env Envelope) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook: encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hermod")
	req.Header.Set(DeliveryHeader, uuid.NewString())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordWebhookDelivery(env.Event, false, time.Since(start))
		return fmt.Errorf("webhook: post %s: %w", env.Event, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	observability.RecordWebhookDelivery(env.Event, ok, time.Since(start))
	if !ok {
		return fmt.Errorf("webhook: endpoint returned %s for %s", resp.Status, env.Event)
	}
	return nil
}

func tlsConfigForCA(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("webhook: read ca bundle: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("webhook: ca bundle contains no certificates")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
