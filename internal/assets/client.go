// Package assets uploads media payloads to an external object store and
// returns the public reference embedded in relay records.
//
// Ownership boundary:
//   - owns the upload protocol against the configured store
//   - does not fetch media from the messaging service; callers hand it
//     the raw payload
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/hermod/internal/observability"
)

const defaultTimeout = 15 * time.Second

// Config holds object store settings.
type Config struct {
	// BaseURL is the store root. Objects are POSTed to BaseURL/<key>.
	// Empty disables uploads.
	BaseURL string
	// Token, when set, is sent as a bearer Authorization header.
	Token string
	// Timeout bounds one upload end to end.
	Timeout time.Duration
}

// Client uploads payloads to a single configured store.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds an upload client. A disabled config (empty BaseURL) yields
// a client that reports Enabled() == false.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether a store is configured.
func (c *Client) Enabled() bool {
	return c != nil && strings.TrimSpace(c.cfg.BaseURL) != ""
}

// Upload posts one payload under key and returns its public URL. When
// the store's response body names a url it wins; otherwise the object's
// posted location is returned.
func (c *Client) Upload(ctx context.Context, key, contentType string, payload []byte) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("assets: no store configured")
	}
	target, err := url.JoinPath(c.cfg.BaseURL, key)
	if err != nil {
		return "", fmt.Errorf("assets: bad key %q: %w", key, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("assets: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordMediaUpload(false)
		return "", fmt.Errorf("assets: post %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordMediaUpload(false)
		return "", fmt.Errorf("assets: store returned %s for %s", resp.Status, key)
	}
	observability.RecordMediaUpload(true)

	var located struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &located); err == nil && located.URL != "" {
		return located.URL, nil
	}
	return target, nil
}
