// Package feed streams relay activity to websocket subscribers.
//
// Ownership boundary:
//   - owns the frame format and per-subscriber buffering
//   - a slow subscriber loses frames, never blocks the relay; durable
//     delivery belongs to the webhook and the history store
package feed

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBuffer = 64

// Frame is one feed entry as delivered to subscribers.
type Frame struct {
	Event     string    `json:"event"`
	AccountID string    `json:"account,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// client is one subscriber. send is never closed: a broadcast racing a
// disconnect may still be holding it, and sending on a closed channel
// would panic the publisher. close signals done instead and the buffer
// is left for the collector.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster fans relay activity out to connected websocket clients.
type Broadcaster struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

// NewBroadcaster builds a feed hub. origins lists additional browser
// origins allowed to subscribe; same-host and localhost are always
// accepted.
func NewBroadcaster(log zerolog.Logger, origins []string) *Broadcaster {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			allowed[trimmed] = true
		}
	}
	b := &Broadcaster{
		log:     log,
		clients: make(map[*client]bool),
	}
	b.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowed)
		},
	}
	return b
}

// HandleWS upgrades the request and subscribes it to the feed. The
// caller is expected to have authorized the request already.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("feed upgrade failed")
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()
	b.log.Debug().Str("remote", r.RemoteAddr).Msg("feed client connected")

	go func() {
		defer func() {
			b.remove(c)
			b.log.Debug().Str("remote", r.RemoteAddr).Msg("feed client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish sends one frame to every subscriber. Frames to subscribers
// with full buffers are dropped.
func (b *Broadcaster) Publish(event, accountID string, payload any) {
	frame := Frame{
		Event:     event,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		b.log.Warn().Err(err).Str("event", event).Msg("feed frame encode failed")
		return
	}

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		select {
		case <-c.done:
		case c.send <- data:
		default:
			b.log.Debug().Str("event", event).Msg("feed frame dropped for slow client")
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects all subscribers and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
}

func originAllowed(r *http.Request, allowed map[string]bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if allowed[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}
