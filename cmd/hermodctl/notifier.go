package main

import (
	"context"
	"time"

	"github.com/danmuck/hermod/internal/bridge"
	"github.com/danmuck/hermod/internal/feed"
	"github.com/danmuck/hermod/internal/relay"
)

const notifyTimeout = 10 * time.Second

// lifecycleNotifier fans session lifecycle changes out to the webhook
// and the live feed. Lifecycle goroutines must not block, so webhook
// deliveries run detached.
type lifecycleNotifier struct {
	relay *relay.Relay
	feed  *feed.Broadcaster
}

func newLifecycleNotifier(rel *relay.Relay, broadcaster *feed.Broadcaster) *lifecycleNotifier {
	return &lifecycleNotifier{relay: rel, feed: broadcaster}
}

func (n *lifecycleNotifier) StateChanged(accountID string, state bridge.ConnectionState) {
	if n.feed != nil {
		n.feed.Publish("session_state", accountID, map[string]string{"state": state.String()})
	}
}

func (n *lifecycleNotifier) ConnectionOpened(accountID, identity string) {
	n.post(accountID, "connected", map[string]string{"identity": identity})
}

func (n *lifecycleNotifier) ConnectionClosed(accountID, reason string) {
	n.post(accountID, "disconnected", map[string]string{"reason": reason})
}

func (n *lifecycleNotifier) post(accountID, event string, detail map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		n.relay.NotifyConnection(ctx, accountID, event, detail)
	}()
}
