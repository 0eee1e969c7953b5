// Package relay normalizes transport events and fans them out to the
// webhook endpoint, the history store, and the live feed.
//
// Ownership boundary:
//   - owns normalization: alias dereferencing, display names, direction,
//     placeholder bodies for records without text
//   - owns fan-out policy: webhook first with one attempt, then history
//     and feed regardless of webhook outcome
//   - backfill-class events are discarded here and reach nothing
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/hermod/internal/assets"
	"github.com/danmuck/hermod/internal/feed"
	"github.com/danmuck/hermod/internal/history"
	"github.com/danmuck/hermod/internal/observability"
	"github.com/danmuck/hermod/internal/transport"
	"github.com/danmuck/hermod/internal/webhook"
)

// Deps wires the relay's downstream consumers. Directory may be nil for
// transports without one; Assets, History, and Feed are each optional.
type Deps struct {
	Directory transport.Directory
	Webhook   *webhook.Client
	Assets    *assets.Client
	History   *history.Store
	Feed      *feed.Broadcaster
	Log       zerolog.Logger
}

// Relay is the single event pipeline shared by all sessions.
type Relay struct {
	deps Deps
}

// New builds a relay over the given consumers.
func New(deps Deps) *Relay {
	return &Relay{deps: deps}
}

// HandleMessage normalizes and fans out one message event. It is called
// on the owning session's driver goroutine, so records for one account
// leave in arrival order.
func (r *Relay) HandleMessage(ctx context.Context, accountID string, msg transport.Message) {
	if msg.Class == transport.DeliveryBackfill {
		observability.RecordBackfillDrop()
		r.deps.Log.Debug().
			Str("account", accountID).
			Str("message_id", msg.ID).
			Msg("backfill event discarded")
		return
	}

	rec := r.normalize(ctx, accountID, msg)
	if msg.Media != nil && !msg.FromSelf {
		rec.AssetURL = r.uploadMedia(ctx, accountID, msg)
	}
	observability.RecordRelayMessage(rec.Kind, rec.Direction)

	if r.deps.Webhook.Enabled() {
		env := webhook.Envelope{
			Event:     "message",
			AccountID: accountID,
			Timestamp: rec.Timestamp,
			Payload:   rec,
		}
		if err := r.deps.Webhook.Deliver(ctx, env); err != nil {
			r.deps.Log.Warn().Err(err).
				Str("account", accountID).
				Str("message_id", rec.MessageID).
				Msg("webhook delivery failed")
		}
	}

	if r.deps.History != nil {
		if err := r.deps.History.Record(ctx, accountID, historyMessage(ctx, r.deps.Directory, accountID, rec, msg)); err != nil {
			r.deps.Log.Warn().Err(err).
				Str("account", accountID).
				Str("message_id", rec.MessageID).
				Msg("history record failed")
		}
	}

	if r.deps.Feed != nil {
		r.deps.Feed.Publish("message", accountID, rec)
	}
}

// NotifyConnection posts a connection lifecycle envelope and mirrors it
// on the feed.
func (r *Relay) NotifyConnection(ctx context.Context, accountID, event string, detail map[string]string) {
	if r.deps.Webhook.Enabled() {
		env := webhook.Envelope{
			Event:     event,
			AccountID: accountID,
			Timestamp: time.Now().UTC(),
			Payload:   detail,
		}
		if err := r.deps.Webhook.Deliver(ctx, env); err != nil {
			r.deps.Log.Warn().Err(err).
				Str("account", accountID).
				Str("event", event).
				Msg("webhook delivery failed")
		}
	}
	if r.deps.Feed != nil {
		r.deps.Feed.Publish(event, accountID, detail)
	}
}

// normalize maps a transport message onto the wire record. Alias
// identities are dereferenced to canonical addresses and the sender's
// display name is resolved with the directory winning over the
// transport's own push name.
func (r *Relay) normalize(ctx context.Context, accountID string, msg transport.Message) Record {
	sender := r.deref(ctx, accountID, msg.Sender)
	participant := ""
	if msg.IsGroup {
		participant = sender
	}

	name := ""
	if r.deps.Directory != nil {
		if resolved, ok := r.deps.Directory.DisplayName(ctx, accountID, sender); ok {
			name = resolved
		}
	}
	if name == "" {
		name = msg.SenderName
	}
	if name == "" && !msg.FromSelf {
		name = localPart(sender)
	}

	body := msg.Body
	if body == "" {
		body = placeholderBody(msg)
	}

	rec := Record{
		MessageID:    msg.ID,
		AccountID:    accountID,
		ChatID:       msg.ChatID,
		Sender:       sender,
		SenderName:   name,
		Direction:    direction(msg.FromSelf),
		IsGroup:      msg.IsGroup,
		Participant:  participant,
		Kind:         msg.Kind.String(),
		Body:         body,
		Quoted:       msg.Quoted,
		VoiceSeconds: msg.VoiceSeconds,
		Timestamp:    msg.Timestamp.UTC(),
	}
	if msg.Media != nil {
		rec.MediaSubtype = msg.Media.Subtype
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return rec
}

// deref swaps an alias identity for its canonical address when the
// directory knows one.
func (r *Relay) deref(ctx context.Context, accountID, identity string) string {
	if r.deps.Directory == nil || identity == "" {
		return identity
	}
	if canonical, ok := r.deps.Directory.ResolveAlias(ctx, accountID, identity); ok {
		return canonical
	}
	return identity
}

// uploadMedia fetches the payload from the transport and pushes it to
// the asset store. Any failure leaves the record without an asset url;
// the record itself is still delivered.
func (r *Relay) uploadMedia(ctx context.Context, accountID string, msg transport.Message) string {
	if !r.deps.Assets.Enabled() {
		return ""
	}
	if msg.Media.Fetch == nil {
		return ""
	}
	payload, err := msg.Media.Fetch(ctx)
	if err != nil {
		r.deps.Log.Warn().Err(err).
			Str("account", accountID).
			Str("message_id", msg.ID).
			Msg("media fetch failed")
		return ""
	}
	key := accountID + "/" + msg.ID + assetExt(msg.Media.MimeType)
	ref, err := r.deps.Assets.Upload(ctx, key, msg.Media.MimeType, payload)
	if err != nil {
		r.deps.Log.Warn().Err(err).
			Str("account", accountID).
			Str("message_id", msg.ID).
			Msg("media upload failed")
		return ""
	}
	return ref
}

// historyMessage maps the wire record onto the archive row, resolving a
// group chat's own label when the directory has one.
func historyMessage(ctx context.Context, dir transport.Directory, accountID string, rec Record, msg transport.Message) history.Message {
	chatName := ""
	if msg.IsGroup && dir != nil {
		if name, ok := dir.DisplayName(ctx, accountID, msg.ChatID); ok {
			chatName = name
		}
	}
	return history.Message{
		MessageID:    rec.MessageID,
		ChatID:       rec.ChatID,
		Sender:       rec.Sender,
		SenderName:   rec.SenderName,
		Direction:    rec.Direction,
		IsGroup:      rec.IsGroup,
		Participant:  rec.Participant,
		Kind:         rec.Kind,
		MediaSubtype: rec.MediaSubtype,
		AssetURL:     rec.AssetURL,
		Body:         rec.Body,
		Quoted:       rec.Quoted,
		VoiceSeconds: rec.VoiceSeconds,
		Timestamp:    rec.Timestamp,
		ChatName:     chatName,
	}
}
