package meow

import (
	"context"
	"unicode/utf8"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/danmuck/hermod/internal/transport"
)

// quotedLimit caps the excerpt carried for replied-to messages.
const quotedLimit = 160

// downloader is the slice of the whatsmeow client that media fetch
// closures need.
type downloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// convert maps one whatsmeow message event onto the transport record.
func (c *conn) convert(evt *events.Message) transport.Message {
	info := evt.Info
	m := transport.Message{
		ID:         info.ID,
		ChatID:     info.Chat.String(),
		Sender:     info.Sender.String(),
		SenderName: info.PushName,
		FromSelf:   info.IsFromMe,
		IsGroup:    info.IsGroup,
		Timestamp:  info.Timestamp,
		Class:      transport.DeliveryLive,
	}
	if m.IsGroup {
		m.Participant = info.Sender.String()
	}
	populate(&m, c.client, evt.Message)
	return m
}

// populate classifies the payload and fills kind, body, quoted excerpt,
// and media descriptor. Media bytes are fetched lazily through the
// descriptor so undelivered payloads cost nothing.
func populate(m *transport.Message, dl downloader, payload *waProto.Message) {
	if payload == nil {
		m.Kind = transport.KindText
		return
	}
	switch {
	case payload.GetStickerMessage() != nil:
		st := payload.GetStickerMessage()
		m.Kind = transport.KindSticker
		m.Quoted = quotedExcerpt(st.GetContextInfo())
		m.Media = &transport.Media{Subtype: "sticker", MimeType: st.GetMimetype(), Fetch: fetcher(dl, st)}
	case payload.GetAudioMessage() != nil:
		au := payload.GetAudioMessage()
		subtype := "audio"
		if au.GetPTT() {
			m.Kind = transport.KindVoice
			m.VoiceSeconds = int(au.GetSeconds())
			subtype = "voice"
		} else {
			m.Kind = transport.KindMedia
		}
		m.Quoted = quotedExcerpt(au.GetContextInfo())
		m.Media = &transport.Media{Subtype: subtype, MimeType: au.GetMimetype(), Fetch: fetcher(dl, au)}
	case payload.GetImageMessage() != nil:
		im := payload.GetImageMessage()
		m.Kind = transport.KindMedia
		m.Body = im.GetCaption()
		m.Quoted = quotedExcerpt(im.GetContextInfo())
		m.Media = &transport.Media{Subtype: "image", MimeType: im.GetMimetype(), Fetch: fetcher(dl, im)}
	case payload.GetVideoMessage() != nil:
		vi := payload.GetVideoMessage()
		m.Kind = transport.KindMedia
		m.Body = vi.GetCaption()
		m.Quoted = quotedExcerpt(vi.GetContextInfo())
		m.Media = &transport.Media{Subtype: "video", MimeType: vi.GetMimetype(), Fetch: fetcher(dl, vi)}
	case payload.GetDocumentMessage() != nil:
		doc := payload.GetDocumentMessage()
		m.Kind = transport.KindMedia
		m.Body = doc.GetCaption()
		m.Quoted = quotedExcerpt(doc.GetContextInfo())
		m.Media = &transport.Media{Subtype: "document", MimeType: doc.GetMimetype(), Fetch: fetcher(dl, doc)}
	case payload.GetExtendedTextMessage() != nil:
		ext := payload.GetExtendedTextMessage()
		m.Body = ext.GetText()
		m.Quoted = quotedExcerpt(ext.GetContextInfo())
		if m.Quoted != "" {
			m.Kind = transport.KindReply
		} else {
			m.Kind = transport.KindText
		}
	default:
		m.Kind = transport.KindText
		m.Body = payload.GetConversation()
	}
}

func fetcher(dl downloader, msg whatsmeow.DownloadableMessage) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return dl.Download(ctx, msg)
	}
}

// quotedExcerpt extracts a short excerpt of the replied-to message.
func quotedExcerpt(ci *waProto.ContextInfo) string {
	quoted := ci.GetQuotedMessage()
	if quoted == nil {
		return ""
	}
	return truncate(textOf(quoted), quotedLimit)
}

// textOf pulls the human-readable text out of a message payload.
func textOf(payload *waProto.Message) string {
	switch {
	case payload.GetConversation() != "":
		return payload.GetConversation()
	case payload.GetExtendedTextMessage().GetText() != "":
		return payload.GetExtendedTextMessage().GetText()
	case payload.GetImageMessage().GetCaption() != "":
		return payload.GetImageMessage().GetCaption()
	case payload.GetVideoMessage().GetCaption() != "":
		return payload.GetVideoMessage().GetCaption()
	case payload.GetDocumentMessage().GetCaption() != "":
		return payload.GetDocumentMessage().GetCaption()
	default:
		return ""
	}
}

// truncate caps a string at limit runes without splitting one.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
