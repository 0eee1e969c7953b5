package relay

import (
	"strings"
	"time"

	"github.com/danmuck/hermod/internal/history"
	"github.com/danmuck/hermod/internal/transport"
)

// Record is the normalized form of one message as posted to the webhook,
// streamed on the feed, and archived in history.
type Record struct {
	MessageID    string    `json:"message_id"`
	AccountID    string    `json:"account"`
	ChatID       string    `json:"chat_id"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"sender_name"`
	Direction    string    `json:"direction"`
	IsGroup      bool      `json:"is_group"`
	Participant  string    `json:"participant,omitempty"`
	Kind         string    `json:"kind"`
	MediaSubtype string    `json:"media_subtype,omitempty"`
	AssetURL     string    `json:"asset_url,omitempty"`
	Body         string    `json:"body"`
	Quoted       string    `json:"quoted,omitempty"`
	VoiceSeconds int       `json:"voice_seconds,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

func direction(fromSelf bool) string {
	if fromSelf {
		return history.DirectionOut
	}
	return history.DirectionIn
}

// placeholderBody labels a record that carries no text of its own so
// downstream consumers always have something to show.
func placeholderBody(msg transport.Message) string {
	switch msg.Kind {
	case transport.KindVoice:
		return "[voice message]"
	case transport.KindSticker:
		return "[sticker]"
	case transport.KindMedia:
		subtype := ""
		if msg.Media != nil {
			subtype = msg.Media.Subtype
		}
		switch subtype {
		case "image":
			return "[image]"
		case "video":
			return "[video]"
		case "document":
			return "[document]"
		default:
			return "[media]"
		}
	default:
		return ""
	}
}

// localPart strips the service suffix from an identity, leaving the
// user-visible part.
func localPart(identity string) string {
	if at := strings.IndexByte(identity, '@'); at >= 0 {
		return identity[:at]
	}
	return identity
}

// assetExt picks a filename extension for an uploaded payload from its
// declared mime type.
func assetExt(mimeType string) string {
	base := mimeType
	if semi := strings.IndexByte(base, ';'); semi >= 0 {
		base = base[:semi]
	}
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/3gpp":
		return ".3gp"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
