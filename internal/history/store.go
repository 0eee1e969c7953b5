// Package history records relayed messages and per-conversation summaries
// in a local sqlite database so the control surface can list conversations
// and replay recent messages without asking the remote service.
//
// Ownership boundary:
//   - owns the sqlite schema for chats and messages
//   - owns unread accounting: inbound records increment, outbound reset
//   - does not interpret message content; the relay decides what to store
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message directions as stored and served.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ErrStoreClosed reports use of a store after Close.
var ErrStoreClosed = errors.New("history: store closed")

// Chat summarizes one conversation for an account.
type Chat struct {
	ChatID       string    `json:"chat_id"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	LastActivity time.Time `json:"last_activity"`
	Unread       int       `json:"unread"`
}

// Message is one stored message record.
type Message struct {
	MessageID    string    `json:"message_id"`
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

	// ChatName labels the conversation row on input. It is not part of
	// the served message record.
	ChatName string `json:"-"`
}

// Store is a sqlite-backed message archive shared by all accounts.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	account_id    TEXT NOT NULL,
	chat_id       TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	is_group      INTEGER NOT NULL DEFAULT 0,
	last_activity INTEGER NOT NULL DEFAULT 0,
	unread        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, chat_id)
);
CREATE TABLE IF NOT EXISTS messages (
	account_id    TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	chat_id       TEXT NOT NULL,
	sender        TEXT NOT NULL DEFAULT '',
	sender_name   TEXT NOT NULL DEFAULT '',
	direction     TEXT NOT NULL,
	is_group      INTEGER NOT NULL DEFAULT 0,
	participant   TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	media_subtype TEXT NOT NULL DEFAULT '',
	asset_url     TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	quoted        TEXT NOT NULL DEFAULT '',
	voice_seconds INTEGER NOT NULL DEFAULT 0,
	ts            INTEGER NOT NULL,
	PRIMARY KEY (account_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (account_id, chat_id, ts);
`

// Open creates or opens the archive at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history: database path required")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// sqlite takes one writer at a time; serializing here avoids
	// SQLITE_BUSY under concurrent session drivers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Record stores one message and refreshes its conversation summary.
// Recording the same (account, message id) twice is a no-op, so unread
// counts are bumped at most once per message.
func (s *Store) Record(ctx context.Context, accountID string, m Message) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(account_id, message_id, chat_id, sender, sender_name, direction,
			 is_group, participant, kind, media_subtype, asset_url, body,
			 quoted, voice_seconds, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		accountID, m.MessageID, m.ChatID, m.Sender, m.SenderName, m.Direction,
		m.IsGroup, m.Participant, m.Kind, m.MediaSubtype, m.AssetURL, m.Body,
		m.Quoted, m.VoiceSeconds, m.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: insert message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history: insert message: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	unread := 0
	if m.Direction == DirectionIn {
		unread = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (account_id, chat_id, name, is_group, last_activity, unread)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE name END,
			is_group = excluded.is_group,
			last_activity = CASE WHEN excluded.last_activity > last_activity
				THEN excluded.last_activity ELSE last_activity END,
			unread = CASE WHEN excluded.unread = 0 THEN 0 ELSE unread + 1 END`,
		accountID, m.ChatID, chatName(m), m.IsGroup, m.Timestamp.UnixMilli(), unread)
	if err != nil {
		return fmt.Errorf("history: upsert chat: %w", err)
	}
	return tx.Commit()
}

// Chats lists the account's conversations, most recently active first.
func (s *Store) Chats(ctx context.Context, accountID string) ([]Chat, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, name, is_group, last_activity, unread
		FROM chats WHERE account_id = ?
		ORDER BY last_activity DESC, chat_id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("history: list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0, 16)
	for rows.Next() {
		var c Chat
		var activity int64
		if err := rows.Scan(&c.ChatID, &c.Name, &c.IsGroup, &activity, &c.Unread); err != nil {
			return nil, fmt.Errorf("history: scan chat: %w", err)
		}
		c.LastActivity = time.UnixMilli(activity).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns up to limit messages for one conversation in
// chronological order, keeping the newest when truncating.
func (s *Store) Messages(ctx context.Context, accountID, chatID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, sender, sender_name, direction, is_group,
			participant, kind, media_subtype, asset_url, body, quoted,
			voice_seconds, ts
		FROM messages WHERE account_id = ? AND chat_id = ?
		ORDER BY ts DESC, message_id DESC LIMIT ?`, accountID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var ts int64
		err := rows.Scan(&m.MessageID, &m.ChatID, &m.Sender, &m.SenderName,
			&m.Direction, &m.IsGroup, &m.Participant, &m.Kind, &m.MediaSubtype,
			&m.AssetURL, &m.Body, &m.Quoted, &m.VoiceSeconds, &ts)
		if err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// chatName picks the display label stored on the chat row. An explicit
// chat name wins; direct chats otherwise borrow the counterparty's name
// on inbound traffic. Group rows without an explicit name stay blank
// rather than taking the last speaker's name.
func chatName(m Message) string {
	if m.ChatName != "" {
		return m.ChatName
	}
	if m.Direction == DirectionOut || m.IsGroup {
		return ""
	}
	return m.SenderName
}
