package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hermod/internal/testutil/testlog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListMessages(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	msgs := []Message{
		{MessageID: "m1", ChatID: "c1", Sender: "15550001111", SenderName: "Ada",
			Direction: DirectionIn, Kind: "text", Body: "hello", Timestamp: base},
		{MessageID: "m2", ChatID: "c1", Sender: "self", Direction: DirectionOut,
			Kind: "text", Body: "hi back", Timestamp: base.Add(time.Minute)},
		{MessageID: "m3", ChatID: "c1", Sender: "15550001111", SenderName: "Ada",
			Direction: DirectionIn, Kind: "media", MediaSubtype: "image",
			Body: "[image]", AssetURL: "https://assets.local/a/m3.jpg",
			Timestamp: base.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if err := store.Record(ctx, "acct-1", m); err != nil {
			t.Fatalf("record %s: %v", m.MessageID, err)
		}
	}

	got, err := store.Messages(ctx, "acct-1", "c1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].MessageID != "m1" || got[2].MessageID != "m3" {
		t.Fatalf("messages out of order: %s..%s", got[0].MessageID, got[2].MessageID)
	}
	if got[2].AssetURL != "https://assets.local/a/m3.jpg" {
		t.Fatalf("asset url not preserved: %q", got[2].AssetURL)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Fatalf("timestamp drift: %v", got[0].Timestamp)
	}
}

func TestMessagesLimitKeepsNewest(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m := Message{
			MessageID: string(rune('a' + i)),
			ChatID:    "c1",
			Direction: DirectionIn,
			Kind:      "text",
			Body:      "n",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Record(ctx, "acct-1", m); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := store.Messages(ctx, "acct-1", "c1", 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].MessageID != "d" || got[1].MessageID != "e" {
		t.Fatalf("expected newest two in order, got %s,%s", got[0].MessageID, got[1].MessageID)
	}
}

func TestUnreadAccounting(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	in1 := Message{MessageID: "m1", ChatID: "c1", SenderName: "Ada",
		Direction: DirectionIn, Kind: "text", Body: "a", Timestamp: base}
	in2 := Message{MessageID: "m2", ChatID: "c1", SenderName: "Ada",
		Direction: DirectionIn, Kind: "text", Body: "b", Timestamp: base.Add(time.Second)}
	out := Message{MessageID: "m3", ChatID: "c1",
		Direction: DirectionOut, Kind: "text", Body: "c", Timestamp: base.Add(2 * time.Second)}

	for _, m := range []Message{in1, in2} {
		if err := store.Record(ctx, "acct-1", m); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	chats, err := store.Chats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if len(chats) != 1 || chats[0].Unread != 2 {
		t.Fatalf("expected unread=2, got %+v", chats)
	}
	if chats[0].Name != "Ada" {
		t.Fatalf("expected chat named after counterparty, got %q", chats[0].Name)
	}

	if err := store.Record(ctx, "acct-1", out); err != nil {
		t.Fatalf("record outbound: %v", err)
	}
	chats, err = store.Chats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if chats[0].Unread != 0 {
		t.Fatalf("expected outbound to reset unread, got %d", chats[0].Unread)
	}
	if chats[0].Name != "Ada" {
		t.Fatalf("outbound record dropped chat name: %q", chats[0].Name)
	}
}

func TestDuplicateMessageIsNoOp(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()

	m := Message{MessageID: "m1", ChatID: "c1", SenderName: "Ada",
		Direction: DirectionIn, Kind: "text", Body: "a",
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	if err := store.Record(ctx, "acct-1", m); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(ctx, "acct-1", m); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}

	msgs, err := store.Messages(ctx, "acct-1", "c1", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	chats, err := store.Chats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if chats[0].Unread != 1 {
		t.Fatalf("duplicate record bumped unread: %d", chats[0].Unread)
	}
}

func TestChatsOrderedByActivity(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	records := []Message{
		{MessageID: "m1", ChatID: "old", Direction: DirectionIn, Kind: "text", Body: "x", Timestamp: base},
		{MessageID: "m2", ChatID: "new", Direction: DirectionIn, Kind: "text", Body: "y", Timestamp: base.Add(time.Hour)},
	}
	for _, m := range records {
		if err := store.Record(ctx, "acct-1", m); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	chats, err := store.Chats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if len(chats) != 2 || chats[0].ChatID != "new" {
		t.Fatalf("expected most recent chat first, got %+v", chats)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	a := Message{MessageID: "m1", ChatID: "c1", Direction: DirectionIn, Kind: "text", Body: "a", Timestamp: ts}
	b := Message{MessageID: "m1", ChatID: "c1", Direction: DirectionIn, Kind: "text", Body: "b", Timestamp: ts}
	if err := store.Record(ctx, "acct-1", a); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if err := store.Record(ctx, "acct-2", b); err != nil {
		t.Fatalf("record b: %v", err)
	}

	msgs, err := store.Messages(ctx, "acct-2", "c1", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "b" {
		t.Fatalf("account isolation broken: %+v", msgs)
	}
}

func TestGroupChatKeepsExplicitName(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	m := Message{MessageID: "m1", ChatID: "g1", SenderName: "Ada",
		Direction: DirectionIn, IsGroup: true, Participant: "15550001111",
		Kind: "text", Body: "a", Timestamp: ts, ChatName: "build crew"}
	if err := store.Record(ctx, "acct-1", m); err != nil {
		t.Fatalf("record: %v", err)
	}

	chats, err := store.Chats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if chats[0].Name != "build crew" {
		t.Fatalf("expected explicit group name, got %q", chats[0].Name)
	}

	// A later group message without a name must not relabel the chat
	// with the speaker's name.
	m2 := Message{MessageID: "m2", ChatID: "g1", SenderName: "Grace",
		Direction: DirectionIn, IsGroup: true, Participant: "15550002222",
		Kind: "text", Body: "b", Timestamp: ts.Add(time.Second)}
	if err := store.Record(ctx, "acct-1", m2); err != nil {
		t.Fatalf("record: %v", err)
	}
	chats, err = store.Chats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if chats[0].Name != "build crew" {
		t.Fatalf("group name lost: %q", chats[0].Name)
	}
}
