package source

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/tyleen/messagemart/internal/normalize"
)

func makeChatDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to create chat db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT, service TEXT, country TEXT)`,
		`CREATE TABLE message (ROWID INTEGER PRIMARY KEY, handle_id INTEGER, text TEXT, date INTEGER, is_from_me INTEGER)`,
		`CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("failed to create fixture schema: %v", err)
		}
	}
	return path
}

func insertHandle(t *testing.T, path string, rowid int64, id, service string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open fixture: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO handle (ROWID, id, service) VALUES (?, ?, ?)`, rowid, id, service); err != nil {
		t.Fatalf("failed to insert handle: %v", err)
	}
}

func insertMessage(t *testing.T, path string, rowid, handleID int64, text, dateUTC string, fromMe bool) {
	t.Helper()
	ns, err := UTCToAppleNanos(dateUTC)
	if err != nil {
		t.Fatalf("bad fixture date %q: %v", dateUTC, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open fixture: %v", err)
	}
	defer db.Close()
	isFromMe := 0
	if fromMe {
		isFromMe = 1
	}
	if _, err := db.Exec(`INSERT INTO message (ROWID, handle_id, text, date, is_from_me) VALUES (?, ?, ?, ?, ?)`,
		rowid, handleID, text, ns, isFromMe); err != nil {
		t.Fatalf("failed to insert message: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES (1, ?)`, rowid); err != nil {
		t.Fatalf("failed to insert chat join: %v", err)
	}
}

func TestAppleNanosRoundTrip(t *testing.T) {
	dates := []string{
		"2001-01-01T00:00:01Z",
		"2024-06-01T12:00:00Z",
		"2030-12-31T23:59:59Z",
	}
	for _, d := range dates {
		ns, err := UTCToAppleNanos(d)
		if err != nil {
			t.Fatalf("UTCToAppleNanos(%q) failed: %v", d, err)
		}
		back, ok := AppleNanosToUTC(ns)
		if !ok {
			t.Fatalf("AppleNanosToUTC(%d) reported not ok", ns)
		}
		if back != d {
			t.Errorf("round trip of %q gave %q", d, back)
		}
	}
}

func TestAppleNanosToUTCRejectsGarbage(t *testing.T) {
	if _, ok := AppleNanosToUTC(0); ok {
		t.Error("zero date should report ok=false")
	}
	if _, ok := AppleNanosToUTC(-999999999999999999); ok {
		t.Error("far-past date should report ok=false")
	}
}

func TestExtractHandlesNormalizes(t *testing.T) {
	path := makeChatDB(t)
	insertHandle(t, path, 1, "+14155551234", "iMessage")
	insertHandle(t, path, 2, "Alice@Example.COM", "iMessage")
	insertHandle(t, path, 3, "(415) 555-9999", "SMS")

	db, err := OpenChatDB(path)
	if err != nil {
		t.Fatalf("OpenChatDB failed: %v", err)
	}
	defer db.Close()

	var handles []Handle
	err = ExtractHandles(context.Background(), db, func(h Handle) error {
		handles = append(handles, h)
		return nil
	})
	if err != nil {
		t.Fatalf("ExtractHandles failed: %v", err)
	}
	if len(handles) != 3 {
		t.Fatalf("extracted %d handles, want 3", len(handles))
	}

	if handles[0].ValueNormalized != "+14155551234" || handles[0].Kind != normalize.KindPhone {
		t.Errorf("handle 1 = (%s, %s), want (+14155551234, phone)", handles[0].ValueNormalized, handles[0].Kind)
	}
	if handles[1].ValueNormalized != "alice@example.com" || handles[1].Kind != normalize.KindEmail {
		t.Errorf("handle 2 = (%s, %s), want (alice@example.com, email)", handles[1].ValueNormalized, handles[1].Kind)
	}
	if handles[2].ValueNormalized != "+14155559999" {
		t.Errorf("handle 3 = %s, want +14155559999", handles[2].ValueNormalized)
	}
	if handles[2].ValueRaw != "(415) 555-9999" {
		t.Errorf("handle 3 raw = %s, want original formatting preserved", handles[2].ValueRaw)
	}
}

func TestExtractMessagesSinceWatermark(t *testing.T) {
	path := makeChatDB(t)
	insertHandle(t, path, 1, "+14155551234", "iMessage")
	insertMessage(t, path, 10, 1, "first", "2024-06-01T10:00:00Z", false)
	insertMessage(t, path, 11, 1, "second", "2024-06-01T11:00:00Z", true)
	insertMessage(t, path, 12, 1, "third", "2024-06-01T12:00:00Z", false)

	db, err := OpenChatDB(path)
	if err != nil {
		t.Fatalf("OpenChatDB failed: %v", err)
	}
	defer db.Close()

	extract := func(since string) []Message {
		var out []Message
		err := ExtractMessagesSince(context.Background(), db, since, func(m Message) error {
			out = append(out, m)
			return nil
		})
		if err != nil {
			t.Fatalf("ExtractMessagesSince(%q) failed: %v", since, err)
		}
		return out
	}

	all := extract("")
	if len(all) != 3 {
		t.Fatalf("full extract returned %d messages, want 3", len(all))
	}
	if all[0].Text.String != "first" || all[2].Text.String != "third" {
		t.Error("messages should come back in date order")
	}
	if !all[1].IsFromMe || all[0].IsFromMe {
		t.Error("is_from_me flags wrong")
	}

	// Strictly newer than the watermark: the boundary message is excluded.
	incremental := extract("2024-06-01T11:00:00Z")
	if len(incremental) != 1 {
		t.Fatalf("incremental extract returned %d messages, want 1", len(incremental))
	}
	if incremental[0].RowID != 12 {
		t.Errorf("incremental extract returned ROWID %d, want 12", incremental[0].RowID)
	}

	// A corrupt watermark degrades to a full extraction.
	if got := extract("not-a-date"); len(got) != 3 {
		t.Errorf("corrupt watermark extract returned %d messages, want 3", len(got))
	}
}

func TestExtractMessagesSkipsZeroDates(t *testing.T) {
	path := makeChatDB(t)
	insertHandle(t, path, 1, "+14155551234", "iMessage")
	insertMessage(t, path, 10, 1, "ok", "2024-06-01T10:00:00Z", false)

	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open fixture: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO message (ROWID, handle_id, text, date, is_from_me) VALUES (11, 1, 'bad', 0, 0)`); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	raw.Close()

	db, err := OpenChatDB(path)
	if err != nil {
		t.Fatalf("OpenChatDB failed: %v", err)
	}
	defer db.Close()

	msgs, err := ExtractMessagesAll(context.Background(), db, "")
	if err != nil {
		t.Fatalf("ExtractMessagesAll failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("extracted %d messages, want 1 (zero-date row skipped)", len(msgs))
	}
}

func TestOpenChatDBMissingFile(t *testing.T) {
	if _, err := OpenChatDB(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Fatal("OpenChatDB should fail for a missing file")
	}
}
