// Package source reads the external, vendor-owned databases: the iMessage
// store (chat.db) and the AddressBook contacts store.
//
// Apple's schemas are versioned by the OS vendor and must not be trusted:
// every query names an explicit column allowlist (never SELECT *), all
// connections are read-only, and rows that fail to decode are skipped
// rather than failing the run.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tyleen/messagemart/internal/normalize"
)

// appleEpochOffset is the number of seconds between the Unix epoch and
// Apple's epoch (2001-01-01 00:00:00 UTC). chat.db stores message dates
// as nanoseconds since the Apple epoch.
const appleEpochOffset = 978307200

const timeLayout = "2006-01-02T15:04:05Z"

// Handle is a raw contact identifier as it appears in chat.db, carrying
// its normalized form. Ephemeral: read once per run, never persisted
// verbatim.
type Handle struct {
	RowID           int64
	ValueRaw        string
	ValueNormalized string
	Kind            normalize.Kind
	Service         string
}

// Message is one chat.db message row with its timestamp already converted
// to UTC ISO-8601.
type Message struct {
	RowID    int64
	ChatID   sql.NullInt64
	HandleID int64
	Text     sql.NullString
	DateUTC  string
	IsFromMe bool
}

// OpenChatDB opens a chat.db (or a snapshot of one) strictly read-only.
func OpenChatDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open chat db: %w", err)
	}
	// sql.Open is lazy; probe the allowlisted tables now so systemic
	// problems (missing file, corruption) surface here, not mid-extract.
	if _, err := db.Exec("SELECT 1 FROM handle LIMIT 1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat db not readable at %s: %w", path, err)
	}
	return db, nil
}

// AppleNanosToUTC converts nanoseconds since the Apple epoch to an
// ISO-8601 UTC string. Zero or out-of-range inputs report ok=false.
func AppleNanosToUTC(ns int64) (string, bool) {
	if ns == 0 {
		return "", false
	}
	sec := ns/1_000_000_000 + appleEpochOffset
	t := time.Unix(sec, 0).UTC()
	if t.Year() < 1971 || t.Year() > 9999 {
		return "", false
	}
	return t.Format(timeLayout), true
}

// UTCToAppleNanos converts an ISO-8601 UTC string back to Apple-epoch
// nanoseconds, for watermark filters pushed down into chat.db queries.
func UTCToAppleNanos(iso string) (int64, error) {
	t, err := time.Parse(timeLayout, iso)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", iso, err)
	}
	return (t.Unix() - appleEpochOffset) * 1_000_000_000, nil
}

// ExtractHandles streams every handle row to fn, normalized. Handles are
// few (one per conversation partner), but streaming keeps the contract
// uniform with messages.
func ExtractHandles(ctx context.Context, db *sql.DB, fn func(Handle) error) error {
	rows, err := db.QueryContext(ctx, `
		SELECT ROWID, id, service
		FROM handle
		ORDER BY ROWID
	`)
	if err != nil {
		return fmt.Errorf("failed to query handles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowid   int64
			rawID   sql.NullString
			service sql.NullString
		)
		if err := rows.Scan(&rowid, &rawID, &service); err != nil {
			log.Printf("source: skipping undecodable handle row: %v", err)
			continue
		}

		normalized, kind := normalize.Handle(rawID.String)
		h := Handle{
			RowID:           rowid,
			ValueRaw:        rawID.String,
			ValueNormalized: normalized,
			Kind:            kind,
			Service:         service.String,
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ExtractMessagesSince streams message rows to fn in date order. sinceUTC
// is the incremental watermark: only messages strictly newer are read; an
// empty string means a full extraction. Rows without a convertible date
// are skipped.
func ExtractMessagesSince(ctx context.Context, db *sql.DB, sinceUTC string, fn func(Message) error) error {
	query := `
		SELECT m.ROWID, cmj.chat_id, m.handle_id, m.text, m.date, m.is_from_me
		FROM message m
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
	`
	var args []any
	if sinceUTC != "" {
		ns, err := UTCToAppleNanos(sinceUTC)
		if err != nil {
			// The watermark is advisory; a corrupt one falls back to
			// a full (idempotent) extraction.
			log.Printf("source: ignoring invalid watermark %q: %v", sinceUTC, err)
		} else {
			query += " WHERE m.date > ?"
			args = append(args, ns)
		}
	}
	query += " ORDER BY m.date ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowid    int64
			chatID   sql.NullInt64
			handleID sql.NullInt64
			text     sql.NullString
			dateNS   sql.NullInt64
			isFromMe sql.NullInt64
		)
		if err := rows.Scan(&rowid, &chatID, &handleID, &text, &dateNS, &isFromMe); err != nil {
			log.Printf("source: skipping undecodable message row: %v", err)
			continue
		}

		dateUTC, ok := AppleNanosToUTC(dateNS.Int64)
		if !ok {
			continue
		}

		m := Message{
			RowID:    rowid,
			ChatID:   chatID,
			HandleID: handleID.Int64,
			Text:     text,
			DateUTC:  dateUTC,
			IsFromMe: isFromMe.Int64 == 1,
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ExtractMessagesAll materializes the whole extraction in memory. This is
// the explicit performance mode for callers that know the history fits in
// RAM; everything else should stream via ExtractMessagesSince.
func ExtractMessagesAll(ctx context.Context, db *sql.DB, sinceUTC string) ([]Message, error) {
	var out []Message
	err := ExtractMessagesSince(ctx, db, sinceUTC, func(m Message) error {
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MessageCount returns the total message count in a chat db.
func MessageCount(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM message").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// HandleCount returns the total handle count in a chat db.
func HandleCount(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM handle").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count handles: %w", err)
	}
	return n, nil
}

// LatestMessageDate returns the newest message date as ISO-8601 UTC, or
// "" when the store is empty.
func LatestMessageDate(db *sql.DB) (string, error) {
	var maxNS sql.NullInt64
	if err := db.QueryRow("SELECT MAX(date) FROM message").Scan(&maxNS); err != nil {
		return "", fmt.Errorf("failed to read latest message date: %w", err)
	}
	if !maxNS.Valid {
		return "", nil
	}
	iso, ok := AppleNanosToUTC(maxNS.Int64)
	if !ok {
		return "", nil
	}
	return iso, nil
}
