// Package state is the ETL ledger: a small key/value table recording sync
// watermarks so extraction can be incremental.
package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Well-known ledger keys.
const (
	KeyLastMessageDate  = "last_message_date"
	KeyLastSync         = "last_sync"
	KeyLastContactsSync = "last_contacts_sync"
	KeySchemaVersion    = "schema_version"
)

// Get reads a ledger value; ok is false when the key is absent.
func Get(db *sql.DB, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM etl_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get etl state: %w", err)
	}
	return v, true, nil
}

// Set writes a ledger value unconditionally.
func Set(db *sql.DB, key string, value string) error {
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	_, err := db.Exec(`
		INSERT INTO etl_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set etl state: %w", err)
	}
	return nil
}

// Advance moves a watermark forward. Watermark values are ISO-8601 UTC
// strings, so lexicographic order is chronological order; a value that
// does not exceed the stored one is a no-op. Watermarks never regress.
func Advance(db *sql.DB, key string, value string) error {
	current, ok, err := Get(db, key)
	if err != nil {
		return err
	}
	if ok && value <= current {
		return nil
	}
	return Set(db, key, value)
}
