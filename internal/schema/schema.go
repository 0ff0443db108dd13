// Package schema owns the analytical database DDL.
//
// Ensure is idempotent: against a correct schema it is a no-op, against a
// missing or partial schema it creates whatever is absent. A database that
// already carries a different schema version fails loudly; there is no
// implicit migration path.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"
)

// Version is the current analytical schema version. Bump it only together
// with an explicit, operator-driven migration.
const Version = "1.0.0"

//go:embed schema.sql
var schemaSQL string

// VersionMismatchError reports an analysis database whose stored schema
// version differs from what this build expects.
type VersionMismatchError struct {
	Found string
	Want  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("schema version mismatch: database has %s, this build expects %s (no automatic migration; see docs)", e.Found, e.Want)
}

// Ensure creates or verifies the analytical schema.
func Ensure(ctx context.Context, db *sql.DB) error {
	stored, ok, err := storedVersion(ctx, db)
	if err != nil {
		return err
	}
	if ok && stored != Version {
		return &VersionMismatchError{Found: stored, Want: Version}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if !ok {
		now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
		_, err := db.ExecContext(ctx, `
			INSERT INTO etl_state (key, value, updated_at)
			VALUES ('schema_version', ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, Version, now)
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}

	return nil
}

// Verify reports whether all required tables exist.
func Verify(db *sql.DB) (bool, error) {
	required := []string{"dim_person", "dim_contact_method", "dim_handle", "fact_message", "etl_state"}
	for _, table := range required {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("failed to inspect schema: %w", err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// storedVersion reads the schema_version row if the etl_state table exists.
func storedVersion(ctx context.Context, db *sql.DB) (string, bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'etl_state'`).Scan(&n)
	if err != nil {
		return "", false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if n == 0 {
		return "", false, nil
	}

	var v string
	err = db.QueryRowContext(ctx, `SELECT value FROM etl_state WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, true, nil
}
