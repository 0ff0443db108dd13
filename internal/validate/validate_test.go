package validate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/tyleen/messagemart/internal/db"
	"github.com/tyleen/messagemart/internal/schema"
	"github.com/tyleen/messagemart/internal/state"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "analysis.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := schema.Ensure(context.Background(), database); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return database
}

func checkByName(t *testing.T, report *Report, name string) Check {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("report has no check named %s", name)
	return Check{}
}

func TestRunOnEmptyDatabasePasses(t *testing.T) {
	database := testDB(t)

	report, err := Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Passed {
		for _, c := range report.Checks {
			if !c.Passed {
				t.Errorf("check %s failed on empty db: %s", c.Name, c.Message)
			}
		}
	}
}

func TestOrphanMessageDetected(t *testing.T) {
	database := testDB(t)

	// Simulate corruption: a fact referencing a handle that was never
	// loaded. Constraint enforcement is off for the setup only.
	if _, err := database.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
		t.Fatalf("pragma failed: %v", err)
	}
	if _, err := database.Exec(`
		INSERT INTO fact_message (message_id, date_utc, is_from_me, handle_id, text, text_length, created_at)
		VALUES (1, '2024-06-01T10:00:00Z', 0, 999, 'hi', 2, '2024-06-01T10:00:01Z')
	`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	report, err := Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Passed {
		t.Error("report should fail with an orphan message present")
	}
	if c := checkByName(t, report, "orphan_messages"); c.Passed {
		t.Error("orphan_messages check should fail")
	}
}

func TestPhoneFormatThreshold(t *testing.T) {
	database := testDB(t)

	if _, err := database.Exec(`
		INSERT INTO dim_person (person_id, display_name, source, created_at, updated_at)
		VALUES ('p1', 'Alice', 'contacts', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')
	`); err != nil {
		t.Fatalf("insert person failed: %v", err)
	}

	// One good number, one vanity number that never normalized.
	if _, err := database.Exec(`
		INSERT INTO dim_contact_method (method_id, person_id, kind, value_raw, value_normalized, created_at)
		VALUES ('m1', 'p1', 'phone', '+14155551234', '+14155551234', '2024-01-01T00:00:00Z'),
		       ('m2', 'p1', 'phone', '1-800-FLOWERS', '1-800-FLOWERS', '2024-01-01T00:00:00Z')
	`); err != nil {
		t.Fatalf("insert methods failed: %v", err)
	}

	report, err := Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c := checkByName(t, report, "phone_format"); c.Passed {
		t.Error("phone_format should fail at 50% E.164")
	}
}

func TestMalformedDateDetected(t *testing.T) {
	database := testDB(t)

	if _, err := database.Exec(`
		INSERT INTO fact_message (message_id, date_utc, is_from_me, text, text_length, created_at)
		VALUES (1, 'June 1st 2024', 0, 'hi', 2, '2024-06-01T10:00:01Z')
	`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	report, err := Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c := checkByName(t, report, "date_format"); c.Passed {
		t.Error("date_format check should fail")
	}
}

func TestWatermarkSanity(t *testing.T) {
	database := testDB(t)

	if err := state.Set(database, state.KeyLastMessageDate, "2024-06-01T10:00:00Z"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	report, err := Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c := checkByName(t, report, "watermark"); !c.Passed {
		t.Errorf("sane watermark should pass: %s", c.Message)
	}

	if err := state.Set(database, state.KeyLastMessageDate, "1999-01-01T00:00:00Z"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	report, err = Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c := checkByName(t, report, "watermark"); c.Passed {
		t.Error("pre-2001 watermark should fail")
	}

	if err := state.Set(database, state.KeyLastMessageDate, "3024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	report, err = Run(database, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c := checkByName(t, report, "watermark"); c.Passed {
		t.Error("future watermark should fail")
	}
}
