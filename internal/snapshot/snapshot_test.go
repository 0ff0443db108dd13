package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeSourceDB(t *testing.T, dir string, rows int) string {
	t.Helper()
	path := filepath.Join(dir, "chat.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to create source db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS message (ROWID INTEGER PRIMARY KEY, text TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO message (text) VALUES (?)`, "hello"); err != nil {
			t.Fatalf("failed to insert row: %v", err)
		}
	}
	return path
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM message`).Scan(&n); err != nil {
		t.Fatalf("failed to count rows in %s: %v", path, err)
	}
	return n
}

func TestAcquireCreatesConsistentCopy(t *testing.T) {
	dir := t.TempDir()
	source := makeSourceDB(t, dir, 5)
	snapDir := filepath.Join(dir, "snapshots")

	path, created, err := Acquire(context.Background(), source, snapDir, time.Hour, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !created {
		t.Error("first Acquire should create a snapshot")
	}
	if _, ok := parseName(filepath.Base(path)); !ok {
		t.Errorf("snapshot name %s does not match the timestamped pattern", filepath.Base(path))
	}
	if got := countRows(t, path); got != 5 {
		t.Errorf("snapshot has %d rows, want 5", got)
	}

	// Writes to the source after the snapshot must not appear in it.
	db, err := sql.Open("sqlite3", source)
	if err != nil {
		t.Fatalf("failed to reopen source: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO message (text) VALUES ('later')`); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	db.Close()

	if got := countRows(t, path); got != 5 {
		t.Errorf("snapshot changed after source write: %d rows, want 5", got)
	}
}

func TestAcquireReusesFreshSnapshot(t *testing.T) {
	dir := t.TempDir()
	source := makeSourceDB(t, dir, 1)
	snapDir := filepath.Join(dir, "snapshots")

	first, _, err := Acquire(context.Background(), source, snapDir, time.Hour, false)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	second, created, err := Acquire(context.Background(), source, snapDir, time.Hour, false)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if created {
		t.Error("second Acquire within max age should reuse")
	}
	if second != first {
		t.Errorf("reused path = %s, want %s", second, first)
	}
}

func TestAcquireMissingSource(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Acquire(context.Background(), filepath.Join(dir, "nope.db"), dir, time.Hour, false)
	if err == nil {
		t.Fatal("Acquire should fail for a missing source")
	}
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		t.Errorf("missing file should not be AccessDeniedError, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"chat_20240101_120000.db",
		"chat_20240301_120000.db",
		"chat_20240201_120000.db",
		"other_20240401_120000.db", // different stem, excluded
		"notasnapshot.db",          // no timestamp, excluded
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", n, err)
		}
	}

	snapshots, err := List(dir, "chat")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("List returned %d snapshots, want 3", len(snapshots))
	}
	want := []string{
		"chat_20240301_120000.db",
		"chat_20240201_120000.db",
		"chat_20240101_120000.db",
	}
	for i, w := range want {
		if filepath.Base(snapshots[i].Path) != w {
			t.Errorf("snapshots[%d] = %s, want %s", i, filepath.Base(snapshots[i].Path), w)
		}
	}
}

func TestCleanupKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"chat_20240101_120000.db",
		"chat_20240201_120000.db",
		"chat_20240301_120000.db",
		"chat_20240401_120000.db",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", n, err)
		}
	}

	deleted, err := Cleanup(dir, 2, "chat")
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("Cleanup deleted %d, want 2", len(deleted))
	}

	remaining, err := List(dir, "chat")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("%d snapshots remain, want 2", len(remaining))
	}
	if filepath.Base(remaining[0].Path) != "chat_20240401_120000.db" ||
		filepath.Base(remaining[1].Path) != "chat_20240301_120000.db" {
		t.Errorf("wrong snapshots kept: %s, %s", remaining[0].Path, remaining[1].Path)
	}
}

func TestCleanupNoExcess(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chat_20240101_120000.db"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	deleted, err := Cleanup(dir, 3, "chat")
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("Cleanup deleted %d from under-quota dir, want 0", len(deleted))
	}
}

func TestStem(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/Users/x/Library/Messages/chat.db", "chat"},
		{"backup.sqlite", "backup"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := Stem(tt.path); got != tt.want {
			t.Errorf("Stem(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
