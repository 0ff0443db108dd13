// Package snapshot produces consistent, point-in-time copies of a live
// SQLite database. The pipeline works exclusively from snapshots and never
// touches the original store directly.
//
// The copy is made with VACUUM INTO over a read-only connection, SQLite's
// SQL-level backup: it folds WAL state into a single consistent file even
// while the source is being actively written, which a plain filesystem
// copy of a WAL-mode database cannot do.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AccessDeniedError reports a source database that exists but cannot be
// read. The caller decides whether to abort (primary source) or degrade
// (contacts source).
type AccessDeniedError struct {
	Path string
	Err  error
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied reading %s (Full Disk Access may be required): %v", e.Path, e.Err)
}

func (e *AccessDeniedError) Unwrap() error { return e.Err }

// Info describes an existing snapshot file.
type Info struct {
	Path      string
	Stem      string
	CreatedAt time.Time
}

// Age returns how old the snapshot is.
func (i Info) Age() time.Duration { return time.Since(i.CreatedAt) }

// Snapshot filenames look like chat_20250115_103045.db.
var snapshotPattern = regexp.MustCompile(`^(.+)_(\d{8})_(\d{6})\.db$`)

const nameTimeLayout = "20060102_150405"

// Acquire returns a snapshot of sourcePath to read from, creating a new
// one unless an existing snapshot younger than maxAge can be reused (and
// forceNew is false). Reports whether a new snapshot was created.
func Acquire(ctx context.Context, sourcePath, snapshotsDir string, maxAge time.Duration, forceNew bool) (string, bool, error) {
	if err := checkReadable(sourcePath); err != nil {
		return "", false, err
	}

	stem := Stem(sourcePath)

	if !forceNew {
		if latest, ok := latest(snapshotsDir, stem); ok && latest.Age() <= maxAge {
			return latest.Path, false, nil
		}
	}

	path, err := create(ctx, sourcePath, snapshotsDir)
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// List returns all snapshots of the given source stem, newest first.
func List(snapshotsDir, stem string) ([]Info, error) {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := parseName(e.Name())
		if !ok || info.Stem != stem {
			continue
		}
		info.Path = filepath.Join(snapshotsDir, e.Name())
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cleanup deletes all but the keepCount newest snapshots of stem, oldest
// first. Deletion is best-effort: failures are logged, not fatal. Returns
// the paths actually deleted.
func Cleanup(snapshotsDir string, keepCount int, stem string) ([]string, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	snapshots, err := List(snapshotsDir, stem)
	if err != nil {
		return nil, err
	}
	if len(snapshots) <= keepCount {
		return nil, nil
	}

	// List is newest-first; delete the tail starting from the oldest.
	doomed := snapshots[keepCount:]
	var deleted []string
	for i := len(doomed) - 1; i >= 0; i-- {
		s := doomed[i]
		if err := os.Remove(s.Path); err != nil {
			log.Printf("snapshot: failed to delete %s: %v", s.Path, err)
			continue
		}
		deleted = append(deleted, s.Path)
	}
	return deleted, nil
}

// create makes a new timestamped snapshot of sourcePath.
func create(ctx context.Context, sourcePath, snapshotsDir string) (string, error) {
	if err := os.MkdirAll(snapshotsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.db", Stem(sourcePath), time.Now().Format(nameTimeLayout))
	dest := filepath.Join(snapshotsDir, name)

	// A same-second re-run would collide with a complete snapshot that
	// VACUUM INTO then refuses to overwrite; reuse it instead.
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	src, err := sql.Open("sqlite3", "file:"+sourcePath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("failed to open source database: %w", err)
	}
	defer src.Close()

	if _, err := src.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		// A failed VACUUM can leave a partial file behind.
		os.Remove(dest)
		return "", fmt.Errorf("failed to snapshot %s: %w", sourcePath, err)
	}

	return dest, nil
}

func latest(snapshotsDir, stem string) (Info, bool) {
	snapshots, err := List(snapshotsDir, stem)
	if err != nil || len(snapshots) == 0 {
		return Info{}, false
	}
	return snapshots[0], true
}

func parseName(name string) (Info, bool) {
	m := snapshotPattern.FindStringSubmatch(name)
	if m == nil {
		return Info{}, false
	}
	createdAt, err := time.ParseInLocation(nameTimeLayout, m[2]+"_"+m[3], time.Local)
	if err != nil {
		return Info{}, false
	}
	return Info{Stem: m[1], CreatedAt: createdAt}, true
}

// Stem is the snapshot family name for a source path: its base name
// without extension.
func Stem(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		base = "chat"
	}
	return base
}

// checkReadable distinguishes a missing source from one we may not read.
func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return &AccessDeniedError{Path: path, Err: err}
		}
		return fmt.Errorf("source database not readable: %w", err)
	}
	f.Close()
	return nil
}
