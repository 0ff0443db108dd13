// Package pipeline orchestrates a full ETL run: snapshot the live sources,
// ensure the schema, extract, resolve identities, load, advance watermarks,
// validate. Steps run in a fixed order and a fatal step aborts the run
// before the watermark moves, so a failed run is safe to retry.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tyleen/messagemart/internal/db"
	"github.com/tyleen/messagemart/internal/identity"
	"github.com/tyleen/messagemart/internal/load"
	"github.com/tyleen/messagemart/internal/schema"
	"github.com/tyleen/messagemart/internal/snapshot"
	"github.com/tyleen/messagemart/internal/source"
	"github.com/tyleen/messagemart/internal/state"
	"github.com/tyleen/messagemart/internal/validate"
)

const messageChunkSize = 2000

// Options configures a pipeline run.
type Options struct {
	SourcePath   string // live chat.db
	ContactsPath string // AddressBook db, "" disables contacts
	AnalysisPath string // owned analysis db
	SnapshotsDir string

	SnapshotMaxAge   time.Duration
	ForceNewSnapshot bool
	FullSync         bool // ignore the stored watermark
	InMemory         bool // buffer all messages instead of streaming chunks
	SkipValidation   bool
	KeepSnapshots    int // snapshots retained after cleanup, <=0 keeps all
}

// StepResult records one pipeline step for reporting.
type StepResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // ok, skipped, degraded, failed
	Detail   string `json:"detail,omitempty"`
	Duration string `json:"duration"`
}

// Result is the outcome of a pipeline run.
type Result struct {
	Steps []StepResult `json:"steps"`

	SnapshotPath    string `json:"snapshot_path"`
	SnapshotCreated bool   `json:"snapshot_created"`

	HandlesLoaded    int  `json:"handles_loaded"`
	MessagesLoaded   int  `json:"messages_loaded"`
	PersonsCreated   int  `json:"persons_created"`
	PersonsUpgraded  int  `json:"persons_upgraded"`
	MethodsLoaded    int  `json:"methods_loaded"`
	HandlesResolved  int  `json:"handles_resolved"`
	PersonsInferred  int  `json:"persons_inferred"`
	ContactsDegraded bool `json:"contacts_degraded"`

	WatermarkBefore string `json:"watermark_before,omitempty"`
	WatermarkAfter  string `json:"watermark_after,omitempty"`

	Validation *validate.Report `json:"validation,omitempty"`
	Duration   string           `json:"duration"`
}

type stepTimer struct {
	result *Result
	name   string
	start  time.Time
}

func (r *Result) step(name string) *stepTimer {
	return &stepTimer{result: r, name: name, start: time.Now()}
}

func (t *stepTimer) done(status, detail string) {
	t.result.Steps = append(t.result.Steps, StepResult{
		Name:     t.name,
		Status:   status,
		Detail:   detail,
		Duration: time.Since(t.start).Round(time.Millisecond).String(),
	})
}

// Run executes the full pipeline with the given options.
func Run(ctx context.Context, opts Options) (*Result, error) {
	started := time.Now()
	result := &Result{}

	// Snapshot the live chat.db first so every later read sees one
	// consistent point in time.
	st := result.step("snapshot")
	snapPath, created, err := snapshot.Acquire(ctx, opts.SourcePath, opts.SnapshotsDir, opts.SnapshotMaxAge, opts.ForceNewSnapshot)
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("snapshot failed: %w", err)
	}
	result.SnapshotPath = snapPath
	result.SnapshotCreated = created
	if created {
		st.done("ok", "created "+snapPath)
	} else {
		st.done("ok", "reused "+snapPath)
	}

	st = result.step("schema")
	analysisDB, err := db.Open(opts.AnalysisPath)
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("failed to open analysis db: %w", err)
	}
	defer analysisDB.Close()
	if err := schema.Ensure(ctx, analysisDB); err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("schema setup failed: %w", err)
	}
	st.done("ok", "version "+schema.Version)

	srcDB, err := source.OpenChatDB(snapPath)
	if err != nil {
		return result, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer srcDB.Close()

	st = result.step("handles")
	var handles []source.Handle
	err = source.ExtractHandles(ctx, srcDB, func(h source.Handle) error {
		handles = append(handles, h)
		return nil
	})
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("handle extract failed: %w", err)
	}
	n, err := load.Handles(analysisDB, handles)
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("handle load failed: %w", err)
	}
	result.HandlesLoaded = n
	st.done("ok", fmt.Sprintf("%d handles", n))

	// Contacts are best-effort: a missing or unreadable AddressBook
	// degrades the run to inferred identities rather than failing it.
	st = result.step("contacts")
	if opts.ContactsPath == "" {
		result.ContactsDegraded = true
		st.done("skipped", "no contacts database configured")
	} else if err := loadContacts(ctx, analysisDB, opts.ContactsPath, result); err != nil {
		// OpenContactsDB folds every access failure, permissions
		// included, into ErrContactsUnavailable.
		if errors.Is(err, source.ErrContactsUnavailable) {
			result.ContactsDegraded = true
			log.Printf("contacts unavailable, continuing without: %v", err)
			st.done("degraded", err.Error())
		} else {
			st.done("failed", err.Error())
			return result, fmt.Errorf("contacts load failed: %w", err)
		}
	} else {
		st.done("ok", fmt.Sprintf("%d persons, %d methods", result.PersonsCreated, result.MethodsLoaded))
	}

	st = result.step("resolve")
	resolved, inferred, err := identity.ResolveHandles(analysisDB)
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("identity resolution failed: %w", err)
	}
	result.HandlesResolved = resolved
	result.PersonsInferred = inferred
	st.done("ok", fmt.Sprintf("%d resolved, %d inferred", resolved, inferred))

	st = result.step("messages")
	watermark := ""
	if !opts.FullSync {
		if v, ok, err := state.Get(analysisDB, state.KeyLastMessageDate); err != nil {
			st.done("failed", err.Error())
			return result, fmt.Errorf("failed to read watermark: %w", err)
		} else if ok {
			watermark = v
		}
	}
	result.WatermarkBefore = watermark

	handlePerson, err := identity.HandlePersonMap(analysisDB)
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("failed to map handles to persons: %w", err)
	}

	loaded, maxDate, err := loadMessages(ctx, srcDB, analysisDB, watermark, handlePerson, opts.InMemory)
	if err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("message load failed: %w", err)
	}
	result.MessagesLoaded = loaded
	st.done("ok", fmt.Sprintf("%d messages", loaded))

	// Watermarks advance only after the load committed, and only forward.
	st = result.step("state")
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if maxDate != "" {
		if err := state.Advance(analysisDB, state.KeyLastMessageDate, maxDate); err != nil {
			st.done("failed", err.Error())
			return result, fmt.Errorf("failed to advance watermark: %w", err)
		}
	}
	if err := state.Set(analysisDB, state.KeyLastSync, now); err != nil {
		st.done("failed", err.Error())
		return result, fmt.Errorf("failed to record sync time: %w", err)
	}
	if !result.ContactsDegraded {
		if err := state.Set(analysisDB, state.KeyLastContactsSync, now); err != nil {
			st.done("failed", err.Error())
			return result, fmt.Errorf("failed to record contacts sync time: %w", err)
		}
	}
	if v, ok, err := state.Get(analysisDB, state.KeyLastMessageDate); err == nil && ok {
		result.WatermarkAfter = v
	}
	st.done("ok", "")

	if opts.KeepSnapshots > 0 {
		st = result.step("cleanup")
		removed, err := snapshot.Cleanup(opts.SnapshotsDir, opts.KeepSnapshots, snapshot.Stem(opts.SourcePath))
		if err != nil {
			// Cleanup never fails the run; stale snapshots are only disk.
			log.Printf("snapshot cleanup: %v", err)
			st.done("degraded", err.Error())
		} else {
			st.done("ok", fmt.Sprintf("%d removed", len(removed)))
		}
	}

	if !opts.SkipValidation {
		st = result.step("validate")
		report, err := validate.Run(analysisDB, snapPath)
		if err != nil {
			st.done("failed", err.Error())
			return result, fmt.Errorf("validation failed: %w", err)
		}
		result.Validation = report
		if report.Passed {
			st.done("ok", fmt.Sprintf("%d checks passed", len(report.Checks)))
		} else {
			st.done("degraded", "validation checks failed")
		}
	}

	result.Duration = time.Since(started).Round(time.Millisecond).String()
	return result, nil
}

func loadContacts(ctx context.Context, analysisDB *sql.DB, contactsPath string, result *Result) error {
	cdb, err := source.OpenContactsDB(contactsPath)
	if err != nil {
		return err
	}
	defer cdb.Close()

	contacts, err := source.ExtractContacts(ctx, cdb)
	if err != nil {
		return err
	}
	phones, err := source.ExtractContactPhones(ctx, cdb)
	if err != nil {
		return err
	}
	emails, err := source.ExtractContactEmails(ctx, cdb)
	if err != nil {
		return err
	}

	res, err := load.Contacts(ctx, analysisDB, contacts, phones, emails)
	if err != nil {
		return err
	}
	result.PersonsCreated = res.PersonsCreated
	result.PersonsUpgraded = res.PersonsUpgraded
	result.MethodsLoaded = res.MethodsLoaded
	return nil
}

// loadMessages extracts messages newer than the watermark and loads them in
// chunks, returning the loaded count and the maximum message date seen.
// inMemory buffers the whole extract before loading, trading memory for a
// single insert transaction.
func loadMessages(ctx context.Context, srcDB, analysisDB *sql.DB, watermark string, handlePerson map[int64]string, inMemory bool) (int, string, error) {
	maxDate := ""
	loaded := 0

	flush := func(chunk []source.Message) error {
		n, err := load.Messages(ctx, analysisDB, chunk, handlePerson)
		if err != nil {
			return err
		}
		loaded += n
		for _, m := range chunk {
			if m.DateUTC > maxDate {
				maxDate = m.DateUTC
			}
		}
		return nil
	}

	if inMemory {
		msgs, err := source.ExtractMessagesAll(ctx, srcDB, watermark)
		if err != nil {
			return 0, "", err
		}
		if err := flush(msgs); err != nil {
			return loaded, maxDate, err
		}
		return loaded, maxDate, nil
	}

	chunk := make([]source.Message, 0, messageChunkSize)
	err := source.ExtractMessagesSince(ctx, srcDB, watermark, func(m source.Message) error {
		chunk = append(chunk, m)
		if len(chunk) >= messageChunkSize {
			if err := flush(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
		return nil
	})
	if err != nil {
		return loaded, maxDate, err
	}
	if len(chunk) > 0 {
		if err := flush(chunk); err != nil {
			return loaded, maxDate, err
		}
	}
	return loaded, maxDate, nil
}

// Status summarizes the analysis database without touching the sources.
type Status struct {
	Persons         int               `json:"persons"`
	Handles         int               `json:"handles"`
	ResolvedHandles int               `json:"resolved_handles"`
	ContactMethods  int               `json:"contact_methods"`
	Messages        int               `json:"messages"`
	State           map[string]string `json:"state"`
}

// GetStatus reads row counts and ETL state from an existing analysis db.
func GetStatus(analysisPath string) (*Status, error) {
	adb, err := db.Open(analysisPath)
	if err != nil {
		return nil, err
	}
	defer adb.Close()

	ok, err := schema.Verify(adb)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("analysis database at %s is not initialized", analysisPath)
	}

	s := &Status{State: make(map[string]string)}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM dim_person WHERE merged_into IS NULL", &s.Persons},
		{"SELECT COUNT(*) FROM dim_handle", &s.Handles},
		{"SELECT COUNT(*) FROM dim_handle WHERE person_id IS NOT NULL", &s.ResolvedHandles},
		{"SELECT COUNT(*) FROM dim_contact_method", &s.ContactMethods},
		{"SELECT COUNT(*) FROM fact_message", &s.Messages},
	}
	for _, c := range counts {
		if err := adb.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("status query failed: %w", err)
		}
	}

	rows, err := adb.Query("SELECT key, value FROM etl_state ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to read etl state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan etl state: %w", err)
		}
		s.State[k] = v
	}
	return s, rows.Err()
}
