// Package validate runs post-load integrity checks against the analytical
// database. Checks report rather than repair: the pipeline surfaces
// failures to the operator and leaves the data as loaded.
package validate

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/tyleen/messagemart/internal/source"
	"github.com/tyleen/messagemart/internal/state"
)

var e164Pattern = regexp.MustCompile(`^\+\d{7,15}$`)

// Check is the outcome of a single validation rule.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Report aggregates all checks from one validation run.
type Report struct {
	Checks []Check `json:"checks"`
	Passed bool    `json:"passed"`
}

func (r *Report) add(name string, passed bool, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Message: fmt.Sprintf(format, args...)})
}

// Run executes every check against db. snapshotPath, when non-empty, points
// at the source snapshot used for the load and enables the row-count
// comparison; pass "" to skip it.
func Run(db *sql.DB, snapshotPath string) (*Report, error) {
	report := &Report{}

	if err := checkOrphanMessages(db, report); err != nil {
		return nil, err
	}
	if err := checkRowCounts(db, snapshotPath, report); err != nil {
		return nil, err
	}
	if err := checkPhoneFormat(db, report); err != nil {
		return nil, err
	}
	if err := checkDateFormat(db, report); err != nil {
		return nil, err
	}
	if err := checkWatermark(db, report); err != nil {
		return nil, err
	}
	if err := checkContactMethods(db, report); err != nil {
		return nil, err
	}
	if err := checkResolutionRate(db, report); err != nil {
		return nil, err
	}

	report.Passed = true
	for _, c := range report.Checks {
		if !c.Passed {
			report.Passed = false
			break
		}
	}
	return report, nil
}

// checkOrphanMessages finds fact rows referencing a handle that was never
// loaded into dim_handle.
func checkOrphanMessages(db *sql.DB, report *Report) error {
	var orphans int
	err := db.QueryRow(`
		SELECT COUNT(*)
		FROM fact_message m
		WHERE m.handle_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM dim_handle h WHERE h.handle_id = m.handle_id)
	`).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("orphan message check failed: %w", err)
	}
	if orphans > 0 {
		report.add("orphan_messages", false, "%d messages reference missing handles", orphans)
	} else {
		report.add("orphan_messages", true, "all messages reference known handles")
	}
	return nil
}

// checkRowCounts verifies we never load more messages than the snapshot
// holds. Fewer is normal: rows without usable dates are skipped.
func checkRowCounts(db *sql.DB, snapshotPath string, report *Report) error {
	if snapshotPath == "" {
		return nil
	}

	src, err := source.OpenChatDB(snapshotPath)
	if err != nil {
		report.add("row_counts", false, "cannot open snapshot for comparison: %v", err)
		return nil
	}
	defer src.Close()

	sourceCount, err := source.MessageCount(src)
	if err != nil {
		report.add("row_counts", false, "cannot count snapshot messages: %v", err)
		return nil
	}

	var loaded int
	if err := db.QueryRow(`SELECT COUNT(*) FROM fact_message`).Scan(&loaded); err != nil {
		return fmt.Errorf("loaded message count failed: %w", err)
	}

	if loaded > sourceCount {
		report.add("row_counts", false, "%d loaded messages exceed %d in snapshot", loaded, sourceCount)
	} else {
		report.add("row_counts", true, "%d of %d snapshot messages loaded", loaded, sourceCount)
	}
	return nil
}

// checkPhoneFormat requires at least 90% of normalized phone methods to be
// valid E.164. Normalization is best-effort, so a tail of vanity numbers
// and short codes is tolerated.
func checkPhoneFormat(db *sql.DB, report *Report) error {
	rows, err := db.Query(`SELECT value_normalized FROM dim_contact_method WHERE kind = 'phone'`)
	if err != nil {
		return fmt.Errorf("phone format check failed: %w", err)
	}
	defer rows.Close()

	total, valid := 0, 0
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("phone format check scan failed: %w", err)
		}
		total++
		if e164Pattern.MatchString(v) {
			valid++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("phone format check failed: %w", err)
	}

	if total == 0 {
		report.add("phone_format", true, "no phone contact methods to check")
		return nil
	}
	rate := float64(valid) / float64(total)
	if rate < 0.9 {
		report.add("phone_format", false, "only %.0f%% of %d phone methods are E.164", rate*100, total)
	} else {
		report.add("phone_format", true, "%.0f%% of %d phone methods are E.164", rate*100, total)
	}
	return nil
}

// checkDateFormat verifies every fact_message date is an ISO-8601 UTC
// timestamp, which is what keeps string comparison chronological.
func checkDateFormat(db *sql.DB, report *Report) error {
	var bad int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM fact_message
		WHERE date_utc NOT GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T[0-9][0-9]:[0-9][0-9]:[0-9][0-9]Z'
	`).Scan(&bad)
	if err != nil {
		return fmt.Errorf("date format check failed: %w", err)
	}
	if bad > 0 {
		report.add("date_format", false, "%d messages have malformed date_utc", bad)
	} else {
		report.add("date_format", true, "all message dates are ISO-8601 UTC")
	}
	return nil
}

// checkWatermark sanity-checks the message watermark: parseable, not in
// the future, not before the Apple epoch. An absent watermark passes (no
// messages loaded yet).
func checkWatermark(db *sql.DB, report *Report) error {
	value, ok, err := state.Get(db, state.KeyLastMessageDate)
	if err != nil {
		return fmt.Errorf("watermark check failed: %w", err)
	}
	if !ok {
		report.add("watermark", true, "no message watermark set")
		return nil
	}

	ts, err := time.Parse("2006-01-02T15:04:05Z", value)
	if err != nil {
		report.add("watermark", false, "watermark %q is not a valid timestamp", value)
		return nil
	}
	appleEpoch := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	switch {
	case ts.After(time.Now().UTC().Add(time.Hour)):
		report.add("watermark", false, "watermark %s is in the future", value)
	case ts.Before(appleEpoch):
		report.add("watermark", false, "watermark %s predates 2001-01-01", value)
	default:
		report.add("watermark", true, "watermark %s is sane", value)
	}
	return nil
}

// checkContactMethods verifies every contact method points at an existing,
// unmerged person.
func checkContactMethods(db *sql.DB, report *Report) error {
	var dangling int
	err := db.QueryRow(`
		SELECT COUNT(*)
		FROM dim_contact_method cm
		WHERE NOT EXISTS (SELECT 1 FROM dim_person p WHERE p.person_id = cm.person_id)
	`).Scan(&dangling)
	if err != nil {
		return fmt.Errorf("contact method check failed: %w", err)
	}
	if dangling > 0 {
		report.add("contact_methods", false, "%d contact methods reference missing persons", dangling)
	} else {
		report.add("contact_methods", true, "all contact methods reference known persons")
	}
	return nil
}

// checkResolutionRate is informational: it reports how many handles
// resolved to a person but never fails, since an address book with sparse
// coverage is not a pipeline defect.
func checkResolutionRate(db *sql.DB, report *Report) error {
	var total, resolved int
	if err := db.QueryRow(`SELECT COUNT(*) FROM dim_handle`).Scan(&total); err != nil {
		return fmt.Errorf("resolution rate check failed: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM dim_handle WHERE person_id IS NOT NULL`).Scan(&resolved); err != nil {
		return fmt.Errorf("resolution rate check failed: %w", err)
	}

	if total == 0 {
		report.add("resolution_rate", true, "no handles loaded")
		return nil
	}
	report.add("resolution_rate", true, "%d of %d handles resolved to a person", resolved, total)
	return nil
}
