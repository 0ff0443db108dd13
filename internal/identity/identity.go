// Package identity binds raw handles to durable person identities.
//
// Resolution is deterministic and ordered: exact match on a normalized
// contact method, then a fuzzy last-10-digits phone match that binds only
// when exactly one candidate person exists, then creation of an inferred
// placeholder person. Ambiguity always falls through: the resolver
// under-links rather than mis-linking, and it never merges two existing
// person identities; merging is the explicit, operator-invoked
// MergePersons below.
package identity

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tyleen/messagemart/internal/normalize"
)

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// ResolveHandles assigns a person to every dim_handle row whose person_id
// is still NULL. Returns counts of handles resolved and inferred persons
// created.
//
// The whole batch is one transaction. An inferred person commits together
// with the handle link that justifies it; an interrupted run leaves no
// orphan persons behind.
func ResolveHandles(db *sql.DB) (resolved int, inferred int, err error) {
	rows, err := db.Query(`
		SELECT handle_id, value_normalized, kind
		FROM dim_handle
		WHERE person_id IS NULL
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query unresolved handles: %w", err)
	}

	type pending struct {
		handleID   int64
		normalized string
		kind       string
	}
	var unresolved []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.handleID, &p.normalized, &p.kind); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan handle: %w", err)
		}
		unresolved = append(unresolved, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(unresolved) == 0 {
		return 0, 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin resolve transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range unresolved {
		personID, err := matchPerson(tx, p.normalized, p.kind)
		if err != nil {
			return 0, 0, err
		}

		if personID == "" {
			personID, err = createInferredPerson(tx)
			if err != nil {
				return 0, 0, err
			}
			inferred++
		}

		_, err = tx.Exec(`
			UPDATE dim_handle SET person_id = ?, updated_at = ? WHERE handle_id = ?
		`, personID, nowISO(), p.handleID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to link handle %d: %w", p.handleID, err)
		}
		resolved++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit resolve transaction: %w", err)
	}
	return resolved, inferred, nil
}

// matchPerson runs the exact and fuzzy strategies; "" means no match.
func matchPerson(tx *sql.Tx, normalized, kind string) (string, error) {
	// Strategy 1: exact match on the normalized value.
	var personID string
	err := tx.QueryRow(`
		SELECT person_id FROM dim_contact_method
		WHERE value_normalized = ?
		LIMIT 1
	`, normalized).Scan(&personID)
	if err == nil {
		return personID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("exact match lookup failed: %w", err)
	}

	// Strategy 2: fuzzy phone match on the last 10 digits. Binds only
	// when the key maps to exactly one person; zero or several
	// candidates fall through.
	if kind != string(normalize.KindPhone) {
		return "", nil
	}
	key := normalize.FuzzyPhoneKey(normalized)
	if key == "" {
		return "", nil
	}

	rows, err := tx.Query(`
		SELECT person_id, value_normalized FROM dim_contact_method
		WHERE kind = 'phone'
	`)
	if err != nil {
		return "", fmt.Errorf("fuzzy match lookup failed: %w", err)
	}
	defer rows.Close()

	candidates := map[string]struct{}{}
	for rows.Next() {
		var pid, value string
		if err := rows.Scan(&pid, &value); err != nil {
			return "", fmt.Errorf("fuzzy match scan failed: %w", err)
		}
		if normalize.FuzzyPhoneKey(value) == key {
			candidates[pid] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(candidates) == 1 {
		for pid := range candidates {
			return pid, nil
		}
	}
	if len(candidates) > 1 {
		log.Printf("identity: fuzzy key %s is ambiguous across %d persons; leaving %s unlinked", key, len(candidates), normalized)
	}
	return "", nil
}

// createInferredPerson makes a placeholder person for a handle no contact
// claims. It carries no name; a later contacts load may upgrade it in
// place, keeping the ID.
func createInferredPerson(tx *sql.Tx) (string, error) {
	personID := uuid.New().String()
	now := nowISO()

	_, err := tx.Exec(`
		INSERT INTO dim_person (person_id, first_name, last_name, display_name, source, created_at, updated_at)
		VALUES (?, NULL, NULL, NULL, 'inferred', ?, ?)
	`, personID, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create inferred person: %w", err)
	}
	return personID, nil
}

// HandlePersonMap returns handle_id → person_id for every resolved handle,
// used by the message loader to denormalize at insert time.
func HandlePersonMap(db *sql.DB) (map[int64]string, error) {
	rows, err := db.Query(`SELECT handle_id, person_id FROM dim_handle WHERE person_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query handle links: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var handleID int64
		var personID string
		if err := rows.Scan(&handleID, &personID); err != nil {
			return nil, fmt.Errorf("failed to scan handle link: %w", err)
		}
		out[handleID] = personID
	}
	return out, rows.Err()
}

// MergePersons folds fromID into toID: contact methods, handles and fact
// rows are rewritten in one transaction, and the duplicate person is
// marked merged (never deleted). This is a deliberate human-supervised
// operation; the automatic resolver never calls it.
func MergePersons(db *sql.DB, fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("cannot merge a person into itself")
	}
	for _, id := range []string{fromID, toID} {
		var merged sql.NullString
		err := db.QueryRow(`SELECT merged_into FROM dim_person WHERE person_id = ?`, id).Scan(&merged)
		if err == sql.ErrNoRows {
			return fmt.Errorf("person %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to look up person %s: %w", id, err)
		}
		if merged.Valid {
			return fmt.Errorf("person %s is already merged into %s", id, merged.String)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowISO()

	if _, err := tx.Exec(`UPDATE dim_contact_method SET person_id = ? WHERE person_id = ?`, toID, fromID); err != nil {
		return fmt.Errorf("failed to move contact methods: %w", err)
	}
	if _, err := tx.Exec(`UPDATE dim_handle SET person_id = ?, updated_at = ? WHERE person_id = ?`, toID, now, fromID); err != nil {
		return fmt.Errorf("failed to move handles: %w", err)
	}
	if _, err := tx.Exec(`UPDATE fact_message SET person_id = ? WHERE person_id = ?`, toID, fromID); err != nil {
		return fmt.Errorf("failed to move messages: %w", err)
	}
	if _, err := tx.Exec(`UPDATE dim_person SET merged_into = ?, updated_at = ? WHERE person_id = ?`, toID, now, fromID); err != nil {
		return fmt.Errorf("failed to mark person merged: %w", err)
	}

	return tx.Commit()
}

// ReResolveMessages recomputes fact_message.person_id from the current
// handle resolutions. The denormalized person_id is otherwise frozen at
// load time; this is the explicit backfill to run after resolution has
// improved (new contacts data, manual merges). Returns rows updated.
func ReResolveMessages(db *sql.DB) (int64, error) {
	res, err := db.Exec(`
		UPDATE fact_message
		SET person_id = (
			SELECT h.person_id FROM dim_handle h
			WHERE h.handle_id = fact_message.handle_id
		)
		WHERE handle_id IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to re-resolve messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count re-resolved messages: %w", err)
	}
	return n, nil
}
