// Package load upserts extracted and resolved records into the analytical
// database. Every loader is set-based and idempotent: stable keys, insert
// -if-absent semantics, one transaction per batch. A crash mid-load leaves
// the mart consistent, and a retried run over the same watermark range
// converges to the same rows.
package load

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tyleen/messagemart/internal/normalize"
	"github.com/tyleen/messagemart/internal/source"
)

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// Handles upserts handle rows into dim_handle. Re-loading an existing
// handle refreshes its raw/normalized values but preserves the resolved
// person_id and original created_at.
func Handles(db *sql.DB, handles []source.Handle) (int, error) {
	if len(handles) == 0 {
		return 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin handle load: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO dim_handle (handle_id, value_raw, value_normalized, kind, service, person_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(handle_id) DO UPDATE SET
			value_raw = excluded.value_raw,
			value_normalized = excluded.value_normalized,
			kind = excluded.kind,
			service = excluded.service,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare handle upsert: %w", err)
	}
	defer stmt.Close()

	now := nowISO()
	for _, h := range handles {
		service := sql.NullString{String: h.Service, Valid: h.Service != ""}
		if _, err := stmt.Exec(h.RowID, h.ValueRaw, h.ValueNormalized, string(h.Kind), service, now, now); err != nil {
			return 0, fmt.Errorf("failed to upsert handle %d: %w", h.RowID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit handle load: %w", err)
	}
	return len(handles), nil
}

// Messages inserts message facts, stamping the denormalized person_id from
// handlePerson at insert time. Existing message_ids are left untouched
// (INSERT OR IGNORE), which is what makes overlapping watermark ranges
// safe to reprocess. Returns the number of new rows.
func Messages(ctx context.Context, db *sql.DB, messages []source.Message, handlePerson map[int64]string) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin message load: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO fact_message
			(message_id, chat_id, date_utc, is_from_me, handle_id, person_id, text, text_length, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	now := nowISO()
	loaded := 0
	for i, m := range messages {
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return loaded, err
			}
		}

		var handleID sql.NullInt64
		var personID sql.NullString
		// chat.db uses handle_id = 0 for rows with no counterpart
		// (from-me messages); keep those NULL rather than dangling.
		if m.HandleID > 0 {
			if pid, ok := handlePerson[m.HandleID]; ok {
				handleID = sql.NullInt64{Int64: m.HandleID, Valid: true}
				personID = sql.NullString{String: pid, Valid: true}
			}
		}

		isFromMe := 0
		if m.IsFromMe {
			isFromMe = 1
		}

		res, err := stmt.Exec(m.RowID, m.ChatID, m.DateUTC, isFromMe, handleID, personID, m.Text, len(m.Text.String), now)
		if err != nil {
			return loaded, fmt.Errorf("failed to insert message %d: %w", m.RowID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			loaded++
		}
	}

	if err := tx.Commit(); err != nil {
		return loaded, fmt.Errorf("failed to commit message load: %w", err)
	}
	return loaded, nil
}

// ContactsResult summarizes a contacts load.
type ContactsResult struct {
	PersonsCreated  int
	PersonsUpgraded int
	MethodsLoaded   int
}

type method struct {
	kind       normalize.Kind
	raw        string
	normalized string
}

// Contacts loads AddressBook records into dim_person/dim_contact_method.
//
// The load is keyed by normalized contact method, which makes it
// idempotent: a contact whose phone or email already exists in the mart
// adopts that method's person instead of creating a duplicate. Adopting an
// inferred person upgrades its provenance and names in place; the
// person_id never changes, and two already-distinct persons are never
// merged here (the unique index keeps each method with its first owner).
//
// The whole load is one transaction. A person row can never commit without
// its methods: the method-keyed lookup would miss such a remnant on retry
// and duplicate the person.
func Contacts(ctx context.Context, db *sql.DB, contacts []source.Contact, phones []source.ContactPhone, emails []source.ContactEmail) (ContactsResult, error) {
	var res ContactsResult

	methodsByOwner := make(map[int64][]method)
	for _, p := range phones {
		norm := normalize.Phone(p.FullNumber)
		if norm == "" {
			continue
		}
		methodsByOwner[p.OwnerPK] = append(methodsByOwner[p.OwnerPK], method{kind: normalize.KindPhone, raw: p.FullNumber, normalized: norm})
	}
	for _, e := range emails {
		norm := normalize.Email(e.Address)
		if norm == "" {
			continue
		}
		methodsByOwner[e.OwnerPK] = append(methodsByOwner[e.OwnerPK], method{kind: normalize.KindEmail, raw: e.Address, normalized: norm})
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin contacts load: %w", err)
	}
	defer tx.Rollback()

	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return ContactsResult{}, err
		}

		methods := dedupeMethods(methodsByOwner[c.PK])
		if len(methods) == 0 {
			continue
		}

		personID, existed, wasInferred, err := findPersonForMethods(tx, methods)
		if err != nil {
			return ContactsResult{}, err
		}

		now := nowISO()
		displayName := displayNameFor(c)

		switch {
		case !existed:
			personID = uuid.New().String()
			_, err := tx.Exec(`
				INSERT INTO dim_person (person_id, first_name, last_name, display_name, source, created_at, updated_at)
				VALUES (?, ?, ?, ?, 'contacts', ?, ?)
			`, personID, c.FirstName, c.LastName, displayName, now, now)
			if err != nil {
				return ContactsResult{}, fmt.Errorf("failed to create person for contact %d: %w", c.PK, err)
			}
			res.PersonsCreated++

		case wasInferred:
			// Contacts data arrived after this identity was auto-created
			// from a bare handle; refine it without changing its ID.
			r, err := tx.Exec(`
				UPDATE dim_person
				SET first_name = ?, last_name = ?, display_name = ?, source = 'contacts', updated_at = ?
				WHERE person_id = ? AND source = 'inferred'
			`, c.FirstName, c.LastName, displayName, now, personID)
			if err != nil {
				return ContactsResult{}, fmt.Errorf("failed to upgrade person %s: %w", personID, err)
			}
			if n, err := r.RowsAffected(); err == nil && n > 0 {
				res.PersonsUpgraded++
			}
		}

		for _, m := range methods {
			r, err := tx.Exec(`
				INSERT INTO dim_contact_method (method_id, person_id, kind, value_raw, value_normalized, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(kind, value_normalized) DO NOTHING
			`, uuid.New().String(), personID, string(m.kind), m.raw, m.normalized, now)
			if err != nil {
				return ContactsResult{}, fmt.Errorf("failed to insert contact method %s: %w", m.normalized, err)
			}
			if n, err := r.RowsAffected(); err == nil && n > 0 {
				res.MethodsLoaded++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ContactsResult{}, fmt.Errorf("failed to commit contacts load: %w", err)
	}
	return res, nil
}

// findPersonForMethods locates an existing person for a contact: first an
// exact owner of any of its methods, then an inferred person bound to a
// handle with a matching normalized value. It runs inside the load
// transaction so it sees persons created earlier in the same batch.
func findPersonForMethods(tx *sql.Tx, methods []method) (personID string, existed bool, wasInferred bool, err error) {
	for _, m := range methods {
		var pid string
		var src string
		err := tx.QueryRow(`
			SELECT cm.person_id, p.source
			FROM dim_contact_method cm
			JOIN dim_person p ON p.person_id = cm.person_id
			WHERE cm.kind = ? AND cm.value_normalized = ?
		`, string(m.kind), m.normalized).Scan(&pid, &src)
		if err == nil {
			return pid, true, src == "inferred", nil
		}
		if err != sql.ErrNoRows {
			return "", false, false, fmt.Errorf("contact method lookup failed: %w", err)
		}
	}

	for _, m := range methods {
		var pid string
		err := tx.QueryRow(`
			SELECT h.person_id
			FROM dim_handle h
			JOIN dim_person p ON p.person_id = h.person_id
			WHERE h.value_normalized = ? AND p.source = 'inferred' AND p.merged_into IS NULL
			LIMIT 1
		`, m.normalized).Scan(&pid)
		if err == nil {
			return pid, true, true, nil
		}
		if err != sql.ErrNoRows {
			return "", false, false, fmt.Errorf("handle lookup failed: %w", err)
		}
	}

	return "", false, false, nil
}

func dedupeMethods(methods []method) []method {
	seen := make(map[string]struct{}, len(methods))
	out := methods[:0]
	for _, m := range methods {
		key := string(m.kind) + "\x00" + m.normalized
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// displayNameFor builds a human-readable name: first+last, then either
// alone, then organization, nickname, and finally a fixed fallback.
func displayNameFor(c source.Contact) string {
	first := c.FirstName.String
	last := c.LastName.String
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case c.Organization.String != "":
		return c.Organization.String
	case c.Nickname.String != "":
		return c.Nickname.String
	}
	return "Unknown Contact"
}
