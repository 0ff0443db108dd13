package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// ErrContactsUnavailable is returned by OpenContactsDB when the
// AddressBook store cannot be read. Contacts are optional; callers fall
// back to contacts-less resolution (persons become 'inferred').
var ErrContactsUnavailable = errors.New("contacts database unavailable")

// Contact is one AddressBook record (ZABCDRECORD). Core Data uses Z_PK as
// the primary key, not ROWID.
type Contact struct {
	PK           int64
	FirstName    sql.NullString
	LastName     sql.NullString
	Organization sql.NullString
	Nickname     sql.NullString
}

// ContactPhone is one ZABCDPHONENUMBER row; OwnerPK links to Contact.PK.
type ContactPhone struct {
	PK         int64
	OwnerPK    int64
	FullNumber string
	Label      sql.NullString
}

// ContactEmail is one ZABCDEMAILADDRESS row; OwnerPK links to Contact.PK.
type ContactEmail struct {
	PK      int64
	OwnerPK int64
	Address string
	Label   sql.NullString
}

// OpenContactsDB opens an AddressBook database read-only. Inaccessibility
// (missing file, permission denied, foreign schema) is reported as
// ErrContactsUnavailable rather than a hard failure.
func OpenContactsDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrContactsUnavailable)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContactsUnavailable, err)
	}
	if _, err := db.Exec("SELECT 1 FROM ZABCDRECORD LIMIT 1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrContactsUnavailable, err)
	}
	return db, nil
}

// ExtractContacts reads all AddressBook records.
func ExtractContacts(ctx context.Context, db *sql.DB) ([]Contact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT Z_PK, ZFIRSTNAME, ZLASTNAME, ZORGANIZATION, ZNICKNAME
		FROM ZABCDRECORD
		ORDER BY Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.PK, &c.FirstName, &c.LastName, &c.Organization, &c.Nickname); err != nil {
			log.Printf("source: skipping undecodable contact row: %v", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExtractContactPhones reads all phone numbers with a valid owner.
func ExtractContactPhones(ctx context.Context, db *sql.DB) ([]ContactPhone, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT Z_PK, ZOWNER, ZFULLNUMBER, ZLABEL
		FROM ZABCDPHONENUMBER
		WHERE ZOWNER IS NOT NULL AND ZFULLNUMBER IS NOT NULL
		ORDER BY Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact phones: %w", err)
	}
	defer rows.Close()

	var out []ContactPhone
	for rows.Next() {
		var p ContactPhone
		if err := rows.Scan(&p.PK, &p.OwnerPK, &p.FullNumber, &p.Label); err != nil {
			log.Printf("source: skipping undecodable phone row: %v", err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExtractContactEmails reads all email addresses with a valid owner.
func ExtractContactEmails(ctx context.Context, db *sql.DB) ([]ContactEmail, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT Z_PK, ZOWNER, ZADDRESS, ZLABEL
		FROM ZABCDEMAILADDRESS
		WHERE ZOWNER IS NOT NULL AND ZADDRESS IS NOT NULL
		ORDER BY Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact emails: %w", err)
	}
	defer rows.Close()

	var out []ContactEmail
	for rows.Next() {
		var e ContactEmail
		if err := rows.Scan(&e.PK, &e.OwnerPK, &e.Address, &e.Label); err != nil {
			log.Printf("source: skipping undecodable email row: %v", err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
