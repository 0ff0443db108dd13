package source

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func makeContactsDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AddressBook-v22.abcddb")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to create contacts db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE ZABCDRECORD (Z_PK INTEGER PRIMARY KEY, ZFIRSTNAME TEXT, ZLASTNAME TEXT, ZORGANIZATION TEXT, ZNICKNAME TEXT)`,
		`CREATE TABLE ZABCDPHONENUMBER (Z_PK INTEGER PRIMARY KEY, ZOWNER INTEGER, ZFULLNUMBER TEXT, ZLABEL TEXT)`,
		`CREATE TABLE ZABCDEMAILADDRESS (Z_PK INTEGER PRIMARY KEY, ZOWNER INTEGER, ZADDRESS TEXT, ZLABEL TEXT)`,
		`INSERT INTO ZABCDRECORD VALUES (1, 'Alice', 'Smith', NULL, NULL)`,
		`INSERT INTO ZABCDRECORD VALUES (2, NULL, NULL, 'Acme Corp', NULL)`,
		`INSERT INTO ZABCDPHONENUMBER VALUES (1, 1, '(415) 555-1234', '_$!<Mobile>!$_')`,
		`INSERT INTO ZABCDPHONENUMBER VALUES (2, NULL, '+15550000000', NULL)`, // ownerless, excluded
		`INSERT INTO ZABCDEMAILADDRESS VALUES (1, 1, 'alice@example.com', NULL)`,
		`INSERT INTO ZABCDEMAILADDRESS VALUES (2, 2, 'info@acme.example', NULL)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("failed to build fixture: %v", err)
		}
	}
	return path
}

func TestOpenContactsDBUnavailable(t *testing.T) {
	cases := []string{
		"",
		filepath.Join(t.TempDir(), "missing.abcddb"),
	}
	for _, path := range cases {
		_, err := OpenContactsDB(path)
		if !errors.Is(err, ErrContactsUnavailable) {
			t.Errorf("OpenContactsDB(%q) = %v, want ErrContactsUnavailable", path, err)
		}
	}
}

func TestExtractContactRecords(t *testing.T) {
	path := makeContactsDB(t)
	db, err := OpenContactsDB(path)
	if err != nil {
		t.Fatalf("OpenContactsDB failed: %v", err)
	}
	defer db.Close()

	contacts, err := ExtractContacts(context.Background(), db)
	if err != nil {
		t.Fatalf("ExtractContacts failed: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("extracted %d contacts, want 2", len(contacts))
	}
	if contacts[0].FirstName.String != "Alice" || contacts[0].LastName.String != "Smith" {
		t.Errorf("contact 1 = %v %v, want Alice Smith", contacts[0].FirstName, contacts[0].LastName)
	}
	if contacts[1].Organization.String != "Acme Corp" {
		t.Errorf("contact 2 organization = %v, want Acme Corp", contacts[1].Organization)
	}

	phones, err := ExtractContactPhones(context.Background(), db)
	if err != nil {
		t.Fatalf("ExtractContactPhones failed: %v", err)
	}
	if len(phones) != 1 {
		t.Fatalf("extracted %d phones, want 1 (ownerless row excluded)", len(phones))
	}
	if phones[0].OwnerPK != 1 || phones[0].FullNumber != "(415) 555-1234" {
		t.Errorf("phone = %+v, want owner 1 with raw formatting", phones[0])
	}

	emails, err := ExtractContactEmails(context.Background(), db)
	if err != nil {
		t.Fatalf("ExtractContactEmails failed: %v", err)
	}
	if len(emails) != 2 {
		t.Fatalf("extracted %d emails, want 2", len(emails))
	}
}
