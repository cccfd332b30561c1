// Package local is the on-device contacts provider: a SQLite database of
// address books, contacts and contact groups with the dirty, deleted and
// flags bookkeeping that the sync engine relies on.
//
// Every error returned by this package wraps [syncp.ErrLocalStorage].
package local

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/cardrelay/internal/model"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

const schema = `
CREATE TABLE IF NOT EXISTS address_books (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    account       TEXT    NOT NULL,
    collection_id INTEGER NOT NULL UNIQUE,
    url           TEXT    NOT NULL,
    title         TEXT    NOT NULL DEFAULT '',
    read_only     INTEGER NOT NULL DEFAULT 0,
    sync_state    TEXT    NOT NULL DEFAULT '',
    group_method  TEXT    NOT NULL DEFAULT 'group-vcards'
);

CREATE TABLE IF NOT EXISTS contacts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    address_book_id INTEGER NOT NULL REFERENCES address_books (id) ON DELETE CASCADE,
    file_name       TEXT    NOT NULL DEFAULT '',
    uid             TEXT    NOT NULL DEFAULT '',
    etag            TEXT    NOT NULL DEFAULT '',
    schedule_tag    TEXT    NOT NULL DEFAULT '',
    dirty           INTEGER NOT NULL DEFAULT 0,
    deleted         INTEGER NOT NULL DEFAULT 0,
    flags           INTEGER NOT NULL DEFAULT 0,
    is_group        INTEGER NOT NULL DEFAULT 0,
    display_name    TEXT    NOT NULL DEFAULT '',
    vcard           TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_file_name ON contacts (address_book_id, file_name) WHERE file_name != '';
CREATE INDEX        IF NOT EXISTS idx_contacts_uid       ON contacts (address_book_id, uid);

CREATE TABLE IF NOT EXISTS group_memberships (
    contact_id INTEGER NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    group_id   INTEGER NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    PRIMARY KEY (contact_id, group_id)
);

CREATE TABLE IF NOT EXISTS cached_group_memberships (
    contact_id INTEGER NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    group_id   INTEGER NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    PRIMARY KEY (contact_id, group_id)
);

CREATE TABLE IF NOT EXISTS pending_members (
    group_id INTEGER NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    uid      TEXT    NOT NULL,
    PRIMARY KEY (group_id, uid)
);
`

// Store is the SQLite-backed contacts provider.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the contacts database:
// ~/.local/share/cardrelay/contacts.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "cardrelay", "contacts.db"), nil
}

// Open opens (or creates) the contacts database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating contacts directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- address books -----------------------------------------------------------

const addressBookColumns = `id, account, collection_id, url, title, read_only, sync_state, group_method`

// CreateAddressBook creates the local address book bound to collectionID.
func (s *Store) CreateAddressBook(ctx context.Context, account string, collectionID int64, url, title string, readOnly bool, method model.GroupMethod) (*AddressBook, error) {
	const q = `
		INSERT INTO address_books (account, collection_id, url, title, read_only, group_method)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, account, collectionID, url, title, readOnly, string(method))
	if err != nil {
		return nil, storageErr(fmt.Sprintf("creating address book for collection %d", collectionID), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("reading address book ID", err)
	}
	return &AddressBook{
		s:            s,
		ID:           id,
		Account:      account,
		collectionID: collectionID,
		url:          url,
		title:        title,
		readOnly:     readOnly,
		groupMethod:  method,
	}, nil
}

// AddressBooks returns the address books of an account.
func (s *Store) AddressBooks(ctx context.Context, account string) ([]*AddressBook, error) {
	q := `SELECT ` + addressBookColumns + ` FROM address_books WHERE account = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, account)
	if err != nil {
		return nil, storageErr("querying address books", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AddressBook
	for rows.Next() {
		ab, err := s.scanAddressBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ab)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating address books", err)
	}
	return out, nil
}

// AddressBookByCollection returns the address book bound to collectionID,
// or (nil, nil).
func (s *Store) AddressBookByCollection(ctx context.Context, collectionID int64) (*AddressBook, error) {
	q := `SELECT ` + addressBookColumns + ` FROM address_books WHERE collection_id = ?`
	return s.scanAddressBook(s.db.QueryRowContext(ctx, q, collectionID))
}

// RenameAccount moves every address book of from to to.
func (s *Store) RenameAccount(ctx context.Context, from, to string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE address_books SET account = ? WHERE account = ?`, to, from); err != nil {
		return storageErr(fmt.Sprintf("renaming account %q", from), err)
	}
	return nil
}

// DeleteAccount removes every address book of an account with its contacts.
func (s *Store) DeleteAccount(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM address_books WHERE account = ?`, account); err != nil {
		return storageErr(fmt.Sprintf("deleting account %q", account), err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAddressBook(sc scanner) (*AddressBook, error) {
	ab := &AddressBook{s: s}
	var method string
	err := sc.Scan(&ab.ID, &ab.Account, &ab.collectionID, &ab.url, &ab.title, &ab.readOnly, &ab.syncState, &method)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, storageErr("scanning address book row", err)
	}
	ab.groupMethod = model.GroupMethod(method)
	return ab, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, syncp.ErrLocalStorage, err)
}
