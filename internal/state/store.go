// Package state manages the SQLite application database that records which
// accounts exist and which remote address books were discovered for them.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    account TEXT    NOT NULL,
    type    TEXT    NOT NULL,
    UNIQUE (account, type)
);

CREATE TABLE IF NOT EXISTS collections (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    service_id      INTEGER NOT NULL REFERENCES services (id) ON DELETE CASCADE,
    url             TEXT    NOT NULL,
    type            TEXT    NOT NULL DEFAULT 'address-book',
    display_name    TEXT    NOT NULL DEFAULT '',
    description     TEXT    NOT NULL DEFAULT '',
    read_only       INTEGER NOT NULL DEFAULT 0,
    force_read_only INTEGER NOT NULL DEFAULT 0,
    sync            INTEGER NOT NULL DEFAULT 0,
    UNIQUE (service_id, url)
);

CREATE INDEX IF NOT EXISTS idx_collections_service ON collections (service_id);
`

// ServiceCardDAV is the service type for address books.
const ServiceCardDAV = "carddav"

// CollectionAddressBook is the collection type for CardDAV address books.
const CollectionAddressBook = "address-book"

// Service is one (account, protocol) pair.
type Service struct {
	ID      int64
	Account string
	Type    string
}

// Collection is a remote collection discovered for a service.
type Collection struct {
	ID          int64
	ServiceID   int64
	URL         string
	Type        string
	DisplayName string
	Description string

	// ReadOnly is reported by the server (no write privilege).
	ReadOnly bool
	// ForceReadOnly is set by the user.
	ForceReadOnly bool
	// Sync marks the collection for synchronization.
	Sync bool
}

// EffectiveReadOnly reports whether local changes must not be uploaded.
func (c *Collection) EffectiveReadOnly() bool {
	return c.ReadOnly || c.ForceReadOnly
}

// Title returns the display name, falling back to the URL.
func (c *Collection) Title() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.URL
}

// Store is the SQLite-backed application database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/cardrelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "cardrelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
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

// --- services ----------------------------------------------------------------

// UpsertService returns the service for (account, typ), creating it if needed.
func (s *Store) UpsertService(ctx context.Context, account, typ string) (*Service, error) {
	const q = `
		INSERT INTO services (account, type) VALUES (?, ?)
		ON CONFLICT (account, type) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, account, typ); err != nil {
		return nil, fmt.Errorf("upserting service %s/%s: %w", account, typ, err)
	}
	return s.Service(ctx, account, typ)
}

// Service returns the service for (account, typ), or (nil, nil) if it does
// not exist.
func (s *Store) Service(ctx context.Context, account, typ string) (*Service, error) {
	const q = `SELECT id, account, type FROM services WHERE account = ? AND type = ?`
	var svc Service
	err := s.db.QueryRowContext(ctx, q, account, typ).Scan(&svc.ID, &svc.Account, &svc.Type)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying service %s/%s: %w", account, typ, err)
	}
	return &svc, nil
}

// Services returns all services ordered by account.
func (s *Store) Services(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account, type FROM services ORDER BY account, type`)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Account, &svc.Type); err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		out = append(out, &svc)
	}
	return out, rows.Err()
}

// RenameAccount moves every service of account from to account to.
func (s *Store) RenameAccount(ctx context.Context, from, to string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE services SET account = ? WHERE account = ?`, to, from); err != nil {
		return fmt.Errorf("renaming account %q to %q: %w", from, to, err)
	}
	return nil
}

// DeleteAccount removes every service of account and, by cascade, its
// collections.
func (s *Store) DeleteAccount(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE account = ?`, account); err != nil {
		return fmt.Errorf("deleting account %q: %w", account, err)
	}
	return nil
}

// --- collections -------------------------------------------------------------

const collectionColumns = `id, service_id, url, type, display_name, description, read_only, force_read_only, sync`

// UpsertCollection inserts c or updates the row with the same (service, URL).
// Updates refresh the server-provided fields and keep the user's sync and
// force-read-only choices. c.ID is set to the row ID.
func (s *Store) UpsertCollection(ctx context.Context, c *Collection) error {
	if c.Type == "" {
		c.Type = CollectionAddressBook
	}
	const q = `
		INSERT INTO collections
		    (service_id, url, type, display_name, description, read_only, force_read_only, sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, url) DO UPDATE SET
		    type         = excluded.type,
		    display_name = excluded.display_name,
		    description  = excluded.description,
		    read_only    = excluded.read_only`
	if _, err := s.db.ExecContext(ctx, q,
		c.ServiceID, c.URL, c.Type, c.DisplayName, c.Description,
		c.ReadOnly, c.ForceReadOnly, c.Sync,
	); err != nil {
		return fmt.Errorf("upserting collection %s: %w", c.URL, err)
	}

	stored, err := s.collectionByURL(ctx, c.ServiceID, c.URL)
	if err != nil {
		return err
	}
	*c = *stored
	return nil
}

func (s *Store) collectionByURL(ctx context.Context, serviceID int64, url string) (*Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE service_id = ? AND url = ?`
	c, err := scanCollection(s.db.QueryRowContext(ctx, q, serviceID, url))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("collection %s vanished after upsert", url)
	}
	return c, nil
}

// Collection returns the collection with the given ID, or (nil, nil).
func (s *Store) Collection(ctx context.Context, id int64) (*Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE id = ?`
	return scanCollection(s.db.QueryRowContext(ctx, q, id))
}

// Collections returns every collection of a service ordered by URL.
func (s *Store) Collections(ctx context.Context, serviceID int64) ([]*Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE service_id = ? ORDER BY url`
	return s.queryCollections(ctx, q, serviceID)
}

// SyncEnabledCollections returns the collections of a service marked for sync.
func (s *Store) SyncEnabledCollections(ctx context.Context, serviceID int64) ([]*Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE service_id = ? AND sync = 1 ORDER BY url`
	return s.queryCollections(ctx, q, serviceID)
}

// SetSync toggles the sync flag of a collection.
func (s *Store) SetSync(ctx context.Context, id int64, sync bool) error {
	return s.setFlag(ctx, id, "sync", sync)
}

// SetForceReadOnly toggles the user's read-only override of a collection.
func (s *Store) SetForceReadOnly(ctx context.Context, id int64, readOnly bool) error {
	return s.setFlag(ctx, id, "force_read_only", readOnly)
}

func (s *Store) setFlag(ctx context.Context, id int64, column string, value bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE collections SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("updating %s of collection %d: %w", column, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %d not found", id)
	}
	return nil
}

// DeleteCollection removes the collection with the given ID.
func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting collection %d: %w", id, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanCollection can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanCollection(s scanner) (*Collection, error) {
	var c Collection
	err := s.Scan(
		&c.ID,
		&c.ServiceID,
		&c.URL,
		&c.Type,
		&c.DisplayName,
		&c.Description,
		&c.ReadOnly,
		&c.ForceReadOnly,
		&c.Sync,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning collection row: %w", err)
	}
	return &c, nil
}

func (s *Store) queryCollections(ctx context.Context, q string, args ...any) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
