package local

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emersion/go-vcard"

	"github.com/njoerd114/cardrelay/internal/model"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

// AddressBook is a local address book bound to one remote collection.
// It implements [syncp.BoundCollection].
type AddressBook struct {
	s *Store

	ID      int64
	Account string

	collectionID int64
	url          string
	title        string
	readOnly     bool
	syncState    string
	groupMethod  model.GroupMethod
}

func (ab *AddressBook) Title() string                  { return ab.title }
func (ab *AddressBook) ReadOnly() bool                 { return ab.readOnly }
func (ab *AddressBook) CollectionID() int64            { return ab.collectionID }
func (ab *AddressBook) URL() string                    { return ab.url }
func (ab *AddressBook) GroupMethod() model.GroupMethod { return ab.groupMethod }

// groupFilter limits sync queries to plain contacts when groups are only a
// local projection of CATEGORIES.
func (ab *AddressBook) groupFilter() string {
	if ab.groupMethod == model.GroupMethodCategories {
		return " AND is_group = 0"
	}
	return ""
}

// Update refreshes the binding after the remote collection changed.
func (ab *AddressBook) Update(ctx context.Context, url, title string, readOnly bool) error {
	const q = `UPDATE address_books SET url = ?, title = ?, read_only = ? WHERE id = ?`
	if _, err := ab.s.db.ExecContext(ctx, q, url, title, readOnly, ab.ID); err != nil {
		return storageErr(fmt.Sprintf("updating address book %d", ab.ID), err)
	}
	ab.url, ab.title, ab.readOnly = url, title, readOnly
	return nil
}

// Delete removes the address book with all its contacts.
func (ab *AddressBook) Delete(ctx context.Context) error {
	if _, err := ab.s.db.ExecContext(ctx, `DELETE FROM address_books WHERE id = ?`, ab.ID); err != nil {
		return storageErr(fmt.Sprintf("deleting address book %d", ab.ID), err)
	}
	return nil
}

// Purge removes every contact and group and forgets the sync state. The next
// pass downloads the collection from scratch.
func (ab *AddressBook) Purge(ctx context.Context) error {
	tx, err := ab.s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE address_book_id = ?`, ab.ID); err != nil {
		return storageErr(fmt.Sprintf("purging address book %d", ab.ID), err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE address_books SET sync_state = '' WHERE id = ?`, ab.ID); err != nil {
		return storageErr(fmt.Sprintf("purging address book %d", ab.ID), err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing purge", err)
	}
	ab.syncState = ""
	return nil
}

// SetGroupMethod records how groups of this address book are represented.
func (ab *AddressBook) SetGroupMethod(ctx context.Context, m model.GroupMethod) error {
	if _, err := ab.s.db.ExecContext(ctx, `UPDATE address_books SET group_method = ? WHERE id = ?`, string(m), ab.ID); err != nil {
		return storageErr("saving group method", err)
	}
	ab.groupMethod = m
	return nil
}

// --- sync state --------------------------------------------------------------

func (ab *AddressBook) LastSyncState(_ context.Context) (*syncp.SyncState, error) {
	st, err := syncp.ParseSyncState(ab.syncState)
	if err != nil {
		return nil, storageErr("reading sync state", err)
	}
	return st, nil
}

func (ab *AddressBook) SetLastSyncState(ctx context.Context, st *syncp.SyncState) error {
	raw, err := syncp.MarshalSyncState(st)
	if err != nil {
		return storageErr("saving sync state", err)
	}
	if _, err := ab.s.db.ExecContext(ctx, `UPDATE address_books SET sync_state = ? WHERE id = ?`, raw, ab.ID); err != nil {
		return storageErr("saving sync state", err)
	}
	ab.syncState = raw
	return nil
}

// --- sync queries ------------------------------------------------------------

// FindDirty returns changed, not deleted resources. Contacts come before
// groups so that member UIDs exist remotely before a group references them.
func (ab *AddressBook) FindDirty(ctx context.Context) ([]syncp.LocalResource, error) {
	return ab.resources(ctx, `dirty = 1 AND deleted = 0`+ab.groupFilter()+` ORDER BY is_group, id`)
}

func (ab *AddressBook) FindDeleted(ctx context.Context) ([]syncp.LocalResource, error) {
	return ab.resources(ctx, `deleted = 1`+ab.groupFilter()+` ORDER BY id`)
}

func (ab *AddressBook) FindByName(ctx context.Context, name string) (syncp.LocalResource, error) {
	c, err := ab.contactWhere(ctx, `file_name = ?`+ab.groupFilter(), name)
	if err != nil || c == nil {
		// A typed nil would not compare equal to nil in the caller.
		return nil, err
	}
	return c, nil
}

func (ab *AddressBook) MarkNotDirty(ctx context.Context, flags int) (int, error) {
	q := `UPDATE contacts SET flags = ? WHERE address_book_id = ? AND dirty = 0` + ab.groupFilter()
	return ab.execCount(ctx, "marking contacts", q, flags, ab.ID)
}

func (ab *AddressBook) RemoveNotDirtyMarked(ctx context.Context, flags int) (int, error) {
	q := `DELETE FROM contacts WHERE address_book_id = ? AND dirty = 0 AND deleted = 0 AND flags = ?` + ab.groupFilter()
	return ab.execCount(ctx, "removing marked contacts", q, ab.ID, flags)
}

func (ab *AddressBook) ForgetETags(ctx context.Context) error {
	q := `UPDATE contacts SET etag = '' WHERE address_book_id = ?` + ab.groupFilter()
	_, err := ab.execCount(ctx, "forgetting ETags", q, ab.ID)
	return err
}

// HasLocalChanges reports whether any contact or group awaits upload.
func (ab *AddressBook) HasLocalChanges(ctx context.Context) (bool, error) {
	var n int
	const q = `SELECT COUNT(*) FROM contacts WHERE address_book_id = ? AND (dirty = 1 OR deleted = 1)`
	if err := ab.s.db.QueryRowContext(ctx, q, ab.ID).Scan(&n); err != nil {
		return false, storageErr("counting local changes", err)
	}
	return n > 0, nil
}

// --- contacts ----------------------------------------------------------------

// Contacts returns every non-deleted contact. Groups are included when
// withGroups is set.
func (ab *AddressBook) Contacts(ctx context.Context, withGroups bool) ([]*Contact, error) {
	where := `deleted = 0`
	if !withGroups {
		where += ` AND is_group = 0`
	}
	return ab.contactsWhere(ctx, where+` ORDER BY id`)
}

// Groups returns every non-deleted group.
func (ab *AddressBook) Groups(ctx context.Context) ([]*Contact, error) {
	return ab.contactsWhere(ctx, `deleted = 0 AND is_group = 1 ORDER BY id`)
}

// DirtyGroups returns groups that changed locally, including deleted ones.
func (ab *AddressBook) DirtyGroups(ctx context.Context) ([]*Contact, error) {
	return ab.contactsWhere(ctx, `is_group = 1 AND (dirty = 1 OR deleted = 1) ORDER BY id`)
}

// Contact returns the contact with the given row ID, or (nil, nil).
func (ab *AddressBook) Contact(ctx context.Context, id int64) (*Contact, error) {
	return ab.contactWhere(ctx, `id = ?`, id)
}

// ContactByName returns the contact or group stored under a remote file
// name, or (nil, nil).
func (ab *AddressBook) ContactByName(ctx context.Context, name string) (*Contact, error) {
	return ab.contactWhere(ctx, `file_name = ?`, name)
}

// FindByUID returns the non-group contact with the given UID, or (nil, nil).
func (ab *AddressBook) FindByUID(ctx context.Context, uid string) (*Contact, error) {
	return ab.contactWhere(ctx, `uid = ? AND is_group = 0`, uid)
}

// FindGroupByTitle returns the non-deleted group with the given title, or
// (nil, nil).
func (ab *AddressBook) FindGroupByTitle(ctx context.Context, title string) (*Contact, error) {
	return ab.contactWhere(ctx, `display_name = ? AND is_group = 1 AND deleted = 0`, title)
}

// AddContact stores a locally created contact. It is dirty and has no file
// name until its first upload.
func (ab *AddressBook) AddContact(ctx context.Context, card vcard.Card) (*Contact, error) {
	return ab.insert(ctx, "", "", card, false, true, 0)
}

// AddGroup stores a locally created group.
func (ab *AddressBook) AddGroup(ctx context.Context, title string) (*Contact, error) {
	return ab.insert(ctx, "", "", model.NewGroup("", title, nil, model.FormatVCard4), true, true, 0)
}

// EnsureCategoryGroup returns the group for a category name, creating a
// local-only group when none exists. Such groups are never uploaded.
func (ab *AddressBook) EnsureCategoryGroup(ctx context.Context, title string) (*Contact, error) {
	g, err := ab.FindGroupByTitle(ctx, title)
	if err != nil || g != nil {
		return g, err
	}
	return ab.insert(ctx, "", "", model.NewGroup("", title, nil, model.FormatVCard4), true, false, 0)
}

// SaveRemote stores a downloaded card under name. An existing entry with the
// same name is replaced; otherwise a new one is created. The entry is marked
// [syncp.FlagRemotelyPresent] and is not dirty. The boolean reports whether
// a new entry was created.
func (ab *AddressBook) SaveRemote(ctx context.Context, name, etag string, card vcard.Card, isGroup bool) (*Contact, bool, error) {
	existing, err := ab.ContactByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		c, err := ab.insert(ctx, name, etag, card, isGroup, false, syncp.FlagRemotelyPresent)
		return c, true, err
	}

	data, err := model.EncodeCard(card, model.FormatVCard4)
	if err != nil {
		return nil, false, storageErr("encoding card", err)
	}
	const q = `
		UPDATE contacts
		SET etag = ?, uid = ?, is_group = ?, display_name = ?, vcard = ?, dirty = 0, deleted = 0, flags = ?
		WHERE id = ?`
	uid, display := model.UID(card), model.DisplayName(card)
	if _, err := ab.s.db.ExecContext(ctx, q, etag, uid, isGroup, display, string(data), syncp.FlagRemotelyPresent, existing.ID); err != nil {
		return nil, false, storageErr(fmt.Sprintf("updating contact %q", name), err)
	}
	existing.etag, existing.uid = etag, uid
	existing.IsGroup, existing.DisplayName, existing.Data = isGroup, display, data
	existing.dirty, existing.deleted, existing.flags = false, false, syncp.FlagRemotelyPresent
	return existing, false, nil
}

func (ab *AddressBook) insert(ctx context.Context, name, etag string, card vcard.Card, isGroup, dirty bool, flags int) (*Contact, error) {
	data, err := model.EncodeCard(card, model.FormatVCard4)
	if err != nil {
		return nil, storageErr("encoding card", err)
	}
	c := &Contact{
		ab:          ab,
		fileName:    name,
		uid:         model.UID(card),
		etag:        etag,
		dirty:       dirty,
		flags:       flags,
		IsGroup:     isGroup,
		DisplayName: model.DisplayName(card),
		Data:        data,
	}
	const q = `
		INSERT INTO contacts (address_book_id, file_name, uid, etag, dirty, flags, is_group, display_name, vcard)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := ab.s.db.ExecContext(ctx, q, ab.ID, c.fileName, c.uid, c.etag, c.dirty, c.flags, c.IsGroup, c.DisplayName, string(c.Data))
	if err != nil {
		return nil, storageErr("inserting contact", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, storageErr("reading contact ID", err)
	}
	return c, nil
}

// RemoveEmptyGroups deletes clean groups without members.
func (ab *AddressBook) RemoveEmptyGroups(ctx context.Context) (int, error) {
	const q = `
		DELETE FROM contacts
		WHERE address_book_id = ? AND is_group = 1 AND dirty = 0 AND deleted = 0
		  AND id NOT IN (SELECT group_id FROM group_memberships)`
	return ab.execCount(ctx, "removing empty groups", q, ab.ID)
}

// --- helpers -----------------------------------------------------------------

const contactColumns = `id, file_name, uid, etag, schedule_tag, dirty, deleted, flags, is_group, display_name, vcard`

func (ab *AddressBook) resources(ctx context.Context, where string) ([]syncp.LocalResource, error) {
	cs, err := ab.contactsWhere(ctx, where)
	if err != nil {
		return nil, err
	}
	out := make([]syncp.LocalResource, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out, nil
}

func (ab *AddressBook) contactsWhere(ctx context.Context, where string, args ...any) ([]*Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts WHERE address_book_id = ? AND ` + where
	rows, err := ab.s.db.QueryContext(ctx, q, append([]any{ab.ID}, args...)...)
	if err != nil {
		return nil, storageErr("querying contacts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Contact
	for rows.Next() {
		c, err := ab.scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating contacts", err)
	}
	return out, nil
}

func (ab *AddressBook) contactWhere(ctx context.Context, where string, args ...any) (*Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts WHERE address_book_id = ? AND ` + where + ` LIMIT 1`
	return ab.scanContact(ab.s.db.QueryRowContext(ctx, q, append([]any{ab.ID}, args...)...))
}

func (ab *AddressBook) scanContact(sc scanner) (*Contact, error) {
	c := &Contact{ab: ab}
	var data string
	err := sc.Scan(&c.ID, &c.fileName, &c.uid, &c.etag, &c.scheduleTag, &c.dirty, &c.deleted, &c.flags, &c.IsGroup, &c.DisplayName, &data)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, storageErr("scanning contact row", err)
	}
	c.Data = []byte(data)
	return c, nil
}

func (ab *AddressBook) execCount(ctx context.Context, op, q string, args ...any) (int, error) {
	res, err := ab.s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return int(n), nil
}
