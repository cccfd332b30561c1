package local

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// --- memberships -------------------------------------------------------------

// GroupIDs returns the groups the contact belongs to, sorted.
func (ab *AddressBook) GroupIDs(ctx context.Context, contactID int64) ([]int64, error) {
	return ab.ids(ctx, `SELECT group_id FROM group_memberships WHERE contact_id = ? ORDER BY group_id`, contactID)
}

// CachedGroupIDs returns the group memberships recorded at the last sync,
// sorted.
func (ab *AddressBook) CachedGroupIDs(ctx context.Context, contactID int64) ([]int64, error) {
	return ab.ids(ctx, `SELECT group_id FROM cached_group_memberships WHERE contact_id = ? ORDER BY group_id`, contactID)
}

// Members returns the non-deleted contacts of a group.
func (ab *AddressBook) Members(ctx context.Context, groupID int64) ([]*Contact, error) {
	return ab.contactsWhere(ctx,
		`deleted = 0 AND id IN (SELECT contact_id FROM group_memberships WHERE group_id = ?) ORDER BY id`, groupID)
}

// SetMembership adds the contact to or removes it from a group as a local
// edit. The contact becomes dirty.
func (ab *AddressBook) SetMembership(ctx context.Context, contact, group *Contact, member bool) error {
	q := `INSERT OR IGNORE INTO group_memberships (contact_id, group_id) VALUES (?, ?)`
	if !member {
		q = `DELETE FROM group_memberships WHERE contact_id = ? AND group_id = ?`
	}
	if _, err := ab.s.db.ExecContext(ctx, q, contact.ID, group.ID); err != nil {
		return storageErr(fmt.Sprintf("changing membership of contact %d", contact.ID), err)
	}
	return contact.MarkDirty(ctx)
}

// SetContactGroups replaces the groups of a contact without marking
// anything dirty.
func (ab *AddressBook) SetContactGroups(ctx context.Context, contactID int64, groupIDs []int64) error {
	return ab.inTx(ctx, "setting contact groups", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_memberships WHERE contact_id = ?`, contactID); err != nil {
			return err
		}
		for _, g := range groupIDs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO group_memberships (contact_id, group_id) VALUES (?, ?)`, contactID, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetGroupMembers replaces the members of a group as seen on the server.
// Memberships and their cached copy are both rewritten.
func (ab *AddressBook) SetGroupMembers(ctx context.Context, groupID int64, contactIDs []int64) error {
	return ab.inTx(ctx, "setting group members", func(tx *sql.Tx) error {
		for _, table := range []string{"group_memberships", "cached_group_memberships"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE group_id = ?`, groupID); err != nil {
				return err
			}
			for _, id := range contactIDs {
				q := `INSERT OR IGNORE INTO ` + table + ` (contact_id, group_id) VALUES (?, ?)`
				if _, err := tx.ExecContext(ctx, q, id, groupID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// CacheGroupIDs makes the cached memberships of a contact equal to its
// current ones.
func (ab *AddressBook) CacheGroupIDs(ctx context.Context, contactID int64) error {
	return ab.inTx(ctx, "caching group memberships", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_group_memberships WHERE contact_id = ?`, contactID); err != nil {
			return err
		}
		const q = `
			INSERT INTO cached_group_memberships (contact_id, group_id)
			SELECT contact_id, group_id FROM group_memberships WHERE contact_id = ?`
		_, err := tx.ExecContext(ctx, q, contactID)
		return err
	})
}

// MarkMembersDirty flags every member of a group for upload.
func (ab *AddressBook) MarkMembersDirty(ctx context.Context, groupID int64) (int, error) {
	const q = `
		UPDATE contacts SET dirty = 1
		WHERE address_book_id = ? AND id IN (SELECT contact_id FROM group_memberships WHERE group_id = ?)`
	return ab.execCount(ctx, "marking group members dirty", q, ab.ID, groupID)
}

// --- pending members ---------------------------------------------------------

// SetPendingMembers records the member UIDs of a downloaded group. They are
// resolved to contacts once the whole collection has been downloaded.
func (ab *AddressBook) SetPendingMembers(ctx context.Context, groupID int64, uids []string) error {
	return ab.inTx(ctx, "saving pending members", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_members WHERE group_id = ?`, groupID); err != nil {
			return err
		}
		for _, uid := range uids {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pending_members (group_id, uid) VALUES (?, ?)`, groupID, uid); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingMembers returns the unresolved member UIDs per group.
func (ab *AddressBook) PendingMembers(ctx context.Context) (map[int64][]string, error) {
	const q = `
		SELECT p.group_id, p.uid FROM pending_members p
		JOIN contacts c ON c.id = p.group_id
		WHERE c.address_book_id = ?
		ORDER BY p.group_id, p.uid`
	rows, err := ab.s.db.QueryContext(ctx, q, ab.ID)
	if err != nil {
		return nil, storageErr("querying pending members", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64][]string)
	for rows.Next() {
		var (
			groupID int64
			uid     string
		)
		if err := rows.Scan(&groupID, &uid); err != nil {
			return nil, storageErr("scanning pending member", err)
		}
		out[groupID] = append(out[groupID], uid)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating pending members", err)
	}
	return out, nil
}

// ClearPendingMembers drops the pending member UIDs of a group.
func (ab *AddressBook) ClearPendingMembers(ctx context.Context, groupID int64) error {
	if _, err := ab.s.db.ExecContext(ctx, `DELETE FROM pending_members WHERE group_id = ?`, groupID); err != nil {
		return storageErr("clearing pending members", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func (ab *AddressBook) ids(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := ab.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("querying memberships", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scanning membership", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating memberships", err)
	}
	return out, nil
}

func (ab *AddressBook) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := ab.s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// DiffIDs returns the IDs present in exactly one of a and b, sorted.
func DiffIDs(a, b []int64) []int64 {
	count := make(map[int64]int)
	for _, id := range a {
		count[id]++
	}
	for _, id := range b {
		count[id]--
	}
	var out []int64
	for id, n := range count {
		if n != 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
