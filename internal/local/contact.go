package local

import (
	"context"
	"fmt"
	"regexp"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"github.com/njoerd114/cardrelay/internal/model"
)

// pathSafeUID matches UIDs that can be used as a file name unchanged.
var pathSafeUID = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)

// Contact is a stored contact or contact group. It implements
// [syncp.LocalResource]. Data always holds vCard 4.0 text.
type Contact struct {
	ab *AddressBook

	ID          int64
	IsGroup     bool
	DisplayName string
	Data        []byte

	fileName    string
	uid         string
	etag        string
	scheduleTag string
	dirty       bool
	deleted     bool
	flags       int
}

func (c *Contact) FileName() string    { return c.fileName }
func (c *Contact) ETag() string        { return c.etag }
func (c *Contact) ScheduleTag() string { return c.scheduleTag }
func (c *Contact) UID() string         { return c.uid }
func (c *Contact) Dirty() bool         { return c.dirty }
func (c *Contact) Deleted() bool       { return c.deleted }
func (c *Contact) Flags() int          { return c.flags }

// Card decodes the stored vCard.
func (c *Contact) Card() (vcard.Card, error) {
	card, err := model.ParseCard(c.Data, model.FormatVCard4)
	if err != nil {
		return nil, fmt.Errorf("contact %d: %w", c.ID, err)
	}
	return card, nil
}

// PrepareForUpload assigns a UID (keeping an existing one) and derives the
// file name from it. UIDs that are not path-safe get a random file name.
func (c *Contact) PrepareForUpload(ctx context.Context) (string, error) {
	card, err := c.Card()
	if err != nil {
		return "", storageErr("preparing upload", err)
	}
	uid := model.UID(card)
	if uid == "" {
		uid = uuid.NewString()
		model.SetUID(card, uid)
	}
	name := uid + ".vcf"
	if !pathSafeUID.MatchString(uid) {
		name = uuid.NewString() + ".vcf"
	}

	data, err := model.EncodeCard(card, model.FormatVCard4)
	if err != nil {
		return "", storageErr("preparing upload", err)
	}
	const q = `UPDATE contacts SET file_name = ?, uid = ?, vcard = ? WHERE id = ?`
	if _, err := c.ab.s.db.ExecContext(ctx, q, name, uid, string(data), c.ID); err != nil {
		return "", storageErr(fmt.Sprintf("assigning file name to contact %d", c.ID), err)
	}
	c.fileName, c.uid, c.Data = name, uid, data
	return name, nil
}

func (c *Contact) ClearDirty(ctx context.Context, fileName, etag, scheduleTag string) error {
	const q = `UPDATE contacts SET file_name = ?, etag = ?, schedule_tag = ?, dirty = 0 WHERE id = ?`
	if _, err := c.ab.s.db.ExecContext(ctx, q, fileName, etag, scheduleTag, c.ID); err != nil {
		return storageErr(fmt.Sprintf("clearing dirty flag of contact %d", c.ID), err)
	}
	c.fileName, c.etag, c.scheduleTag, c.dirty = fileName, etag, scheduleTag, false
	return nil
}

func (c *Contact) ResetDeleted(ctx context.Context) error {
	if _, err := c.ab.s.db.ExecContext(ctx, `UPDATE contacts SET deleted = 0 WHERE id = ?`, c.ID); err != nil {
		return storageErr(fmt.Sprintf("restoring contact %d", c.ID), err)
	}
	c.deleted = false
	return nil
}

func (c *Contact) UpdateFlags(ctx context.Context, flags int) error {
	if _, err := c.ab.s.db.ExecContext(ctx, `UPDATE contacts SET flags = ? WHERE id = ?`, flags, c.ID); err != nil {
		return storageErr(fmt.Sprintf("updating flags of contact %d", c.ID), err)
	}
	c.flags = flags
	return nil
}

// Delete removes the row. Memberships go with it.
func (c *Contact) Delete(ctx context.Context) error {
	if _, err := c.ab.s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, c.ID); err != nil {
		return storageErr(fmt.Sprintf("deleting contact %d", c.ID), err)
	}
	return nil
}

// --- local edits -------------------------------------------------------------

// Edit replaces the card and marks the contact dirty.
func (c *Contact) Edit(ctx context.Context, card vcard.Card) error {
	if err := c.store(ctx, card, true); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// Replace rewrites the stored card without touching the dirty flag.
func (c *Contact) Replace(ctx context.Context, card vcard.Card) error {
	return c.store(ctx, card, c.dirty)
}

func (c *Contact) store(ctx context.Context, card vcard.Card, dirty bool) error {
	data, err := model.EncodeCard(card, model.FormatVCard4)
	if err != nil {
		return storageErr("encoding card", err)
	}
	uid, display := model.UID(card), model.DisplayName(card)
	const q = `UPDATE contacts SET uid = ?, display_name = ?, vcard = ?, dirty = ? WHERE id = ?`
	if _, err := c.ab.s.db.ExecContext(ctx, q, uid, display, string(data), dirty, c.ID); err != nil {
		return storageErr(fmt.Sprintf("saving contact %d", c.ID), err)
	}
	c.uid, c.DisplayName, c.Data = uid, display, data
	return nil
}

// MarkDeleted flags the contact for remote deletion. A contact that was
// never uploaded is removed right away, except category groups, whose
// members must be rewritten first. With separate group vCards, every group
// the contact belonged to becomes dirty.
func (c *Contact) MarkDeleted(ctx context.Context) error {
	if !c.IsGroup && c.ab.groupMethod == model.GroupMethodGroupVCards {
		const q = `
			UPDATE contacts SET dirty = 1
			WHERE deleted = 0 AND id IN (SELECT group_id FROM group_memberships WHERE contact_id = ?)`
		if _, err := c.ab.s.db.ExecContext(ctx, q, c.ID); err != nil {
			return storageErr(fmt.Sprintf("marking groups of contact %d dirty", c.ID), err)
		}
	}
	categoryGroup := c.IsGroup && c.ab.groupMethod == model.GroupMethodCategories
	if c.fileName == "" && !categoryGroup {
		return c.Delete(ctx)
	}
	if _, err := c.ab.s.db.ExecContext(ctx, `UPDATE contacts SET deleted = 1 WHERE id = ?`, c.ID); err != nil {
		return storageErr(fmt.Sprintf("marking contact %d deleted", c.ID), err)
	}
	c.deleted = true
	return nil
}

// MarkDirty flags the contact for upload.
func (c *Contact) MarkDirty(ctx context.Context) error {
	if _, err := c.ab.s.db.ExecContext(ctx, `UPDATE contacts SET dirty = 1 WHERE id = ?`, c.ID); err != nil {
		return storageErr(fmt.Sprintf("marking contact %d dirty", c.ID), err)
	}
	c.dirty = true
	return nil
}
