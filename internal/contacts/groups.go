package contacts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emersion/go-vcard"

	"github.com/njoerd114/cardrelay/internal/local"
	"github.com/njoerd114/cardrelay/internal/model"
)

// groupStrategy maps local contact groups to their server representation.
type groupStrategy interface {
	method() model.GroupMethod

	// beforeUploadDirty turns group changes into dirty resources.
	beforeUploadDirty(ctx context.Context) error
	// prepareContact adjusts a contact card before it is serialized.
	prepareContact(ctx context.Context, c *local.Contact, card vcard.Card) error
	// groupCard builds the card uploaded for a dirty group.
	groupCard(ctx context.Context, g *local.Contact, f model.Format) (vcard.Card, error)

	// verifyContactBeforeSaving reports whether a downloaded card is stored
	// as a group.
	verifyContactBeforeSaving(card vcard.Card) bool
	// afterSave records the memberships carried by a downloaded card.
	afterSave(ctx context.Context, c *local.Contact, card vcard.Card) error
	postProcess(ctx context.Context) error
}

func newGroupStrategy(book *local.AddressBook, logger *slog.Logger) groupStrategy {
	if book.GroupMethod() == model.GroupMethodCategories {
		return &categoriesStrategy{book: book, log: logger}
	}
	return &separateGroupStrategy{book: book, log: logger}
}

// --- categories --------------------------------------------------------------

// categoriesStrategy keeps memberships in each contact's CATEGORIES. Groups
// exist only locally, one per category name.
type categoriesStrategy struct {
	book *local.AddressBook
	log  *slog.Logger
}

func (s *categoriesStrategy) method() model.GroupMethod { return model.GroupMethodCategories }

// beforeUploadDirty marks the members of every changed or deleted group
// dirty so their CATEGORIES get rewritten, then settles the group itself.
func (s *categoriesStrategy) beforeUploadDirty(ctx context.Context) error {
	groups, err := s.book.DirtyGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		n, err := s.book.MarkMembersDirty(ctx, g.ID)
		if err != nil {
			return err
		}
		s.log.Debug("group changed, members marked dirty", "group", g.DisplayName, "members", n, "deleted", g.Deleted())

		if g.Deleted() {
			err = g.Delete(ctx)
		} else {
			err = g.ClearDirty(ctx, g.FileName(), g.ETag(), g.ScheduleTag())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *categoriesStrategy) prepareContact(ctx context.Context, c *local.Contact, card vcard.Card) error {
	ids, err := s.book.GroupIDs(ctx, c.ID)
	if err != nil {
		return err
	}
	var titles []string
	for _, id := range ids {
		g, err := s.book.Contact(ctx, id)
		if err != nil {
			return err
		}
		if g != nil && !g.Deleted() && g.DisplayName != "" {
			titles = append(titles, g.DisplayName)
		}
	}
	model.SetCategories(card, titles)
	return nil
}

func (s *categoriesStrategy) groupCard(context.Context, *local.Contact, model.Format) (vcard.Card, error) {
	return nil, errGroupUpload
}

func (s *categoriesStrategy) verifyContactBeforeSaving(card vcard.Card) bool {
	if model.IsGroup(card) {
		s.log.Warn("group vCard received while categories are used, storing as contact", "uid", model.UID(card))
	}
	return false
}

func (s *categoriesStrategy) afterSave(ctx context.Context, c *local.Contact, card vcard.Card) error {
	var ids []int64
	for _, title := range model.Categories(card) {
		g, err := s.book.EnsureCategoryGroup(ctx, title)
		if err != nil {
			return err
		}
		ids = append(ids, g.ID)
	}
	return s.book.SetContactGroups(ctx, c.ID, ids)
}

// postProcess drops groups that lost their last member.
func (s *categoriesStrategy) postProcess(ctx context.Context) error {
	n, err := s.book.RemoveEmptyGroups(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug("removed empty groups", "count", n)
	}
	return nil
}

// --- separate group vCards ---------------------------------------------------

// separateGroupStrategy stores each group as its own vCard listing member
// UIDs. Contact rows keep a cached copy of their memberships so changes made
// on the contact side can be detected.
type separateGroupStrategy struct {
	book *local.AddressBook
	log  *slog.Logger
}

func (s *separateGroupStrategy) method() model.GroupMethod { return model.GroupMethodGroupVCards }

// beforeUploadDirty marks every group dirty whose member list changed from
// the contact side since the last sync.
func (s *separateGroupStrategy) beforeUploadDirty(ctx context.Context) error {
	dirty, err := s.book.FindDirty(ctx)
	if err != nil {
		return err
	}
	for _, res := range dirty {
		c := res.(*local.Contact)
		if c.IsGroup {
			continue
		}
		current, err := s.book.GroupIDs(ctx, c.ID)
		if err != nil {
			return err
		}
		cached, err := s.book.CachedGroupIDs(ctx, c.ID)
		if err != nil {
			return err
		}
		if err := s.markGroupsDirty(ctx, local.DiffIDs(current, cached)); err != nil {
			return err
		}
		if err := s.book.CacheGroupIDs(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *separateGroupStrategy) markGroupsDirty(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		g, err := s.book.Contact(ctx, id)
		if err != nil {
			return err
		}
		if g == nil || g.Deleted() {
			continue
		}
		if err := g.MarkDirty(ctx); err != nil {
			return err
		}
		s.log.Debug("group membership changed", "group", g.DisplayName)
	}
	return nil
}

func (s *separateGroupStrategy) prepareContact(context.Context, *local.Contact, vcard.Card) error {
	return nil
}

// groupCard lists the UIDs of the group's current members. Members are
// uploaded before groups, so they already carry a UID.
func (s *separateGroupStrategy) groupCard(ctx context.Context, g *local.Contact, f model.Format) (vcard.Card, error) {
	members, err := s.book.Members(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	var uids []string
	for _, m := range members {
		if m.UID() == "" {
			s.log.Warn("group member without UID left out", "group", g.DisplayName, "contact", m.ID)
			continue
		}
		uids = append(uids, m.UID())
	}
	if g.UID() == "" {
		return nil, fmt.Errorf("group %d has no UID", g.ID)
	}
	return model.NewGroup(g.UID(), g.DisplayName, uids, f), nil
}

func (s *separateGroupStrategy) verifyContactBeforeSaving(card vcard.Card) bool {
	return model.IsGroup(card)
}

// afterSave keeps the member UIDs of a group until postProcess, because
// members may arrive in a later batch. A group without members has nothing
// to resolve and is emptied right away.
func (s *separateGroupStrategy) afterSave(ctx context.Context, c *local.Contact, card vcard.Card) error {
	if !c.IsGroup {
		return nil
	}
	uids := model.GroupMembers(card)
	if len(uids) == 0 {
		if err := s.book.SetGroupMembers(ctx, c.ID, nil); err != nil {
			return err
		}
		return s.book.ClearPendingMembers(ctx, c.ID)
	}
	return s.book.SetPendingMembers(ctx, c.ID, uids)
}

// postProcess resolves pending member UIDs to contacts. UIDs that match no
// contact are dropped.
func (s *separateGroupStrategy) postProcess(ctx context.Context) error {
	pending, err := s.book.PendingMembers(ctx)
	if err != nil {
		return err
	}
	for groupID, uids := range pending {
		var ids []int64
		for _, uid := range uids {
			c, err := s.book.FindByUID(ctx, uid)
			if err != nil {
				return err
			}
			if c == nil {
				s.log.Debug("group member not found", "group_id", groupID, "uid", uid)
				continue
			}
			ids = append(ids, c.ID)
		}
		if err := s.book.SetGroupMembers(ctx, groupID, ids); err != nil {
			return err
		}
		if err := s.book.ClearPendingMembers(ctx, groupID); err != nil {
			return err
		}
	}
	return nil
}
