// Package contacts specializes the sync engine for CardDAV address books:
// vCard format negotiation, group membership strategies and the address
// book level reconciliation hooks.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/local"
	"github.com/njoerd114/cardrelay/internal/model"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

// Options controls client-side format choices.
type Options struct {
	// JCard allows jCard when the server advertises it. Off by default:
	// several servers mangle jCard round trips.
	JCard bool
}

// Adapter runs the contact-specific steps of a sync pass for one address
// book. It implements [syncp.Adapter].
type Adapter struct {
	book     *local.AddressBook
	remote   *davclient.AddressBook
	opts     Options
	groups   groupStrategy
	notifier syncp.Notifier
	log      *slog.Logger

	caps   *davclient.Capabilities
	format model.Format
}

// NewAdapter binds a local address book to its remote collection. The group
// strategy follows the address book's group method.
func NewAdapter(book *local.AddressBook, remote *davclient.AddressBook, opts Options, notifier syncp.Notifier, logger *slog.Logger) *Adapter {
	logger = logger.With("address_book", book.Title())
	if notifier == nil {
		notifier = syncp.LogNotifier{Log: logger}
	}
	return &Adapter{
		book:     book,
		remote:   remote,
		opts:     opts,
		groups:   newGroupStrategy(book, logger),
		notifier: notifier,
		log:      logger,
		format:   model.FormatVCard3,
	}
}

// Format returns the format negotiated by the last capability query.
func (a *Adapter) Format() model.Format { return a.format }

func (a *Adapter) Remote() syncp.Remote { return a.remote }

// Prepare refuses to run when the address book's group method does not match
// the strategy this adapter was built with; the caller must purge first.
func (a *Adapter) Prepare(_ context.Context) (bool, error) {
	if a.groups.method() != a.book.GroupMethod() {
		return false, fmt.Errorf("address book %q uses %s groups, adapter expects %s",
			a.book.Title(), a.book.GroupMethod(), a.groups.method())
	}
	return true, nil
}

func (a *Adapter) QueryCapabilities(ctx context.Context) (*syncp.SyncState, error) {
	caps, err := a.remote.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	a.caps = caps
	a.format = negotiateFormat(caps, a.opts)
	a.log.Debug("address book capabilities",
		"format", a.format,
		"sync_collection", caps.SupportsSyncCollection,
		"max_resource_size", caps.MaxResourceSize,
	)

	if caps.SyncToken != "" {
		return syncp.TokenState(caps.SyncToken), nil
	}
	return syncp.CTagState(caps.CTag), nil
}

// negotiateFormat prefers jCard when allowed, then vCard 4, then vCard 3.
func negotiateFormat(caps *davclient.Capabilities, opts Options) model.Format {
	switch {
	case opts.JCard && caps.SupportsJCard:
		return model.FormatJCard
	case caps.SupportsVCard4:
		return model.FormatVCard4
	default:
		return model.FormatVCard3
	}
}

func (a *Adapter) SyncAlgorithm() syncp.Algorithm {
	if a.caps != nil && a.caps.SupportsSyncCollection && a.caps.SyncToken != "" {
		return syncp.AlgorithmCollectionSync
	}
	return syncp.AlgorithmPropfindReport
}

func (a *Adapter) BeforeUploadDirty(ctx context.Context) error {
	return a.groups.beforeUploadDirty(ctx)
}

// GenerateUpload serializes a contact or group in the negotiated format.
func (a *Adapter) GenerateUpload(ctx context.Context, res syncp.LocalResource) (*syncp.Upload, error) {
	c, ok := res.(*local.Contact)
	if !ok {
		return nil, fmt.Errorf("unexpected resource type %T", res)
	}

	card, err := c.Card()
	if err != nil {
		return nil, err
	}
	if c.IsGroup {
		if card, err = a.groups.groupCard(ctx, c, a.format); err != nil {
			return nil, err
		}
	} else if err := a.groups.prepareContact(ctx, c, card); err != nil {
		return nil, err
	}

	body, err := model.EncodeCard(card, a.format)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", c.FileName(), err)
	}
	if a.caps != nil && a.caps.MaxResourceSize > 0 && int64(len(body)) > a.caps.MaxResourceSize {
		return nil, fmt.Errorf("%s is %d bytes, limit %d: %w",
			c.FileName(), len(body), a.caps.MaxResourceSize, syncp.ErrResourceTooLarge)
	}
	return &syncp.Upload{Body: body, ContentType: a.format.MediaType()}, nil
}

func (a *Adapter) ListAllRemote(ctx context.Context, fn func(davclient.Member) error) error {
	members, err := a.remote.ListMembers(ctx)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// DownloadRemote fetches one batch with addressbook-multiget and stores every
// parseable card. Entries without an ETag or that fail to parse are skipped.
func (a *Adapter) DownloadRemote(ctx context.Context, names []string) (syncp.DownloadStats, error) {
	var stats syncp.DownloadStats

	resources, err := a.remote.Multiget(ctx, names, a.format)
	if err != nil {
		return stats, err
	}
	for _, r := range resources {
		if r.Status != http.StatusOK {
			a.log.Warn("multiget entry not returned", "name", r.Name, "status", r.Status)
			continue
		}
		if r.ETag == "" {
			a.log.Warn("multiget entry without ETag ignored", "name", r.Name)
			continue
		}

		card, err := model.ParseCard(r.Data, a.format)
		if err != nil {
			stats.Invalid++
			a.notifier.NotifyInvalidResource(ctx, a.book.Title(), r.Name, err)
			continue
		}

		existing, err := a.book.ContactByName(ctx, r.Name)
		if err != nil {
			return stats, err
		}
		if existing != nil && (existing.Dirty() || existing.Deleted()) {
			a.log.Debug("local changes pending, download ignored", "name", r.Name)
			continue
		}

		isGroup := a.groups.verifyContactBeforeSaving(card)
		c, added, err := a.book.SaveRemote(ctx, r.Name, r.ETag, card, isGroup)
		if err != nil {
			return stats, err
		}
		if err := a.groups.afterSave(ctx, c, card); err != nil {
			return stats, err
		}

		if added {
			stats.Added++
		} else {
			stats.Updated++
		}
		a.log.Debug("stored remote card", "name", r.Name, "etag", r.ETag, "group", isGroup, "added", added)
	}
	return stats, nil
}

func (a *Adapter) PostProcess(ctx context.Context) error {
	return a.groups.postProcess(ctx)
}

// errGroupUpload is returned when a group reaches upload in categories mode.
var errGroupUpload = errors.New("groups are not uploaded when categories are used")
