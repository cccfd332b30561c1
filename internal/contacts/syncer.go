package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/local"
	"github.com/njoerd114/cardrelay/internal/model"
	"github.com/njoerd114/cardrelay/internal/state"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

// AddressBookSyncer binds the local address books of one account to its
// remote collections. It implements [syncp.CollectionHandler].
type AddressBookSyncer struct {
	store    *local.Store
	client   *davclient.Client
	account  string
	method   model.GroupMethod
	opts     Options
	manager  *syncp.Manager
	notifier syncp.Notifier
	log      *slog.Logger
	now      func() time.Time
}

// NewAddressBookSyncer creates the handler for account. method is the
// account's configured group method; address books created under another
// method are purged before their next pass.
func NewAddressBookSyncer(
	store *local.Store,
	client *davclient.Client,
	account string,
	method model.GroupMethod,
	opts Options,
	notifier syncp.Notifier,
	logger *slog.Logger,
) *AddressBookSyncer {
	logger = logger.With("account", account)
	return &AddressBookSyncer{
		store:    store,
		client:   client,
		account:  account,
		method:   method,
		opts:     opts,
		manager:  syncp.NewManager(logger),
		notifier: notifier,
		log:      logger,
		now:      time.Now,
	}
}

func (s *AddressBookSyncer) LocalCollections(ctx context.Context) ([]syncp.BoundCollection, error) {
	books, err := s.store.AddressBooks(ctx, s.account)
	if err != nil {
		return nil, err
	}
	out := make([]syncp.BoundCollection, len(books))
	for i, b := range books {
		out[i] = b
	}
	return out, nil
}

func (s *AddressBookSyncer) CreateLocal(ctx context.Context, remote *state.Collection) (syncp.BoundCollection, error) {
	book, err := s.store.CreateAddressBook(ctx, s.account, remote.ID, remote.URL, remote.Title(), remote.EffectiveReadOnly(), s.method)
	if err != nil {
		return nil, err
	}
	s.log.Info("created local address book", "collection_id", remote.ID, "title", book.Title())
	return book, nil
}

func (s *AddressBookSyncer) UpdateLocal(ctx context.Context, lc syncp.BoundCollection, remote *state.Collection) error {
	book, err := addressBook(lc)
	if err != nil {
		return err
	}
	return book.Update(ctx, remote.URL, remote.Title(), remote.EffectiveReadOnly())
}

func (s *AddressBookSyncer) DeleteLocal(ctx context.Context, lc syncp.BoundCollection) error {
	book, err := addressBook(lc)
	if err != nil {
		return err
	}
	s.log.Info("deleting local address book", "collection_id", book.CollectionID(), "title", book.Title())
	return book.Delete(ctx)
}

// SyncCollection runs a pass for one address book. When the account's group
// method changed since the address book was last synced, every local contact
// and group is purged first.
func (s *AddressBookSyncer) SyncCollection(ctx context.Context, lc syncp.BoundCollection, remote *state.Collection, opts syncp.Options, result *syncp.Result) {
	book, err := addressBook(lc)
	if err != nil {
		result.Fold(err, s.now())
		return
	}

	if err := s.checkGroupMethod(ctx, book); err != nil {
		result.Fold(err, s.now())
		return
	}

	rb, err := s.client.AddressBook(remote.URL)
	if err != nil {
		result.Fold(err, s.now())
		return
	}
	adapter := NewAdapter(book, rb, s.opts, s.notifier, s.log)
	s.manager.PerformSync(ctx, book, adapter, opts, result)
}

func (s *AddressBookSyncer) checkGroupMethod(ctx context.Context, book *local.AddressBook) error {
	if book.GroupMethod() == s.method {
		return nil
	}
	s.log.Info("group method changed, purging address book",
		"title", book.Title(), "from", book.GroupMethod(), "to", s.method)
	if err := book.Purge(ctx); err != nil {
		return err
	}
	return book.SetGroupMethod(ctx, s.method)
}

func addressBook(lc syncp.BoundCollection) (*local.AddressBook, error) {
	book, ok := lc.(*local.AddressBook)
	if !ok {
		return nil, fmt.Errorf("unexpected local collection type %T", lc)
	}
	return book, nil
}
