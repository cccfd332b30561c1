// Package discovery finds the address books of a CardDAV account and keeps
// the collection rows of the state database in line with them.
//
// Discovery walks current-user-principal, addressbook-home-set and a depth-1
// listing of every home set. The first refresh of an account prints what was
// found and asks before enabling sync; later refreshes only add and remove
// rows, keeping the user's sync and read-only choices.
package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/state"
)

// Client is the CardDAV surface used by discovery. Implemented by
// [davclient.Client].
type Client interface {
	CurrentUserPrincipal(ctx context.Context) (string, error)
	AddressBookHomeSets(ctx context.Context, principal string) ([]string, error)
	ListAddressBooks(ctx context.Context, home string) ([]davclient.AddressBookInfo, error)
	Mkcol(ctx context.Context, u, displayName, description string) error
}

// Store persists services and collections. Implemented by [state.Store].
type Store interface {
	UpsertService(ctx context.Context, account, typ string) (*state.Service, error)
	Collections(ctx context.Context, serviceID int64) ([]*state.Collection, error)
	UpsertCollection(ctx context.Context, c *state.Collection) error
	DeleteCollection(ctx context.Context, id int64) error
}

// ErrNoHomeSet is returned when the server reports no addressbook-home-set.
var ErrNoHomeSet = errors.New("server reported no addressbook-home-set")

// Options configures a Discoverer.
type Options struct {
	// SyncNewCollections enables sync for address books that appear after
	// the first refresh.
	SyncNewCollections bool
}

// Discoverer refreshes the collections of one account.
type Discoverer struct {
	client  Client
	store   Store
	account string
	opts    Options
	log     *slog.Logger

	reader io.Reader // first-run confirmation (os.Stdin in production); nil skips the prompt
	writer io.Writer // summary output
}

// New creates a Discoverer. With a nil reader the first refresh enables
// every address book without asking.
func New(client Client, store Store, account string, opts Options, logger *slog.Logger, reader io.Reader, writer io.Writer) *Discoverer {
	if writer == nil {
		writer = io.Discard
	}
	return &Discoverer{
		client:  client,
		store:   store,
		account: account,
		opts:    opts,
		log:     logger.With("account", account),
		reader:  reader,
		writer:  writer,
	}
}

// Summary reports what a refresh changed.
type Summary struct {
	Service *state.Service
	Added   []*state.Collection
	Updated []*state.Collection
	Removed []*state.Collection
	// FirstRun is true when the account had no collections before.
	FirstRun bool
}

// HomeSets resolves the principal of the account and returns its
// addressbook-home-set URLs.
func (d *Discoverer) HomeSets(ctx context.Context) ([]string, error) {
	principal, err := d.client.CurrentUserPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	homes, err := d.client.AddressBookHomeSets(ctx, principal)
	if err != nil {
		return nil, err
	}
	if len(homes) == 0 {
		return nil, ErrNoHomeSet
	}
	d.log.Debug("discovered home sets", "principal", principal, "homes", homes)
	return homes, nil
}

// Discover lists the address books in every home set of the account.
func (d *Discoverer) Discover(ctx context.Context) ([]davclient.AddressBookInfo, error) {
	homes, err := d.HomeSets(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var books []davclient.AddressBookInfo
	for _, home := range homes {
		found, err := d.client.ListAddressBooks(ctx, home)
		if err != nil {
			return nil, err
		}
		for _, b := range found {
			if seen[b.URL] {
				continue
			}
			seen[b.URL] = true
			books = append(books, b)
		}
	}
	return books, nil
}

// Refresh discovers the address books of the account and updates the
// collection rows. Rows of address books that are gone are deleted.
func (d *Discoverer) Refresh(ctx context.Context) (*Summary, error) {
	svc, err := d.store.UpsertService(ctx, d.account, state.ServiceCardDAV)
	if err != nil {
		return nil, fmt.Errorf("registering service: %w", err)
	}
	existing, err := d.store.Collections(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("loading collections: %w", err)
	}
	found, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering address books: %w", err)
	}

	sum := &Summary{Service: svc, FirstRun: len(existing) == 0}
	known := make(map[string]*state.Collection, len(existing))
	for _, c := range existing {
		known[c.URL] = c
	}

	enableNew := d.opts.SyncNewCollections
	if sum.FirstRun {
		enableNew = true
		if d.reader != nil && len(found) > 0 {
			d.printSummary(found)
			enableNew = d.confirm()
		}
	}

	present := make(map[string]bool, len(found))
	for _, b := range found {
		present[b.URL] = true
		c := &state.Collection{
			ServiceID:   svc.ID,
			URL:         b.URL,
			Type:        state.CollectionAddressBook,
			DisplayName: b.DisplayName,
			Description: b.Description,
			ReadOnly:    b.ReadOnly,
			Sync:        enableNew,
		}
		if err := d.store.UpsertCollection(ctx, c); err != nil {
			return nil, err
		}
		if _, ok := known[b.URL]; ok {
			sum.Updated = append(sum.Updated, c)
		} else {
			sum.Added = append(sum.Added, c)
			d.log.Info("address book discovered", "url", c.URL, "title", c.Title(), "sync", c.Sync)
		}
	}

	for _, c := range existing {
		if present[c.URL] {
			continue
		}
		if err := d.store.DeleteCollection(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("removing collection %s: %w", c.URL, err)
		}
		sum.Removed = append(sum.Removed, c)
		d.log.Info("address book no longer on server", "url", c.URL, "title", c.Title())
	}
	return sum, nil
}

// CreateAddressBook creates an address book named name in the first home set
// and registers it as a sync-enabled collection.
func (d *Discoverer) CreateAddressBook(ctx context.Context, name, displayName, description string) (*state.Collection, error) {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid address book name %q", name)
	}
	homes, err := d.HomeSets(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.JoinPath(homes[0], name)
	if err != nil {
		return nil, fmt.Errorf("building address book URL: %w", err)
	}
	u += "/"

	if err := d.client.Mkcol(ctx, u, displayName, description); err != nil {
		return nil, fmt.Errorf("creating address book %s: %w", u, err)
	}

	svc, err := d.store.UpsertService(ctx, d.account, state.ServiceCardDAV)
	if err != nil {
		return nil, fmt.Errorf("registering service: %w", err)
	}
	c := &state.Collection{
		ServiceID:   svc.ID,
		URL:         u,
		Type:        state.CollectionAddressBook,
		DisplayName: displayName,
		Description: description,
		Sync:        true,
	}
	if err := d.store.UpsertCollection(ctx, c); err != nil {
		return nil, err
	}
	d.log.Info("address book created", "url", u, "title", c.Title())
	return c, nil
}

// --- first-run prompt --------------------------------------------------------

func (d *Discoverer) printSummary(books []davclient.AddressBookInfo) {
	_, _ = fmt.Fprintf(d.writer, "\n--- Address books of %s ---\n\n", d.account)
	for _, b := range books {
		title := b.DisplayName
		if title == "" {
			title = b.URL
		}
		mode := "read/write"
		if b.ReadOnly {
			mode = "read-only"
		}
		_, _ = fmt.Fprintf(d.writer, "  • %s (%s)\n", title, mode)
		if b.Description != "" {
			_, _ = fmt.Fprintf(d.writer, "      %s\n", b.Description)
		}
	}
	_, _ = fmt.Fprintf(d.writer, "\nTotal: %d address books\n", len(books))
}

func (d *Discoverer) confirm() bool {
	_, _ = fmt.Fprintf(d.writer, "Enable sync for these address books? [Y/n] ")
	scanner := bufio.NewScanner(d.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "" || answer == "y" || answer == "yes"
	}
	return false
}
