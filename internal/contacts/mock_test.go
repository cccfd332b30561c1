package contacts

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-vcard"

	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/davtest"
	"github.com/njoerd114/cardrelay/internal/local"
	"github.com/njoerd114/cardrelay/internal/model"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Recording notifier ------------------------------------------------------

type recordingNotifier struct {
	mu    sync.Mutex
	names []string
}

func (n *recordingNotifier) NotifyInvalidResource(_ context.Context, _, name string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, name)
}

// --- Test environment --------------------------------------------------------

// env wires a fake CardDAV address book to a local SQLite address book.
type env struct {
	srv      *davtest.Server
	book     *davtest.Book
	store    *local.Store
	local    *local.AddressBook
	client   *davclient.Client
	notifier *recordingNotifier
	opts     Options
}

func newEnv(t *testing.T, method model.GroupMethod) *env {
	t.Helper()
	srv := davtest.New(t)
	book := srv.AddBook("contacts")

	store, err := local.Open(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ab, err := store.CreateAddressBook(context.Background(), "home", 1, book.URL(), "Contacts", false, method)
	if err != nil {
		t.Fatalf("CreateAddressBook: %v", err)
	}

	client, err := davclient.New(srv.URL, davclient.Options{}, testLogger)
	if err != nil {
		t.Fatalf("davclient.New: %v", err)
	}
	return &env{srv: srv, book: book, store: store, local: ab, client: client, notifier: &recordingNotifier{}}
}

// run performs one pass and returns its result.
func (e *env) run(t *testing.T) syncp.Result {
	t.Helper()
	remote, err := e.client.AddressBook(e.book.URL())
	if err != nil {
		t.Fatalf("AddressBook: %v", err)
	}
	var result syncp.Result
	adapter := NewAdapter(e.local, remote, e.opts, e.notifier, testLogger)
	syncp.NewManager(testLogger).PerformSync(context.Background(), e.local, adapter, syncp.Options{}, &result)
	return result
}

func (e *env) mustRun(t *testing.T) syncp.Result {
	t.Helper()
	result := e.run(t)
	if result.HasError() {
		t.Fatalf("sync failed: %+v", result)
	}
	return result
}

func (e *env) contact(t *testing.T, name string) *local.Contact {
	t.Helper()
	c, err := e.local.ContactByName(context.Background(), name)
	if err != nil {
		t.Fatalf("ContactByName(%s): %v", name, err)
	}
	if c == nil {
		t.Fatalf("no local contact %s", name)
	}
	return c
}

// vcardText renders a minimal vCard 4.0 with extra property lines.
func vcardText(uid, fn string, extra ...string) string {
	lines := []string{"BEGIN:VCARD", "VERSION:4.0", "UID:" + uid, "FN:" + fn}
	lines = append(lines, extra...)
	lines = append(lines, "END:VCARD")
	return strings.Join(lines, "\r\n") + "\r\n"
}

func groupText(uid, title string, members ...string) string {
	extra := []string{"KIND:group"}
	for _, m := range members {
		extra = append(extra, "MEMBER:urn:uuid:"+m)
	}
	return vcardText(uid, title, extra...)
}

func testCard(uid, name string) vcard.Card {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, name)
	if uid != "" {
		card.SetValue(vcard.FieldUID, uid)
	}
	return card
}
