package sync

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/state"
)

// --- Mock local collection ---------------------------------------------------

type mockCollection struct {
	mu        sync.Mutex
	title     string
	readOnly  bool
	state     *SyncState
	resources []*mockResource
	nextID    int

	// failWith makes every storage call fail.
	failWith error
}

func newMockCollection(title string) *mockCollection {
	return &mockCollection{title: title}
}

// add inserts a resource and returns it.
func (c *mockCollection) add(name, etag string, dirty, deleted bool) *mockResource {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	r := &mockResource{c: c, id: c.nextID, name: name, etag: etag, dirty: dirty, deleted: deleted}
	c.resources = append(c.resources, r)
	return r
}

func (c *mockCollection) get(name string) *mockResource {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.resources {
		if r.name == name {
			return r
		}
	}
	return nil
}

func (c *mockCollection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

func (c *mockCollection) storedState() *SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *mockCollection) err() error {
	if c.failWith != nil {
		return fmt.Errorf("mock storage: %w: %w", ErrLocalStorage, c.failWith)
	}
	return nil
}

func (c *mockCollection) Title() string  { return c.title }
func (c *mockCollection) ReadOnly() bool { return c.readOnly }

func (c *mockCollection) LastSyncState(context.Context) (*SyncState, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	return c.storedState(), nil
}

func (c *mockCollection) SetLastSyncState(_ context.Context, s *SyncState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	return nil
}

func (c *mockCollection) find(pred func(*mockResource) bool) []LocalResource {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LocalResource
	for _, r := range c.resources {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

func (c *mockCollection) FindDirty(context.Context) ([]LocalResource, error) {
	return c.find(func(r *mockResource) bool { return r.dirty && !r.deleted }), nil
}

func (c *mockCollection) FindDeleted(context.Context) ([]LocalResource, error) {
	return c.find(func(r *mockResource) bool { return r.deleted }), nil
}

func (c *mockCollection) FindByName(_ context.Context, name string) (LocalResource, error) {
	if r := c.get(name); r != nil {
		return r, nil
	}
	return nil, nil
}

func (c *mockCollection) MarkNotDirty(_ context.Context, flags int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.resources {
		if !r.dirty {
			r.flags = flags
			n++
		}
	}
	return n, nil
}

func (c *mockCollection) RemoveNotDirtyMarked(_ context.Context, flags int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.resources[:0]
	n := 0
	for _, r := range c.resources {
		if !r.dirty && !r.deleted && r.flags == flags {
			n++
			continue
		}
		kept = append(kept, r)
	}
	c.resources = kept
	return n, nil
}

func (c *mockCollection) ForgetETags(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.resources {
		r.etag = ""
	}
	return nil
}

// saveRemote stores a downloaded resource and reports whether it was new.
func (c *mockCollection) saveRemote(name, etag, data string) bool {
	if r := c.get(name); r != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		r.etag, r.data, r.flags = etag, data, FlagRemotelyPresent
		return false
	}
	r := c.add(name, etag, false, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.data, r.flags = data, FlagRemotelyPresent
	return true
}

// --- Mock local resource -----------------------------------------------------

type mockResource struct {
	c       *mockCollection
	id      int
	name    string
	etag    string
	dirty   bool
	deleted bool
	flags   int
	data    string
}

func (r *mockResource) FileName() string { r.c.mu.Lock(); defer r.c.mu.Unlock(); return r.name }
func (r *mockResource) ETag() string     { r.c.mu.Lock(); defer r.c.mu.Unlock(); return r.etag }
func (r *mockResource) Dirty() bool      { r.c.mu.Lock(); defer r.c.mu.Unlock(); return r.dirty }
func (r *mockResource) Deleted() bool    { r.c.mu.Lock(); defer r.c.mu.Unlock(); return r.deleted }
func (r *mockResource) Flags() int       { r.c.mu.Lock(); defer r.c.mu.Unlock(); return r.flags }

func (r *mockResource) PrepareForUpload(context.Context) (string, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.name = "new-" + strconv.Itoa(r.id) + ".vcf"
	return r.name, nil
}

func (r *mockResource) ClearDirty(_ context.Context, fileName, etag, _ string) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.name, r.etag, r.dirty = fileName, etag, false
	return nil
}

func (r *mockResource) ResetDeleted(context.Context) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.deleted = false
	return nil
}

func (r *mockResource) UpdateFlags(_ context.Context, flags int) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.flags = flags
	return nil
}

func (r *mockResource) Delete(context.Context) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	for i, o := range r.c.resources {
		if o == r {
			r.c.resources = append(r.c.resources[:i], r.c.resources[i+1:]...)
			break
		}
	}
	return nil
}

// --- Fake remote collection ----------------------------------------------------

type fakeMember struct {
	etag string
	data string
}

type fakeChange struct {
	seq     int
	name    string
	deleted bool
}

// fakeRemote is an in-memory remote collection with CTag and sync-token
// bookkeeping and request counters.
type fakeRemote struct {
	mu      sync.Mutex
	members map[string]*fakeMember
	seq     int
	changes []fakeChange

	noCTag       bool
	supportsSync bool
	pageSize     int
	minToken     int

	// nextETag overrides the ETag of the next stored version.
	nextETag string
	// putNoETag omits the ETag from PUT replies.
	putNoETag bool

	capErr    error
	listErr   error
	putErr    map[string]error
	deleteErr map[string]error

	capQueries  int
	listings    int
	syncReports int
	downloads   []string
	puts        []string
	putIfMatch  []string
	deletes     []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		members:   make(map[string]*fakeMember),
		seq:       1,
		putErr:    make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

// store adds or replaces a member as another client would.
func (f *fakeRemote) store(name, data string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(name, data)
}

func (f *fakeRemote) storeLocked(name, data string) string {
	f.seq++
	etag := f.nextETag
	if etag == "" {
		etag = "etag-" + strconv.Itoa(f.seq)
	}
	f.nextETag = ""
	f.members[name] = &fakeMember{etag: etag, data: data}
	f.changes = append(f.changes, fakeChange{seq: f.seq, name: name})
	return etag
}

func (f *fakeRemote) remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(name)
}

func (f *fakeRemote) removeLocked(name string) {
	if _, ok := f.members[name]; !ok {
		return
	}
	f.seq++
	delete(f.members, name)
	f.changes = append(f.changes, fakeChange{seq: f.seq, name: name, deleted: true})
}

func (f *fakeRemote) member(name string) *fakeMember {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[name]
}

func (f *fakeRemote) ctag() string  { return "ctag-" + strconv.Itoa(f.seq) }
func (f *fakeRemote) token() string { return "token-" + strconv.Itoa(f.seq) }

func (f *fakeRemote) URL() string { return "https://dav.example.com/books/test/" }

func (f *fakeRemote) Put(_ context.Context, name string, body []byte, _ string, ifMatch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, name)
	f.putIfMatch = append(f.putIfMatch, ifMatch)
	if err := f.putErr[name]; err != nil {
		return "", err
	}
	if existing, ok := f.members[name]; ifMatch != "" && (!ok || existing.etag != ifMatch) {
		return "", httpError(http.StatusPreconditionFailed, 0)
	}
	etag := f.storeLocked(name, string(body))
	if f.putNoETag {
		return "", nil
	}
	return etag, nil
}

func (f *fakeRemote) Delete(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	if err := f.deleteErr[name]; err != nil {
		return err
	}
	if _, ok := f.members[name]; !ok {
		return httpError(http.StatusNotFound, 0)
	}
	f.removeLocked(name)
	return nil
}

func (f *fakeRemote) SyncCollection(_ context.Context, token string) (*davclient.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncReports++

	from := 0
	if token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, "token-"))
		if err != nil || n < f.minToken || n > f.seq {
			return nil, fmt.Errorf("sync-collection: %w", davclient.ErrInvalidSyncToken)
		}
		from = n
	}

	var pending []fakeChange
	for _, c := range f.changes {
		if c.seq > from {
			pending = append(pending, c)
		}
	}
	res := &davclient.SyncResult{SyncToken: f.token()}
	if f.pageSize > 0 && len(pending) > f.pageSize {
		pending = pending[:f.pageSize]
		res.Truncated = true
		res.SyncToken = "token-" + strconv.Itoa(pending[len(pending)-1].seq)
	}
	seen := make(map[string]bool)
	for i := len(pending) - 1; i >= 0; i-- {
		c := pending[i]
		if seen[c.name] {
			continue
		}
		seen[c.name] = true
		if m, ok := f.members[c.name]; ok && !c.deleted {
			res.Changed = append(res.Changed, davclient.Member{Name: c.name, ETag: m.etag})
		} else {
			res.Removed = append(res.Removed, c.name)
		}
	}
	return res, nil
}

func httpError(status int, retryAfter time.Duration) error {
	return &davclient.HTTPError{
		Method:     "TEST",
		URL:        "https://dav.example.com/",
		StatusCode: status,
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		RetryAfter: retryAfter,
	}
}

// --- Mock adapter ----------------------------------------------------------------

type mockAdapter struct {
	remote *fakeRemote
	local  *mockCollection

	skip         bool
	algorithm    Algorithm
	beforeUpload int
	postProcess  int
	batches      [][]string
	uploadErr    map[string]error
}

func newMockAdapter(remote *fakeRemote, local *mockCollection) *mockAdapter {
	return &mockAdapter{remote: remote, local: local, uploadErr: make(map[string]error)}
}

func (a *mockAdapter) Prepare(context.Context) (bool, error) { return !a.skip, nil }

func (a *mockAdapter) QueryCapabilities(context.Context) (*SyncState, error) {
	f := a.remote
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capQueries++
	if err := f.capErr; err != nil {
		f.capErr = nil
		return nil, err
	}
	a.algorithm = AlgorithmPropfindReport
	if f.supportsSync {
		a.algorithm = AlgorithmCollectionSync
		return TokenState(f.token()), nil
	}
	if f.noCTag {
		return nil, nil
	}
	return CTagState(f.ctag()), nil
}

func (a *mockAdapter) SyncAlgorithm() Algorithm { return a.algorithm }

func (a *mockAdapter) BeforeUploadDirty(context.Context) error {
	a.beforeUpload++
	return nil
}

func (a *mockAdapter) GenerateUpload(_ context.Context, res LocalResource) (*Upload, error) {
	if err := a.uploadErr[res.FileName()]; err != nil {
		return nil, err
	}
	return &Upload{Body: []byte("BEGIN:VCARD\r\nFN:" + res.FileName() + "\r\nEND:VCARD\r\n"), ContentType: "text/vcard"}, nil
}

func (a *mockAdapter) ListAllRemote(_ context.Context, fn func(davclient.Member) error) error {
	f := a.remote
	f.mu.Lock()
	f.listings++
	if err := f.listErr; err != nil {
		f.mu.Unlock()
		return err
	}
	names := make([]string, 0, len(f.members))
	for n := range f.members {
		names = append(names, n)
	}
	sort.Strings(names)
	members := make([]davclient.Member, 0, len(names))
	for _, n := range names {
		members = append(members, davclient.Member{Name: n, ETag: f.members[n].etag})
	}
	f.mu.Unlock()

	for _, m := range members {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (a *mockAdapter) DownloadRemote(_ context.Context, names []string) (DownloadStats, error) {
	a.batches = append(a.batches, append([]string(nil), names...))
	var ds DownloadStats
	for _, n := range names {
		m := a.remote.member(n)
		a.remote.mu.Lock()
		a.remote.downloads = append(a.remote.downloads, n)
		a.remote.mu.Unlock()
		if m == nil {
			continue
		}
		if m.data == "invalid" {
			ds.Invalid++
			continue
		}
		if a.local.saveRemote(n, m.etag, m.data) {
			ds.Added++
		} else {
			ds.Updated++
		}
	}
	return ds, nil
}

func (a *mockAdapter) PostProcess(context.Context) error {
	a.postProcess++
	return nil
}

func (a *mockAdapter) Remote() Remote { return a.remote }

// --- Mock collection handler and repository ------------------------------------

type mockRepo struct {
	collections []*state.Collection
	err         error
}

func (r *mockRepo) SyncEnabledCollections(context.Context, int64) ([]*state.Collection, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []*state.Collection
	for _, c := range r.collections {
		if c.Sync {
			out = append(out, c)
		}
	}
	return out, nil
}

type boundMock struct {
	*mockCollection
	collectionID int64
}

func (b *boundMock) CollectionID() int64 { return b.collectionID }

func (b *boundMock) HasLocalChanges(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.resources {
		if r.dirty || r.deleted {
			return true, nil
		}
	}
	return false, nil
}

type mockHandler struct {
	locals  []*boundMock
	created []int64
	updated []int64
	deleted []int64
	synced  []int64

	// failSync makes SyncCollection fold this error for the given ID.
	failSync map[int64]error
}

func (h *mockHandler) LocalCollections(context.Context) ([]BoundCollection, error) {
	out := make([]BoundCollection, 0, len(h.locals))
	for _, l := range h.locals {
		out = append(out, l)
	}
	return out, nil
}

func (h *mockHandler) CreateLocal(_ context.Context, remote *state.Collection) (BoundCollection, error) {
	l := &boundMock{mockCollection: newMockCollection(remote.Title()), collectionID: remote.ID}
	h.locals = append(h.locals, l)
	h.created = append(h.created, remote.ID)
	return l, nil
}

func (h *mockHandler) UpdateLocal(_ context.Context, local BoundCollection, _ *state.Collection) error {
	h.updated = append(h.updated, local.CollectionID())
	return nil
}

func (h *mockHandler) DeleteLocal(_ context.Context, local BoundCollection) error {
	h.deleted = append(h.deleted, local.CollectionID())
	for i, l := range h.locals {
		if l.collectionID == local.CollectionID() {
			h.locals = append(h.locals[:i], h.locals[i+1:]...)
			break
		}
	}
	return nil
}

func (h *mockHandler) SyncCollection(_ context.Context, local BoundCollection, _ *state.Collection, _ Options, result *Result) {
	h.synced = append(h.synced, local.CollectionID())
	if err := h.failSync[local.CollectionID()]; err != nil {
		result.Fold(err, time.Now())
	}
}
