// Package davtest provides an in-memory CardDAV server for tests. It keeps
// address books with CTags, ETags and a change log for sync-collection, and
// lets tests inject failures and count requests per method.
package davtest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

func init() {
	for _, method := range []string{"PROPFIND", "REPORT", "MKCOL"} {
		chi.RegisterMethod(method)
	}
}

const (
	user          = "user"
	principalPath = "/principals/" + user + "/"
	homePath      = "/addressbooks/" + user + "/"
	tokenPrefix   = "http://cardrelay.test/sync/"

	maxBodyBytes = 10 << 20
)

// Request counter keys.
const (
	CountCapabilities = "PROPFIND:0"
	CountListing      = "PROPFIND:1"
	CountSyncReport   = "REPORT:sync-collection"
	CountMultiget     = "REPORT:addressbook-multiget"
	CountPut          = "PUT"
	CountDelete       = "DELETE"
	CountMkcol        = "MKCOL"
	CountGet          = "GET"
)

// Server is a fake CardDAV server backed by httptest.
type Server struct {
	*httptest.Server

	// Username and Password enable basic auth when Username is non-empty.
	Username string
	Password string

	mu       sync.Mutex
	books    map[string]*Book
	counts   map[string]int
	failures []failure

	lastAddressData addressDataType
}

type failure struct {
	key    string
	status int
	header http.Header
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		books:  make(map[string]*Book),
		counts: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.MethodFunc("PROPFIND", "/*", s.propfind)
	r.MethodFunc("REPORT", "/*", s.report)
	r.MethodFunc("MKCOL", "/*", s.mkcol)
	r.MethodFunc(http.MethodPut, "/*", s.put)
	r.MethodFunc(http.MethodGet, "/*", s.get)
	r.MethodFunc(http.MethodDelete, "/*", s.delete)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddBook creates an address book below the home set.
func (s *Server) AddBook(name string) *Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addBookLocked(name, name, "")
}

func (s *Server) addBookLocked(name, displayName, description string) *Book {
	b := &Book{
		s:              s,
		path:           homePath + name + "/",
		DisplayName:    displayName,
		Description:    description,
		SyncCollection: true,
		VCard4:         true,
		seq:            1,
		members:        make(map[string]*member),
	}
	s.books[b.path] = b
	return b
}

// Book returns the address book with the given name, or nil.
func (s *Server) Book(name string) *Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books[homePath+name+"/"]
}

// RemoveBook deletes an address book.
func (s *Server) RemoveBook(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, homePath+name+"/")
}

// FailNext makes the next request matching key (a method or a counter key)
// fail with status and header.
func (s *Server) FailNext(key string, status int, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{key: key, status: status, header: header})
}

// Count returns how many requests were served for a counter key.
func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// ResetCounts clears all request counters.
func (s *Server) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}

// LastAddressData returns the content type and version requested by the most
// recent multiget.
func (s *Server) LastAddressData() (contentType, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAddressData.ContentType, s.lastAddressData.Version
}

// PrincipalURL returns the absolute principal URL.
func (s *Server) PrincipalURL() string { return s.URL + principalPath }

// HomeURL returns the absolute addressbook-home-set URL.
func (s *Server) HomeURL() string { return s.URL + homePath }

// --- Book ----------------------------------------------------------------

// Book is one fake address book. Exported fields are capability switches and
// must be set before the client issues requests.
type Book struct {
	s    *Server
	path string

	DisplayName string
	Description string

	// ReadOnly rejects PUT and DELETE with 403 and hides write privileges.
	ReadOnly bool
	// SyncCollection advertises the sync-collection REPORT and a sync-token.
	SyncCollection bool
	// VCard4 and JCard advertise the corresponding address-data types.
	VCard4 bool
	JCard  bool
	// NoCTag omits getctag from capability replies.
	NoCTag bool
	// MaxResourceSize is advertised when non-zero; larger PUTs get 413.
	MaxResourceSize int64
	// PageSize truncates sync-collection replies when non-zero.
	PageSize int
	// PutWithoutETag omits the ETag header on PUT replies.
	PutWithoutETag bool
	// NextETag, when set, is used for the next stored version.
	NextETag string

	seq      int
	minToken int
	members  map[string]*member
	changes  []change
}

type member struct {
	data        []byte
	etag        string
	contentType string
}

type change struct {
	seq     int
	name    string
	deleted bool
}

// URL returns the absolute collection URL.
func (b *Book) URL() string { return b.s.URL + b.path }

// Path returns the collection path.
func (b *Book) Path() string { return b.path }

// PutMember stores a resource as if another client uploaded it and returns
// its ETag.
func (b *Book) PutMember(name, data string) string {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.storeLocked(name, []byte(data), "text/vcard")
}

// RemoveMember deletes a resource as if another client removed it.
func (b *Book) RemoveMember(name string) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.removeLocked(name)
}

// Member returns a stored resource.
func (b *Book) Member(name string) (data, etag string, ok bool) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	m, ok := b.members[name]
	if !ok {
		return "", "", false
	}
	return string(m.data), m.etag, true
}

// ContentType returns the Content-Type a resource was uploaded with.
func (b *Book) ContentType(name string) string {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if m, ok := b.members[name]; ok {
		return m.contentType
	}
	return ""
}

// Members returns the sorted resource names.
func (b *Book) Members() []string {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	names := make([]string, 0, len(b.members))
	for n := range b.members {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CTag returns the current collection tag.
func (b *Book) CTag() string {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.ctagLocked()
}

// SyncToken returns the current sync-token.
func (b *Book) SyncToken() string {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.tokenLocked(b.seq)
}

// InvalidateTokens makes every sync-token issued so far invalid.
func (b *Book) InvalidateTokens() {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.minToken = b.seq + 1
	b.seq++
}

func (b *Book) ctagLocked() string { return fmt.Sprintf("ctag-%d", b.seq) }

func (b *Book) tokenLocked(seq int) string { return tokenPrefix + strconv.Itoa(seq) }

func (b *Book) storeLocked(name string, data []byte, contentType string) string {
	b.seq++
	etag := b.NextETag
	if etag == "" {
		etag = fmt.Sprintf("etag-%d", b.seq)
	}
	b.NextETag = ""
	b.members[name] = &member{data: data, etag: etag, contentType: contentType}
	b.changes = append(b.changes, change{seq: b.seq, name: name})
	return etag
}

func (b *Book) removeLocked(name string) {
	if _, ok := b.members[name]; !ok {
		return
	}
	b.seq++
	delete(b.members, name)
	b.changes = append(b.changes, change{seq: b.seq, name: name, deleted: true})
}

// --- handlers --------------------------------------------------------------

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Username != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != s.Username || p != s.Password {
				w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// begin counts the request and applies a pending failure. It returns false
// when the request was already answered. The caller must hold s.mu.
func (s *Server) beginLocked(w http.ResponseWriter, r *http.Request, key string) bool {
	s.counts[key]++
	for i, f := range s.failures {
		if f.key != key && f.key != r.Method {
			continue
		}
		s.failures = append(s.failures[:i], s.failures[i+1:]...)
		for k, vals := range f.header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		http.Error(w, http.StatusText(f.status), f.status)
		return false
	}
	return true
}

func (s *Server) propfind(w http.ResponseWriter, r *http.Request) {
	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "infinity"
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxBodyBytes))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.beginLocked(w, r, "PROPFIND:"+depth) {
		return
	}

	p := cleanPath(r.URL.Path)
	ms := newMultistatus()
	switch {
	case p == "/" || p == "/.well-known/carddav/":
		ms.Responses = append(ms.Responses, okResponse(p, prop{
			CurrentUserPrincipal: &hrefProp{Href: principalPath},
		}))
	case p == principalPath:
		ms.Responses = append(ms.Responses, okResponse(p, prop{
			ResourceType:         &resourceType{Principal: &struct{}{}},
			CurrentUserPrincipal: &hrefProp{Href: principalPath},
			AddressbookHomeSet:   &hrefProp{Href: homePath},
		}))
	case p == homePath:
		ms.Responses = append(ms.Responses, okResponse(p, prop{
			ResourceType: &resourceType{Collection: &struct{}{}},
		}))
		if depth == "1" {
			paths := make([]string, 0, len(s.books))
			for bp := range s.books {
				paths = append(paths, bp)
			}
			sort.Strings(paths)
			for _, bp := range paths {
				ms.Responses = append(ms.Responses, okResponse(bp, s.books[bp].collectionPropLocked()))
			}
		}
	default:
		b, ok := s.books[p]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		ms.Responses = append(ms.Responses, okResponse(b.path, b.collectionPropLocked()))
		if depth == "1" {
			for _, name := range b.sortedNamesLocked() {
				ms.Responses = append(ms.Responses, okResponse(b.path+name, prop{
					ResourceType: &resourceType{},
					GetETag:      quote(b.members[name].etag),
				}))
			}
		}
	}
	writeMultistatus(w, ms)
}

func (b *Book) collectionPropLocked() prop {
	p := prop{
		DisplayName:            b.DisplayName,
		ResourceType:           &resourceType{Collection: &struct{}{}, AddressBook: &struct{}{}},
		AddressBookDescription: b.Description,
		SupportedReportSet: &supportedReportSet{Reports: []supportedReport{
			{Report: reportName{AddressbookMultiget: &struct{}{}}},
		}},
		SupportedAddressData: &supportedAddressData{Types: []addressDataType{
			{ContentType: "text/vcard", Version: "3.0"},
		}},
		CurrentUserPrivilegeSet: &privilegeSet{Privileges: []privilege{{Read: &struct{}{}}}},
	}
	if !b.ReadOnly {
		p.CurrentUserPrivilegeSet.Privileges = append(p.CurrentUserPrivilegeSet.Privileges, privilege{Write: &struct{}{}})
	}
	if !b.NoCTag {
		p.CTag = b.ctagLocked()
	}
	if b.SyncCollection {
		p.SyncToken = b.tokenLocked(b.seq)
		p.SupportedReportSet.Reports = append(p.SupportedReportSet.Reports,
			supportedReport{Report: reportName{SyncCollection: &struct{}{}}})
	}
	if b.VCard4 {
		p.SupportedAddressData.Types = append(p.SupportedAddressData.Types, addressDataType{ContentType: "text/vcard", Version: "4.0"})
	}
	if b.JCard {
		p.SupportedAddressData.Types = append(p.SupportedAddressData.Types, addressDataType{ContentType: "application/vcard+json", Version: "4.0"})
	}
	if b.MaxResourceSize > 0 {
		p.MaxResourceSize = strconv.FormatInt(b.MaxResourceSize, 10)
	}
	return p
}

func (b *Book) sortedNamesLocked() []string {
	names := make([]string, 0, len(b.members))
	for n := range b.members {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var req reportRequest
	if err := xml.Unmarshal(data, &req); err != nil {
		http.Error(w, "invalid XML", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.beginLocked(w, r, "REPORT:"+req.XMLName.Local) {
		return
	}

	b, ok := s.books[cleanPath(r.URL.Path)]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch req.XMLName.Local {
	case "sync-collection":
		s.syncCollectionLocked(w, b, req.SyncToken)
	case "addressbook-multiget":
		if req.Prop != nil && req.Prop.AddressData != nil {
			s.lastAddressData = addressDataType{ContentType: req.Prop.AddressData.ContentType, Version: req.Prop.AddressData.Version}
		}
		ms := newMultistatus()
		for _, href := range req.Hrefs {
			name := path.Base(href)
			m, ok := b.members[name]
			if !strings.HasPrefix(href, b.path) || !ok {
				ms.Responses = append(ms.Responses, response{Href: href, Status: "HTTP/1.1 404 Not Found"})
				continue
			}
			ms.Responses = append(ms.Responses, okResponse(b.path+name, prop{
				GetETag:     quote(m.etag),
				AddressData: cdataString(m.data),
			}))
		}
		writeMultistatus(w, ms)
	default:
		http.Error(w, "unsupported report", http.StatusForbidden)
	}
}

func (s *Server) syncCollectionLocked(w http.ResponseWriter, b *Book, token string) {
	if !b.SyncCollection {
		http.Error(w, "sync-collection not supported", http.StatusForbidden)
		return
	}

	from := 0
	if token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, tokenPrefix))
		if err != nil || !strings.HasPrefix(token, tokenPrefix) || n < b.minToken || n > b.seq {
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			out, _ := xml.Marshal(davError{XmlnsD: "DAV:", ValidSyncToken: &struct{}{}})
			_, _ = w.Write(out)
			return
		}
		from = n
	}

	var pending []change
	for _, c := range b.changes {
		if c.seq > from {
			pending = append(pending, c)
		}
	}
	truncated := false
	next := b.seq
	if b.PageSize > 0 && len(pending) > b.PageSize {
		pending = pending[:b.PageSize]
		truncated = true
		next = pending[len(pending)-1].seq
	}

	latest := make(map[string]change)
	var order []string
	for _, c := range pending {
		if _, seen := latest[c.name]; !seen {
			order = append(order, c.name)
		}
		latest[c.name] = c
	}

	ms := newMultistatus()
	for _, name := range order {
		c := latest[name]
		m, exists := b.members[name]
		if c.deleted || !exists {
			ms.Responses = append(ms.Responses, response{Href: b.path + name, Status: "HTTP/1.1 404 Not Found"})
			continue
		}
		ms.Responses = append(ms.Responses, okResponse(b.path+name, prop{GetETag: quote(m.etag)}))
	}
	if truncated {
		ms.Responses = append(ms.Responses, response{Href: b.path, Status: "HTTP/1.1 507 Insufficient Storage"})
	}
	ms.SyncToken = b.tokenLocked(next)
	writeMultistatus(w, ms)
}

func (s *Server) mkcol(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.beginLocked(w, r, "MKCOL") {
		return
	}

	p := cleanPath(r.URL.Path)
	if !strings.HasPrefix(p, homePath) || strings.Count(strings.TrimPrefix(p, homePath), "/") != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if _, exists := s.books[p]; exists {
		http.Error(w, "already exists", http.StatusMethodNotAllowed)
		return
	}

	var req mkcolRequest
	if len(bytes.TrimSpace(data)) > 0 {
		if err := xml.Unmarshal(data, &req); err != nil {
			http.Error(w, "invalid XML", http.StatusBadRequest)
			return
		}
	}
	name := strings.TrimSuffix(strings.TrimPrefix(p, homePath), "/")
	s.addBookLocked(name, req.Set.Prop.DisplayName, req.Set.Prop.Description)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.beginLocked(w, r, "PUT") {
		return
	}

	b, name, ok := s.resolveMemberLocked(r.URL.Path)
	if !ok {
		http.Error(w, "conflict", http.StatusConflict)
		return
	}
	if b.ReadOnly {
		http.Error(w, "read-only address book", http.StatusForbidden)
		return
	}
	if b.MaxResourceSize > 0 && int64(len(data)) > b.MaxResourceSize {
		http.Error(w, "resource too large", http.StatusRequestEntityTooLarge)
		return
	}

	existing, exists := b.members[name]
	if im := r.Header.Get("If-Match"); im != "" {
		if !exists || strings.Trim(im, `"`) != existing.etag {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
			return
		}
	}
	if r.Header.Get("If-None-Match") == "*" && exists {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	etag := b.storeLocked(name, data, r.Header.Get("Content-Type"))
	if !b.PutWithoutETag {
		w.Header().Set("ETag", quote(etag))
	}
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.beginLocked(w, r, "GET") {
		return
	}
	b, name, ok := s.resolveMemberLocked(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	m, ok := b.members[name]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", quote(m.etag))
	w.Header().Set("Content-Type", m.contentType)
	_, _ = w.Write(m.data)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.beginLocked(w, r, "DELETE") {
		return
	}
	b, name, ok := s.resolveMemberLocked(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if b.ReadOnly {
		http.Error(w, "read-only address book", http.StatusForbidden)
		return
	}
	m, exists := b.members[name]
	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if im := r.Header.Get("If-Match"); im != "" && strings.Trim(im, `"`) != m.etag {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	b.removeLocked(name)
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers -----------------------------------------------------------------

func (s *Server) resolveMemberLocked(p string) (*Book, string, bool) {
	dir, name := path.Split(p)
	b, ok := s.books[dir]
	if !ok || name == "" {
		return nil, "", false
	}
	return b, name, true
}

func cleanPath(p string) string {
	c := path.Clean("/" + p)
	if c != "/" {
		c += "/"
	}
	return c
}

func okResponse(href string, p prop) response {
	return response{
		Href:     href,
		Propstat: []propstat{{Prop: p, Status: "HTTP/1.1 200 OK"}},
	}
}

func writeMultistatus(w http.ResponseWriter, ms *multistatus) {
	out, err := xml.Marshal(ms)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

func quote(etag string) string {
	return `"` + etag + `"`
}
