package davclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/njoerd114/cardrelay/internal/model"
)

// Capabilities is what a depth-0 PROPFIND reveals about an address book.
type Capabilities struct {
	DisplayName string
	CTag        string
	SyncToken   string

	// SupportsSyncCollection is true when the sync-collection REPORT is
	// advertised in supported-report-set.
	SupportsSyncCollection bool

	SupportsVCard4 bool
	SupportsJCard  bool

	// MaxResourceSize is zero when the server sets no limit.
	MaxResourceSize int64
}

// Member is one resource listed in an address book.
type Member struct {
	Name string
	ETag string
}

// SyncResult is the outcome of one sync-collection REPORT.
type SyncResult struct {
	Changed   []Member
	Removed   []string
	SyncToken string

	// Truncated is set when the server returned 507 for the collection
	// itself; the caller continues with SyncToken.
	Truncated bool
}

// Resource is one body returned by a multiget REPORT.
type Resource struct {
	Name string
	ETag string
	Data []byte

	// Status is the per-resource status code, 200 on success.
	Status int
}

// AddressBook addresses a single CardDAV collection.
type AddressBook struct {
	c   *Client
	url *url.URL
}

// AddressBook returns a handle for the collection at u. The URL is
// normalized to end in a slash.
func (c *Client) AddressBook(u string) (*AddressBook, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("parsing address book URL %q: %w", u, err)
	}
	parsed = c.base.ResolveReference(parsed)
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return &AddressBook{c: c, url: parsed}, nil
}

// URL returns the collection URL.
func (ab *AddressBook) URL() string {
	return ab.url.String()
}

// MemberURL returns the URL of a resource inside the collection.
func (ab *AddressBook) MemberURL(name string) string {
	u := *ab.url
	u.Path = ab.url.Path + name
	u.RawPath = ""
	return u.String()
}

// memberName maps an href to a resource name inside this collection. It
// returns "" for the collection itself and for hrefs outside it.
func (ab *AddressBook) memberName(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := ab.url.ResolveReference(ref)
	p := abs.Path
	if p == ab.url.Path || strings.TrimSuffix(p, "/") == strings.TrimSuffix(ab.url.Path, "/") {
		return ""
	}
	if !strings.HasPrefix(p, ab.url.Path) {
		return ""
	}
	name := strings.TrimPrefix(p, ab.url.Path)
	if name == "" || strings.Contains(strings.TrimSuffix(name, "/"), "/") {
		return ""
	}
	return path.Clean(name)
}

// Capabilities queries the collection properties that drive sync.
func (ab *AddressBook) Capabilities(ctx context.Context) (*Capabilities, error) {
	ms, err := ab.c.Propfind(ctx, ab.URL(), "0",
		"d:displayname",
		"card:max-resource-size",
		"card:supported-address-data",
		"d:supported-report-set",
		"cs:getctag",
		"d:sync-token",
	)
	if err != nil {
		return nil, fmt.Errorf("querying capabilities: %w", err)
	}

	caps := &Capabilities{}
	for _, r := range ms.Responses {
		if ab.memberName(r.Href) != "" {
			continue
		}
		p := r.props()
		caps.DisplayName = p.DisplayName
		caps.CTag = p.CTag
		caps.SyncToken = p.SyncToken
		if p.SupportedReportSet != nil {
			for _, rep := range p.SupportedReportSet.Reports {
				if rep.Report.SyncCollection != nil {
					caps.SupportsSyncCollection = true
				}
			}
		}
		if p.SupportedAddressData != nil {
			for _, t := range p.SupportedAddressData.Types {
				switch {
				case strings.EqualFold(t.ContentType, "application/vcard+json"):
					caps.SupportsJCard = true
				case strings.EqualFold(t.ContentType, "text/vcard") && t.Version == "4.0":
					caps.SupportsVCard4 = true
				}
			}
		}
		if p.MaxResourceSize != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(p.MaxResourceSize), 10, 64)
			if err != nil {
				return nil, &ParseError{URL: ab.URL(), Err: fmt.Errorf("max-resource-size %q: %w", p.MaxResourceSize, err)}
			}
			caps.MaxResourceSize = n
		}
	}
	return caps, nil
}

// ListMembers lists every non-collection resource with its ETag (PROPFIND
// depth 1).
func (ab *AddressBook) ListMembers(ctx context.Context) ([]Member, error) {
	ms, err := ab.c.Propfind(ctx, ab.URL(), "1", "d:resourcetype", "d:getetag")
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}

	var members []Member
	for _, r := range ms.Responses {
		name := ab.memberName(r.Href)
		if name == "" {
			continue
		}
		p := r.props()
		if p.ResourceType != nil && p.ResourceType.Collection != nil {
			continue
		}
		members = append(members, Member{Name: name, ETag: NormalizeETag(p.GetETag)})
	}
	return members, nil
}

// SyncCollection runs a sync-collection REPORT (RFC 6578) starting at token.
// An empty token requests the initial full enumeration.
func (ab *AddressBook) SyncCollection(ctx context.Context, token string) (*SyncResult, error) {
	body, err := encodeXML(syncCollectionBody{
		XmlnsD:    nsDAV,
		SyncToken: token,
		SyncLevel: "1",
		Prop:      propQuery{Props: names("d:getetag")},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sync-collection body: %w", err)
	}

	resp, data, err := ab.c.do(ctx, request{method: "REPORT", url: ab.URL(), depth: "0", body: body})
	if err != nil {
		if token != "" && isInvalidSyncToken(err, data) {
			return nil, fmt.Errorf("sync-collection at %s: %w", ab.URL(), ErrInvalidSyncToken)
		}
		return nil, fmt.Errorf("sync-collection: %w", err)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, &ParseError{URL: ab.URL(), Err: fmt.Errorf("expected 207 Multi-Status, got %s", resp.Status)}
	}

	var ms Multistatus
	if err := safeUnmarshalXML(data, &ms); err != nil {
		return nil, &ParseError{URL: ab.URL(), Err: err}
	}

	result := &SyncResult{SyncToken: ms.SyncToken}
	for _, r := range ms.Responses {
		name := ab.memberName(r.Href)
		if name == "" {
			if statusCode(r.Status) == http.StatusInsufficientStorage {
				result.Truncated = true
			}
			continue
		}
		if statusCode(r.Status) == http.StatusNotFound {
			result.Removed = append(result.Removed, name)
			continue
		}
		p := r.props()
		if p.ResourceType != nil && p.ResourceType.Collection != nil {
			continue
		}
		result.Changed = append(result.Changed, Member{Name: name, ETag: NormalizeETag(p.GetETag)})
	}
	if result.SyncToken == "" {
		return nil, &ParseError{URL: ab.URL(), Err: errors.New("sync-collection response without sync-token")}
	}
	return result, nil
}

func isInvalidSyncToken(err error, body []byte) bool {
	if !IsStatus(err, http.StatusForbidden, http.StatusConflict) {
		return false
	}
	var de davError
	if safeUnmarshalXML(body, &de) == nil && de.ValidSyncToken != nil {
		return true
	}
	return strings.Contains(string(body), "valid-sync-token")
}

// Multiget fetches the named resources in one addressbook-multiget REPORT,
// asking for the given format.
func (ab *AddressBook) Multiget(ctx context.Context, names []string, f model.Format) ([]Resource, error) {
	if len(names) == 0 {
		return nil, nil
	}
	b := multigetBody{
		XmlnsD:    nsDAV,
		XmlnsCard: nsCardDAV,
		Prop: multigetProp{
			GetETag:     &struct{}{},
			AddressData: addressDataRequest{ContentType: f.ContentType(), Version: f.Version()},
		},
	}
	for _, n := range names {
		u, err := url.Parse(ab.MemberURL(n))
		if err != nil {
			return nil, fmt.Errorf("building href for %q: %w", n, err)
		}
		b.Hrefs = append(b.Hrefs, u.EscapedPath())
	}
	body, err := encodeXML(b)
	if err != nil {
		return nil, fmt.Errorf("encoding multiget body: %w", err)
	}

	ms, err := ab.c.Report(ctx, ab.URL(), "1", body)
	if err != nil {
		return nil, fmt.Errorf("addressbook-multiget: %w", err)
	}

	var out []Resource
	for _, r := range ms.Responses {
		name := ab.memberName(r.Href)
		if name == "" {
			continue
		}
		res := Resource{Name: name, Status: http.StatusOK}
		if r.Status != "" {
			res.Status = statusCode(r.Status)
		}
		if res.Status == http.StatusOK {
			p := r.props()
			res.ETag = NormalizeETag(p.GetETag)
			res.Data = []byte(p.AddressData)
			if len(res.Data) == 0 && len(r.Propstats) > 0 && !r.Propstats[0].ok() {
				res.Status = statusCode(r.Propstats[0].Status)
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// Put uploads a resource. ifMatch is the last known ETag, empty for new
// resources.
func (ab *AddressBook) Put(ctx context.Context, name string, body []byte, contentType, ifMatch string) (string, error) {
	return ab.c.Put(ctx, ab.MemberURL(name), body, contentType, ifMatch)
}

// Delete removes a resource.
func (ab *AddressBook) Delete(ctx context.Context, name, ifMatch string) error {
	return ab.c.Delete(ctx, ab.MemberURL(name), ifMatch)
}
