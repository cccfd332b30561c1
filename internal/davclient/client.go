// Package davclient is a small WebDAV/CardDAV client. It issues PROPFIND,
// REPORT, PUT, GET, DELETE and MKCOL requests with basic authentication and
// reports failures as typed errors: [*HTTPError] for unexpected statuses,
// [*ParseError] for malformed bodies and [ErrInvalidSyncToken] for rejected
// sync-tokens. Network errors are returned as-is.
package davclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 32 << 20

// Options configures a Client.
type Options struct {
	Username string
	Password string

	// UserAgent is sent with every request. Defaults to "cardrelay".
	UserAgent string

	// Timeout bounds each request. Defaults to 30s. Ignored when HTTPClient
	// is set.
	Timeout time.Duration

	// RequestsPerSecond limits outgoing requests. Zero disables the limit.
	RequestsPerSecond float64

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client talks to one CardDAV server on behalf of one account.
type Client struct {
	http      *http.Client
	base      *url.URL
	username  string
	password  string
	userAgent string
	limiter   *rate.Limiter
	log       *slog.Logger

	now func() time.Time
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts Options, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must be http or https", baseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "cardrelay"
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		http:      hc,
		base:      u,
		username:  opts.Username,
		password:  opts.Password,
		userAgent: ua,
		limiter:   limiter,
		log:       logger,
		now:       time.Now,
	}, nil
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Resolve turns an href from a multistatus body into an absolute URL.
func (c *Client) Resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", &ParseError{URL: href, Err: err}
	}
	return c.base.ResolveReference(ref).String(), nil
}

// request describes one outgoing call.
type request struct {
	method  string
	url     string
	depth   string
	body    []byte
	headers map[string]string
}

// do executes req and returns the response with its body fully read. Any
// non-2xx status is turned into an *HTTPError.
func (c *Client) do(ctx context.Context, req request) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s request: %w", req.method, err)
	}
	if c.username != "" || c.password != "" {
		hr.SetBasicAuth(c.username, c.password)
	}
	hr.Header.Set("User-Agent", c.userAgent)
	if req.depth != "" {
		hr.Header.Set("Depth", req.depth)
	}
	if req.body != nil && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	}
	for k, v := range req.headers {
		hr.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.method, hr.URL.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s response: %w", req.method, err)
	}

	c.log.Debug("dav request",
		"method", req.method,
		"url", hr.URL.Redacted(),
		"status", resp.StatusCode,
		"duration", c.now().Sub(start),
	)

	if resp.StatusCode/100 != 2 {
		return resp, data, newHTTPError(resp, c.now())
	}
	return resp, data, nil
}

// Propfind issues a PROPFIND with the given depth and property names
// (prefixed d:, card: or cs:).
func (c *Client) Propfind(ctx context.Context, u, depth string, props ...string) (*Multistatus, error) {
	body, err := encodeXML(newPropfind(props...))
	if err != nil {
		return nil, fmt.Errorf("encoding PROPFIND body: %w", err)
	}
	return c.multistatus(ctx, request{method: "PROPFIND", url: u, depth: depth, body: body})
}

// Report issues a REPORT with an already encoded body.
func (c *Client) Report(ctx context.Context, u, depth string, body []byte) (*Multistatus, error) {
	return c.multistatus(ctx, request{method: "REPORT", url: u, depth: depth, body: body})
}

func (c *Client) multistatus(ctx context.Context, req request) (*Multistatus, error) {
	resp, data, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, &ParseError{URL: req.url, Err: fmt.Errorf("expected 207 Multi-Status, got %s", resp.Status)}
	}
	var ms Multistatus
	if err := safeUnmarshalXML(data, &ms); err != nil {
		return nil, &ParseError{URL: req.url, Err: err}
	}
	return &ms, nil
}

// Put uploads body to u. When ifMatch is non-empty it is sent as an If-Match
// precondition. The returned ETag is empty when the server did not send one.
func (c *Client) Put(ctx context.Context, u string, body []byte, contentType, ifMatch string) (string, error) {
	headers := map[string]string{"Content-Type": contentType}
	if ifMatch != "" {
		headers["If-Match"] = QuoteETag(ifMatch)
	}
	resp, _, err := c.do(ctx, request{method: http.MethodPut, url: u, body: body, headers: headers})
	if err != nil {
		return "", err
	}
	return NormalizeETag(resp.Header.Get("ETag")), nil
}

// Get downloads a single resource.
func (c *Client) Get(ctx context.Context, u string) (body []byte, etag string, err error) {
	resp, data, err := c.do(ctx, request{method: http.MethodGet, url: u})
	if err != nil {
		return nil, "", err
	}
	return data, NormalizeETag(resp.Header.Get("ETag")), nil
}

// Delete removes the resource at u, optionally guarded by If-Match.
func (c *Client) Delete(ctx context.Context, u, ifMatch string) error {
	var headers map[string]string
	if ifMatch != "" {
		headers = map[string]string{"If-Match": QuoteETag(ifMatch)}
	}
	_, _, err := c.do(ctx, request{method: http.MethodDelete, url: u, headers: headers})
	return err
}

// Mkcol creates an address book at u using an extended MKCOL body.
func (c *Client) Mkcol(ctx context.Context, u, displayName, description string) error {
	var b mkcolBody
	b.XmlnsD = nsDAV
	b.XmlnsCard = nsCardDAV
	b.Set.Prop.DisplayName = displayName
	b.Set.Prop.Description = description
	body, err := encodeXML(b)
	if err != nil {
		return fmt.Errorf("encoding MKCOL body: %w", err)
	}
	_, _, err = c.do(ctx, request{method: "MKCOL", url: u, body: body})
	return err
}

// NormalizeETag strips the weak prefix and quotes from an ETag value.
func NormalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

// QuoteETag formats an ETag for If-Match.
func QuoteETag(v string) string {
	return `"` + strings.Trim(v, `"`) + `"`
}
