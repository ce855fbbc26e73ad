// Package dpaste implements share.Store on top of a dpaste-compatible paste
// service.
//
// Documents are created with a form POST to {base}/api/ whose response body
// is the URL of the new paste, and read back from {base}/{id}/raw/.
package dpaste

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/vibecanvas/internal/share"
)

const (
	defaultSyntax     = "html"
	defaultExpiryDays = 365
	defaultTimeout    = 10 * time.Second

	maxBody = 8 << 20
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSyntax sets the highlighting lexer. Default: "html".
func WithSyntax(s string) Option {
	return func(c *Client) {
		if s != "" {
			c.syntax = s
		}
	}
}

// WithExpiryDays sets how long pastes are kept. Default: 365.
func WithExpiryDays(days int) Option {
	return func(c *Client) {
		if days > 0 {
			c.expiryDays = days
		}
	}
}

// WithTimeout bounds every request. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client is a share.Store backed by a paste service.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	syntax     string
	expiryDays int
	timeout    time.Duration
}

var _ share.Store = (*Client)(nil)

// New creates a Client for the paste service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("dpaste: parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("dpaste: base url %q must be an absolute http(s) url", baseURL)
	}
	c := &Client{
		base:       u,
		httpClient: &http.Client{},
		syntax:     defaultSyntax,
		expiryDays: defaultExpiryDays,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name implements share.Store.
func (c *Client) Name() string { return "dpaste" }

// Put implements share.Store.
func (c *Client) Put(ctx context.Context, content string) (share.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{
		"content":     {content},
		"syntax":      {c.syntax},
		"expiry_days": {strconv.Itoa(c.expiryDays)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api")+"/", strings.NewReader(form.Encode()))
	if err != nil {
		return share.Paste{}, fmt.Errorf("dpaste: put: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		return share.Paste{}, fmt.Errorf("dpaste: put: %w", err)
	}
	if status < 200 || status > 299 {
		return share.Paste{}, fmt.Errorf("dpaste: put: status %d: %s", status, strings.TrimSpace(body))
	}

	link := strings.TrimSpace(strings.Trim(strings.TrimSpace(body), `"`))
	u, err := url.Parse(link)
	if err != nil || link == "" {
		return share.Paste{}, fmt.Errorf("dpaste: put: unexpected response %q", body)
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if !validID(id) {
		return share.Paste{}, fmt.Errorf("dpaste: put: no paste id in %q", link)
	}
	return share.Paste{ID: id, URL: link}, nil
}

// Get implements share.Store.
func (c *Client) Get(ctx context.Context, id string) (string, error) {
	if !validID(id) {
		return "", share.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(id, "raw")+"/", nil)
	if err != nil {
		return "", fmt.Errorf("dpaste: get: %w", err)
	}
	body, status, err := c.do(req)
	switch {
	case err != nil:
		return "", fmt.Errorf("dpaste: get: %w", err)
	case status == http.StatusNotFound:
		return "", share.ErrNotFound
	case status < 200 || status > 299:
		return "", fmt.Errorf("dpaste: get: status %d", status)
	case strings.TrimSpace(body) == "":
		return "", share.ErrEmptyContent
	}
	return body, nil
}

func (c *Client) endpoint(elems ...string) string {
	return c.base.JoinPath(elems...).String()
}

func (c *Client) do(req *http.Request) (string, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

// validID accepts the slug alphabet used by paste services.
func validID(id string) bool {
	if id == "" || id == "." || id == "/" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

