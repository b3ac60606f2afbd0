// Package remote fetches full CRM snapshots from a network data source.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/crm-sync-server/record"
)

var (
	// ErrUnavailable wraps every fetch failure.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrNotConfigured is returned when no remote endpoint is set.
	ErrNotConfigured = fmt.Errorf("%w: not configured", ErrUnavailable)
)

// DefaultTimeout bounds a single FetchAll or Ping.
const DefaultTimeout = 10 * time.Second

// Snapshot maps collection name to its ordered records.
type Snapshot map[string][]record.Record

// Fetcher returns the full remote state or fails. There is no partial
// result: any collection failing fails the whole fetch.
type Fetcher interface {
	FetchAll(ctx context.Context) (Snapshot, error)
}

// Pinger reports whether the remote is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NotConfigured is the Fetcher used when no remote endpoint is set.
type NotConfigured struct{}

func (NotConfigured) FetchAll(context.Context) (Snapshot, error) { return nil, ErrNotConfigured }

func (NotConfigured) Ping(context.Context) error { return ErrNotConfigured }

// Client talks to another sync server (or anything serving the same
// collections API): GET /collections, then GET /collections/{c}/items for
// each name, reading the "data" array of each page. A single attempt is made; there is no retry.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends "Authorization: Bearer <key>".
func WithAPIKey(key string) ClientOption { return func(c *Client) { c.apiKey = key } }

// WithTimeout bounds each FetchAll or Ping. Non-positive values keep the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

// NewClient returns a Client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.get(ctx, "/health", nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FetchAll downloads every collection concurrently.
func (c *Client) FetchAll(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var names []string
	if err := c.get(ctx, "/collections", &names); err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", ErrUnavailable, err)
	}

	var mu sync.Mutex
	snap := make(Snapshot, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			var page struct {
				Data []record.Record `json:"data"`
			}
			if err := c.get(gctx, "/collections/"+url.PathEscape(name)+"/items", &page); err != nil {
				return fmt.Errorf("collection %s: %v", name, err)
			}
			if page.Data == nil {
				page.Data = []record.Record{}
			}
			mu.Lock()
			snap[name] = page.Data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snap, nil
}
