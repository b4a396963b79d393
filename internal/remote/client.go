package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/facebookgo/clock"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
)

// maxFeedMessage caps a single feed frame; records carry full message text.
const maxFeedMessage = 4 << 20

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL of the document store, e.g. https://db.example.com
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// HTTPClient for CRUD requests and feed dials (default: http.DefaultClient)
	HTTPClient *http.Client

	// ReconnectMin and ReconnectMax bound the feed reconnect backoff
	// (default: 500ms, 30s)
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Client is a Store reached over HTTP with a websocket change feed.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	minWait time.Duration
	maxWait time.Duration
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client for the store at cfg.BaseURL.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}

	c := &Client{
		base:    base,
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		minWait: cfg.ReconnectMin,
		maxWait: cfg.ReconnectMax,
		clock:   cfg.Clock,
		log:     logging.OrNop(cfg.Logger).With("component", "remote"),
		metrics: cfg.Metrics,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.minWait <= 0 {
		c.minWait = 500 * time.Millisecond
	}
	if c.maxWait < c.minWait {
		c.maxWait = 30 * time.Second
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	return c, nil
}

// List fetches matching records.
func (c *Client) List(ctx context.Context, collection string, f Filter) ([]json.RawMessage, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, c.recordsPath(collection, ""), f.Values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Create stores a new record with the given id.
func (c *Client) Create(ctx context.Context, collection, id string, fields any) (json.RawMessage, error) {
	f, err := toFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	f["id"] = id

	var rec json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.recordsPath(collection, ""), nil, f, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update merges fields into an existing record.
func (c *Client) Update(ctx context.Context, collection, id string, fields any) (json.RawMessage, error) {
	var rec json.RawMessage
	if err := c.do(ctx, http.MethodPatch, c.recordsPath(collection, id), nil, fields, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, c.recordsPath(collection, id), nil, nil, nil)
}

// Subscribe opens the collection's change feed. The first connection is
// made before returning; later drops are retried with capped exponential
// backoff, and each successful reconnect delivers an EventResync.
func (c *Client) Subscribe(ctx context.Context, collection string, h Handler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	conn, err := c.dial(subCtx, collection)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runFeed(subCtx, collection, conn, h)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (c *Client) runFeed(ctx context.Context, collection string, conn *websocket.Conn, h Handler) {
	for {
		err := c.readFeed(ctx, collection, conn, h)
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("feed dropped", "collection", collection, "error", err)

		conn = c.reconnect(ctx, collection)
		if conn == nil {
			return
		}
		c.metrics.FeedReconnect()
		c.log.Info("feed reconnected", "collection", collection)
		h(Event{Type: EventResync, Collection: collection})
	}
}

// reconnect dials until it succeeds or ctx ends.
func (c *Client) reconnect(ctx context.Context, collection string) *websocket.Conn {
	wait := c.minWait
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(wait):
		}

		conn, err := c.dial(ctx, collection)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Debug("feed reconnect failed", "collection", collection, "retry_in", wait, "error", err)
		wait = min(wait*2, c.maxWait)
	}
}

func (c *Client) readFeed(ctx context.Context, collection string, conn *websocket.Conn, h Handler) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.log.Warn("discarding malformed feed frame", "collection", collection, "error", err)
			continue
		}
		if e.Collection == "" {
			e.Collection = collection
		}
		h(e)
	}
}

func (c *Client) dial(ctx context.Context, collection string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/api/collections/" + url.PathEscape(collection) + "/feed"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s feed: %w", collection, err)
	}
	conn.SetReadLimit(maxFeedMessage)
	return conn, nil
}

func (c *Client) recordsPath(collection, id string) string {
	p := c.base.Path + "/api/collections/" + url.PathEscape(collection) + "/records"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		// Only a missing record is ErrNotFound; a 404 for the route itself
		// is a misconfigured base URL and must stay a failure.
		if resp.StatusCode == http.StatusNotFound && e.Code == codeNotFound {
			return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
