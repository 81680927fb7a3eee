// Package source implements the read side of the sync engine: the OAuth2
// token manager, the retrying HTTP client for the roster API, and the change
// feed reader.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// defaultPageSize is the page size requested from paginated endpoints
const defaultPageSize = 100

// maxErrorBodyBytes bounds how much of an error response is kept for logs
const maxErrorBodyBytes = 2048

// TokenSource provides bearer tokens for source API requests
type TokenSource interface {
	Bearer(ctx context.Context) (string, error)
	Invalidate()
}

// Link is one pagination link in a response envelope
type Link struct {
	Rel string `json:"rel"`
	URI string `json:"uri"`
}

// envelope is the wire shape of every collection response: each data element
// wraps the actual resource under its own "data" key.
type envelope struct {
	Data []struct {
		Data json.RawMessage `json:"data"`
	} `json:"data"`
	Links []Link `json:"links"`
}

// Page is one page of resources from a paginated endpoint
type Page struct {
	// Records holds the raw resource objects on this page
	Records []json.RawMessage

	// NextURL is the server-advertised URL of the following page, empty on
	// the last page
	NextURL string
}

// Client fetches roster data from the source API, transparently attaching
// bearer tokens and retrying transient failures.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	policy   Policy
	pageSize int
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithPolicy sets the retry policy
func WithPolicy(p Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithPageSize sets the page size requested from paginated endpoints
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		c.pageSize = n
	}
}

// WithLogger sets the client's logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSleeper overrides how the client waits between retries
func WithSleeper(sleeper func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = sleeper
	}
}

// NewClient creates a source API client rooted at baseURL
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}

	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		tokens:   tokens,
		policy:   DefaultPolicy(),
		pageSize: defaultPageSize,
		logger:   slog.Default(),
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage fetches a single page. pageURL is either a path relative to the
// client's base URL (first page) or the absolute NextURL of a previous page.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	body, err := c.get(ctx, c.resolve(pageURL))
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode page from %s: %w", pageURL, err)
	}

	page := &Page{Records: make([]json.RawMessage, 0, len(env.Data))}
	for _, item := range env.Data {
		page.Records = append(page.Records, item.Data)
	}
	for _, link := range env.Links {
		if link.Rel == "next" {
			page.NextURL = link.URI
		}
	}
	return page, nil
}

// FetchAll fetches every page of a collection by following next links
func (c *Client) FetchAll(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	records, _, err := c.FetchPages(ctx, path, query, 0)
	return records, err
}

// FetchPages fetches up to maxPages pages of a collection by following next
// links; maxPages <= 0 means unbounded. The second return reports whether
// pages remained beyond the cap.
func (c *Client) FetchPages(ctx context.Context, path string, query url.Values, maxPages int) ([]json.RawMessage, bool, error) {
	pageURL := c.withQuery(path, query)

	var records []json.RawMessage
	for fetched := 0; pageURL != ""; fetched++ {
		if maxPages > 0 && fetched == maxPages {
			return records, true, nil
		}
		page, err := c.FetchPage(ctx, pageURL)
		if err != nil {
			return nil, false, err
		}
		records = append(records, page.Records...)
		pageURL = page.NextURL
	}
	return records, false, nil
}

// resolve turns a relative path into an absolute URL; absolute URLs (from
// next links) pass through untouched.
func (c *Client) resolve(pageURL string) string {
	if u, err := url.Parse(pageURL); err == nil && u.IsAbs() {
		return pageURL
	}
	return c.baseURL + pageURL
}

// withQuery appends the query plus the client's page size to a path
func (c *Client) withQuery(path string, query url.Values) string {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("limit", strconv.Itoa(c.pageSize))
	return path + "?" + q.Encode()
}

// get performs one GET with the full retry schedule. Transient failures
// (network errors, 5xx) consume retry slots; 429 waits out the advertised
// Retry-After and retries without consuming a slot; 401 invalidates the
// cached token once before giving up.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	bo := c.policy.backoff()
	attempt := 1
	authRetried := false

	for {
		body, res, err := c.attempt(ctx, rawURL)

		switch {
		case err == nil:
			return body, nil

		case res != nil && res.StatusCode == http.StatusTooManyRequests:
			wait := c.retryAfter(res)
			c.logger.Warn("rate limited by source API",
				"url", rawURL,
				"wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case res != nil && res.StatusCode == http.StatusUnauthorized:
			if authRetried {
				return nil, &AuthenticationError{Err: fmt.Errorf("request to %s unauthorized after token refresh", rawURL)}
			}
			c.tokens.Invalidate()
			authRetried = true

		case res != nil && res.StatusCode >= 400 && res.StatusCode < 500:
			return nil, &RequestError{URL: rawURL, StatusCode: res.StatusCode, Body: string(body)}

		default:
			// Network error or 5xx
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				return nil, err
			}
			if attempt > c.policy.MaxRetries {
				return nil, &TransientFetchError{URL: rawURL, Attempts: attempt, Err: err}
			}
			wait := bo.NextBackOff()
			c.logger.Warn("transient fetch failure, retrying",
				"url", rawURL,
				"attempt", attempt,
				"wait", wait,
				"error", err)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			attempt++
		}
	}
}

// attempt performs a single GET. A non-nil response is returned alongside the
// error for status-based classification by the caller.
func (c *Client) attempt(ctx context.Context, rawURL string) ([]byte, *http.Response, error) {
	token, err := c.tokens.Bearer(ctx)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read response from %s: %w", rawURL, err)
		}
		return body, nil, nil
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
	return body, res, fmt.Errorf("request to %s returned status %d", rawURL, res.StatusCode)
}

// retryAfter extracts the server's Retry-After hint from a rate-limit
// response and adds the policy's safety margin.
func (c *Client) retryAfter(res *http.Response) time.Duration {
	return c.policy.retryAfter(res.Header.Get("Retry-After"))
}
