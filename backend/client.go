// Package backend is the REST client for the StudentStore API. Every
// endpoint answers with the {status, data, message} envelope; Client checks
// the envelope shape and returns the data payload untouched.
//
// The client does not retry. A failed fetch is returned to the caller,
// which shows an error and lets the user try again.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// Client fetches StudentStore resources.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithToken sends the session token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the API rooted at baseURL
// (e.g. http://localhost:3000/api).
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Query carries list parameters.
type Query struct {
	Page  int
	Limit int
	Sort  string
	Extra url.Values
}

// Values encodes the query. Zero fields are omitted.
func (q Query) Values() url.Values {
	v := url.Values{}
	for k, vals := range q.Extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	return v
}

// Get fetches path and returns the envelope's data.
func (c *Client) Get(ctx context.Context, path string, q Query) (json.RawMessage, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if enc := q.Values().Encode(); enc != "" {
		u += "?" + enc
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeEnvelope(httpResp.StatusCode, body)
}

func decodeEnvelope(statusCode int, body []byte) (json.RawMessage, error) {
	ok := statusCode >= 200 && statusCode < 300

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		if !ok {
			return nil, &APIError{StatusCode: statusCode, Message: http.StatusText(statusCode)}
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := compiledEnvelope.Validate(doc); err != nil {
		if !ok {
			return nil, &APIError{StatusCode: statusCode, Message: http.StatusText(statusCode)}
		}
		return nil, fmt.Errorf("invalid response envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Status == StatusError {
		code := statusCode
		if ok {
			code = 0
		}
		return nil, &APIError{StatusCode: code, Message: env.Message}
	}
	if !ok {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		return nil, &APIError{StatusCode: statusCode, Message: msg}
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}

// Product fetches a product detail.
func (c *Client) Product(ctx context.Context, id string) (json.RawMessage, error) {
	return c.Get(ctx, "/products/"+url.PathEscape(id), Query{})
}

// CategoryProducts fetches one page of a category's product listing.
func (c *Client) CategoryProducts(ctx context.Context, categoryID string, q Query) (json.RawMessage, error) {
	return c.Get(ctx, "/categories/"+url.PathEscape(categoryID)+"/products", q)
}

// Reviews fetches one page of a product's reviews.
func (c *Client) Reviews(ctx context.Context, productID string, q Query) (json.RawMessage, error) {
	return c.Get(ctx, "/products/"+url.PathEscape(productID)+"/reviews", q)
}

// Wishlist fetches a user's wishlist.
func (c *Client) Wishlist(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.Get(ctx, "/users/"+url.PathEscape(userID)+"/wishlist", Query{})
}

// Profile fetches a user's profile and dashboard data.
func (c *Client) Profile(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.Get(ctx, "/users/"+url.PathEscape(userID)+"/profile", Query{})
}
