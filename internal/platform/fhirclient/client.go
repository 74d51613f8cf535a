// Package fhirclient issues authenticated requests against a FHIR server's
// REST surface. It is the only place the harness touches the network; every
// other component reaches the server through it.
package fhirclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Content types exchanged with the server.
const (
	ContentTypeFHIRJSON = "application/fhir+json"
	ContentTypeJSON     = "application/json"
)

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the status is 2xx.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// String renders the raw response for operator-facing error output.
func (r *Response) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%d", r.StatusCode)
	for k, vs := range r.Header {
		fmt.Fprintf(&b, " %s=%q", k, strings.Join(vs, ","))
	}
	if len(r.Body) > 0 {
		fmt.Fprintf(&b, " body=%s", r.Body)
	}
	return b.String()
}

// StatusError is returned by callers that treat a non-success status as
// fatal. It carries the raw response.
type StatusError struct {
	Op       string
	URL      string
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected response %s", e.Op, e.URL, e.Response)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBearerToken sets the token sent in the Authorization header.
func WithBearerToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// Client talks to a single FHIR base URL.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a Client for baseURL with sensible defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server base the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL resolves target against the base URL. Absolute URLs (such as poll
// locations and Binary links handed out by the server) are returned as-is.
func (c *Client) URL(target string, query url.Values) string {
	u := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		u = c.baseURL
		if target != "" {
			u += "/" + strings.TrimLeft(target, "/")
		}
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

// Get issues a GET for target with optional extra headers.
func (c *Client) Get(ctx context.Context, target string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, target, nil, header)
}

// Search issues a GET for resourceType with query parameters.
func (c *Client) Search(ctx context.Context, resourceType string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, c.URL(resourceType, query), nil, nil)
}

// Put upserts body at target.
func (c *Client) Put(ctx context.Context, target string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPut, target, body, nil)
}

// Post sends body to target; an empty target posts to the base URL, which is
// how transaction bundles are submitted.
func (c *Client) Post(ctx context.Context, target string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, target, body, nil)
}

// Do performs the request and reads the whole response body. A non-2xx
// status is not an error here; callers decide what is fatal.
func (c *Client) Do(ctx context.Context, method, target string, body []byte, header http.Header) (*Response, error) {
	u := c.URL(target, nil)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, u, err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", ContentTypeFHIRJSON)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("url", u).Msg("fhir request failed")
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", method, u, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", u).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("fhir request")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
