// Package client implements the authenticated fetch pipeline for the camera
// API: bearer credentials attached per attempt, redirects re-signed, 401
// answered with a single refresh-and-retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"circlecam/internal/auth"
	"circlecam/internal/httputil"
)

const defaultBaseURL = "https://api.circle.logi.com/api"

// maxRedirects caps manual redirect following per logical request.
const maxRedirects = 5

// TokenProvider is what the pipeline needs from the auth layer. The session
// must be re-fetched per attempt: authorize/refresh silently replace it.
type TokenProvider interface {
	Authorized() bool
	AccessToken() string
	Session() *http.Client
	Refresh(ctx context.Context) error
}

// Request describes one logical API call.
type Request struct {
	// URL is root-relative unless Absolute is set.
	URL      string
	Method   string
	Query    url.Values
	Body     any // marshaled to JSON when non-nil
	Header   http.Header
	Absolute bool

	// Raw returns the unread *http.Response to the caller, who must close it.
	Raw bool
}

// Result is a completed API call.
type Result struct {
	Status      int
	Header      http.Header
	ContentType string
	Body        []byte         // decoded content; nil when Raw was requested
	Raw         *http.Response // set only when Raw was requested
}

// JSON reports whether the response carried a JSON content type.
func (r *Result) JSON() bool {
	return strings.Contains(r.ContentType, "json")
}

// Decode unmarshals a JSON body into v.
func (r *Result) Decode(v any) error {
	if !r.JSON() {
		return fmt.Errorf("content type %q is not JSON", r.ContentType)
	}
	return json.Unmarshal(r.Body, v)
}

// Fetcher is the narrow capability camera, activity, live-stream and
// subscription code depends on.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Client executes authenticated API calls through an auth.Provider's session.
type Client struct {
	auth    TokenProvider
	apiKey  string
	baseURL string
	limiter *rate.Limiter
	logger  *slog.Logger
}

type Option func(*Client)

// WithBaseURL overrides the API root, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRateLimit bounds outbound request rate across all calls on this client.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(provider TokenProvider, apiKey string, opts ...Option) *Client {
	c := &Client{
		auth:    provider,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch performs one logical API call.
//
// The pipeline never goes to the network unauthorized, attaches X-API-Key and
// a fresh bearer token on every attempt, follows 301/302 manually (bounded),
// and answers a 401 with exactly one refresh-and-retry before giving up.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	if !c.auth.Authorized() {
		return nil, auth.ErrNotAuthorized
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("method %s not supported", method)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	origin := req.URL
	if !req.Absolute {
		origin = c.baseURL + req.URL
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(origin, "?") {
			sep = "&"
		}
		origin += sep + req.Query.Encode()
	}

	target := origin
	redirects := 0
	reattempted := false

	for {
		resp, err := c.attempt(ctx, method, target, body, req.Header)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
			loc := resp.Header.Get("Location")
			httputil.DrainBody(resp)
			if loc == "" {
				return nil, fmt.Errorf("redirect response missing Location header")
			}
			redirects++
			if redirects > maxRedirects {
				return nil, ErrTooManyRedirects
			}
			c.logger.Debug("following redirect", "location", loc, "hop", redirects)
			target = loc
			continue

		case resp.StatusCode == http.StatusUnauthorized && !reattempted:
			httputil.DrainBody(resp)
			// Token may have expired. Refresh and retry the original request once.
			if err := c.auth.Refresh(ctx); err != nil {
				return nil, err
			}
			reattempted = true
			target = origin
			redirects = 0
			continue

		case resp.StatusCode == http.StatusUnauthorized:
			httputil.DrainBody(resp)
			return nil, &auth.AuthorizationError{
				Message: "could not refresh access token",
				Status:  http.StatusUnauthorized,
			}

		case resp.StatusCode >= 300:
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxResponseBody))
			status := resp.StatusCode
			httputil.DrainBody(resp)
			return nil, &StatusError{Status: status, Body: errBody}
		}

		result := &Result{
			Status:      resp.StatusCode,
			Header:      resp.Header,
			ContentType: resp.Header.Get("Content-Type"),
		}
		if req.Raw {
			result.Raw = resp
			return result, nil
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxResponseBody))
		httputil.DrainBody(resp)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		result.Body = data
		return result, nil
	}
}

// attempt issues a single HTTP call with freshly computed auth headers. The
// target already carries its query string; a redirect Location is used as-is
// so params from the original request never pile onto a signed redirect URL.
func (c *Client) attempt(ctx context.Context, method, target string, body []byte, extra http.Header) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	// Caller headers first; the mandatory pair is computed fresh per attempt
	// since the access token may have just changed.
	for k, vs := range extra {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+c.auth.AccessToken())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("fetching", "url", target, "method", method)

	resp, err := c.auth.Session().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.logger.Debug("fetched", "url", target, "status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"))
	return resp, nil
}

// Get fetches a root-relative path and decodes the JSON response into v.
func (c *Client) Get(ctx context.Context, path string, query url.Values, v any) error {
	res, err := c.Fetch(ctx, Request{URL: path, Method: http.MethodGet, Query: query})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return res.Decode(v)
}

// Post sends a JSON body to a root-relative path, decoding into v when non-nil.
func (c *Client) Post(ctx context.Context, path string, body, v any) error {
	res, err := c.Fetch(ctx, Request{URL: path, Method: http.MethodPost, Body: body})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return res.Decode(v)
}

// Put sends a JSON body to a root-relative path.
func (c *Client) Put(ctx context.Context, path string, body any) (*Result, error) {
	return c.Fetch(ctx, Request{URL: path, Method: http.MethodPut, Body: body})
}
