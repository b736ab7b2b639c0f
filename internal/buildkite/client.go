// Package buildkite is a small client for the Buildkite REST API v2.
package buildkite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/zulandar/kite/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every API request.
const DefaultTimeout = 30 * time.Second

// Options holds parameters for creating a Client.
type Options struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client // base transport; the token is layered on top
	Logger     *zap.Logger
}

// Client talks to the Buildkite REST API with a bearer token.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("buildkite: base URL is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("buildkite: token is required")
	}

	ctx := context.Background()
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: DefaultTimeout}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	httpClient.Timeout = base.Timeout

	ua := opts.UserAgent
	if ua == "" {
		ua = "kite"
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: ua,
		http:      httpClient,
		logger:    logging.OrNop(opts.Logger),
	}, nil
}

// do performs a request. q, when non-nil, is encoded via its `url` struct
// tags; body, when non-nil, is sent as JSON; out, when non-nil, receives the
// decoded response.
func (c *Client) do(ctx context.Context, method, path string, q, body, out any) error {
	url := c.baseURL + path
	if q != nil {
		values, err := query.Values(q)
		if err != nil {
			return fmt.Errorf("buildkite: encode query: %w", err)
		}
		if enc := values.Encode(); enc != "" {
			url += "?" + enc
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("buildkite: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("buildkite: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("buildkite: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("buildkite: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("buildkite: decode %s %s: %w", method, path, err)
	}
	return nil
}

// AccessToken returns details of the token in use. It doubles as a token
// validity check: an invalid token yields an error for which IsUnauthorized
// is true.
func (c *Client) AccessToken(ctx context.Context) (*AccessToken, error) {
	var tok AccessToken
	if err := c.do(ctx, http.MethodGet, "/access-token", nil, nil, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListOrganizations returns the organizations the token can access.
func (c *Client) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var orgs []Organization
	if err := c.do(ctx, http.MethodGet, "/organizations", nil, nil, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}
