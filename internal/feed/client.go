// Package feed provides a client for the monitoring platform problem API.
package feed

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/problem-relay/internal/domain"
)

const (
	problemDetailsPath = "/api/v1/problem/details/"
	problemFeedPath    = "/api/v1/problem/feed/"
	problemUIPath      = "/#problems/problemdetails;pid="

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 1024
)

// Config holds feed client configuration.
type Config struct {
	TenantURL          string
	APIToken           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Result is the content of a feed response.
type Result struct {
	Problems  []domain.Problem `json:"problems"`
	Monitored map[string]int   `json:"monitored"`
}

// Comment is a comment posted to a problem.
type Comment struct {
	Comment string `json:"comment"`
	User    string `json:"user"`
	Context string `json:"context"`
}

// Client talks to the problem API of one tenant.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a new feed client.
func NewClient(config Config) (*Client, error) {
	if config.TenantURL == "" {
		return nil, fmt.Errorf("feed client: tenant URL is required")
	}
	if _, err := url.Parse(config.TenantURL); err != nil {
		return nil, fmt.Errorf("feed client: parse tenant URL: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Opt-in for tenants with self-signed certificates.
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec
	}

	if config.InsecureSkipVerify {
		slog.Warn("TLS certificate verification disabled for feed client", "tenant", config.TenantURL)
	}

	return &Client{
		baseURL:  strings.TrimRight(config.TenantURL, "/"),
		apiToken: config.APIToken,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// TenantURL returns the tenant base URL.
func (c *Client) TenantURL() string {
	return c.baseURL
}

// ProblemURL returns the deep link to a problem in the platform UI.
func (c *Client) ProblemURL(problemID string) string {
	return c.baseURL + problemUIPath + problemID
}

// FetchByID fetches the full details of a problem.
func (c *Client) FetchByID(ctx context.Context, problemID string) (*domain.Problem, error) {
	op := "fetch problem " + problemID
	slog.Debug("fetching problem", "problem_id", problemID)

	var envelope struct {
		Result domain.Problem `json:"result"`
	}
	if err := c.do(ctx, op, http.MethodGet, problemDetailsPath+url.PathEscape(problemID), nil, &envelope); err != nil {
		return nil, err
	}

	slog.Debug("problem fetched", "problem_id", problemID, "display_name", envelope.Result.DisplayName)
	return &envelope.Result, nil
}

// FetchByTimeRange fetches the problems of the given time window.
func (c *Client) FetchByTimeRange(ctx context.Context, rt domain.RelativeTime) (*Result, error) {
	if !rt.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRelativeTime, rt)
	}

	op := fmt.Sprintf("fetch problem feed for %q", rt)
	slog.Debug("fetching problem feed", "relative_time", rt)

	var envelope struct {
		Result Result `json:"result"`
	}
	path := problemFeedPath + "?relativeTime=" + url.QueryEscape(string(rt))
	if err := c.do(ctx, op, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}

	if envelope.Result.Problems == nil {
		envelope.Result.Problems = []domain.Problem{}
	}
	if envelope.Result.Monitored == nil {
		envelope.Result.Monitored = map[string]int{}
	}
	return &envelope.Result, nil
}

// PostComment adds a comment to a problem.
func (c *Client) PostComment(ctx context.Context, problemID string, comment Comment) error {
	op := "post comment on problem " + problemID
	path := problemDetailsPath + url.PathEscape(problemID) + "/comments"
	return c.do(ctx, op, http.MethodPost, path, comment, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Api-Token "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Reason: "send request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RemoteError{Op: op, Reason: "read response", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK && !(in != nil && resp.StatusCode == http.StatusCreated) {
		return &RemoteError{
			Op:         op,
			Reason:     http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), maxErrorBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RemoteError{Op: op, Reason: "decode response", StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
