// Package testutil provides testing utilities for integration tests.
package testutil

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

// Client is an HTTP client for the relay endpoints. When a validator is set,
// every response is checked against the OpenAPI document.
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Validator  *OpenAPIValidator
	t          *testing.T
}

// NewClient creates a client that validates responses with validator (may be nil).
func NewClient(t *testing.T, baseURL string, validator *OpenAPIValidator) *Client {
	t.Helper()
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Validator:  validator,
		t:          t,
	}
}

// WithBasicAuth returns a copy of the client that sends the given credentials.
func (c *Client) WithBasicAuth(username, password string) *Client {
	clone := *c
	clone.Username = username
	clone.Password = password
	return &clone
}

// WithoutValidation returns a copy of the client with validation disabled.
// Use this for negative tests where you expect undocumented responses.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.Validator = nil
	return &clone
}

// GET performs a GET request.
func (c *Client) GET(path string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, "", nil)
}

// POST performs a POST request with a raw JSON body.
func (c *Client) POST(path, body string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, "application/json", []byte(body))
}

func (c *Client) do(method, path, contentType string, body []byte) *http.Response {
	c.t.Helper()

	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("create request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}

	if c.Validator != nil {
		validationReq, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			c.t.Fatalf("create validation request: %v", err)
		}
		validationReq.Header = req.Header.Clone()
		c.Validator.ValidateResponse(c.t, validationReq, resp)
	}

	return resp
}

// ReadBody reads and returns response body as string.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
