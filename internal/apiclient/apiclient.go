// Package apiclient talks to a running fcsandbox server over its HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/michaelbrown/fcsandbox/internal/pool"
	"github.com/michaelbrown/fcsandbox/internal/storage"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

// DefaultBaseURL is where `fcsandbox serve` listens by default.
const DefaultBaseURL = "http://localhost:8080"

// ErrNotFound is returned when the server does not know the sandbox.
var ErrNotFound = errors.New("sandbox not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is a thin JSON client for /api.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client. An empty baseURL selects DefaultBaseURL. Execution
// can block for as long as the guest code runs, so no client timeout is set;
// callers bound requests with their context.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Create starts a sandbox and returns its id.
func (c *Client) Create(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"vm_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sandboxes", nil, &out); err != nil {
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	return out.ID, nil
}

// List returns the running sandboxes.
func (c *Client) List(ctx context.Context) ([]pool.Info, error) {
	var out []pool.Info
	if err := c.do(ctx, http.MethodGet, "/api/sandboxes", nil, &out); err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	return out, nil
}

// Get describes one running sandbox.
func (c *Client) Get(ctx context.Context, id string) (pool.Info, error) {
	var out pool.Info
	if err := c.do(ctx, http.MethodGet, "/api/sandboxes/"+url.PathEscape(id), nil, &out); err != nil {
		return pool.Info{}, err
	}
	return out, nil
}

// Execute runs code in a sandbox. Guest-side failures come back as a
// response with a non-success status, not as an error.
func (c *Client) Execute(ctx context.Context, id, code string) (wire.ExecuteResponse, error) {
	var out wire.ExecuteResponse
	path := "/api/sandboxes/" + url.PathEscape(id) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, wire.ExecuteRequest{Code: code}, &out); err != nil {
		return wire.ExecuteResponse{}, err
	}
	return out, nil
}

// Destroy stops a sandbox. Unknown ids are not an error.
func (c *Client) Destroy(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/sandboxes/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("destroying %s: %w", id, err)
	}
	return nil
}

// Events lists journal entries, newest first.
func (c *Client) Events(ctx context.Context, opts storage.EventListOptions) ([]storage.Event, error) {
	q := url.Values{}
	if opts.SandboxID != "" {
		q.Set("sandbox", opts.SandboxID)
	}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var out []storage.Event
	if err := c.do(ctx, http.MethodGet, withQuery("/api/events", q), nil, &out); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return out, nil
}

// History lists sandbox records, including destroyed ones.
func (c *Client) History(ctx context.Context, opts storage.SandboxListOptions) ([]storage.Sandbox, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var out []storage.Sandbox
	if err := c.do(ctx, http.MethodGet, withQuery("/api/history", q), nil, &out); err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return out, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
