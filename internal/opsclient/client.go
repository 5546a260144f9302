// Package opsclient talks to a running daemon's operations API.
package opsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basket/docsearch/internal/operations"
)

const defaultTimeout = 5 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, operations.ErrNotFound) match a 404.
func (e *APIError) Is(target error) bool {
	return e.StatusCode == http.StatusNotFound && target == operations.ErrNotFound
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for addr, which may be host:port or a full URL.
func New(addr, token string) *Client {
	return &Client{
		baseURL: BaseURL(addr),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// BaseURL normalizes a bind address into an http base URL.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// Health returns the /healthz payload. A 503 yields the payload and an APIError.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, status operations.Status, limit int) ([]operations.Operation, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Operations []operations.Operation `json:"operations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/operations", q, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

func (c *Client) Get(ctx context.Context, id string) (*operations.Operation, error) {
	var out struct {
		Operation *operations.Operation `json:"operation"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/operations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	if out.Operation == nil {
		return nil, fmt.Errorf("get %s: empty response", id)
	}
	return out.Operation, nil
}

func (c *Client) Events(ctx context.Context, id string) ([]operations.Event, error) {
	var out struct {
		Events []operations.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/operations/"+url.PathEscape(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

type CancelResult struct {
	Message       string `json:"message"`
	Cancelled     bool   `json:"cancelled"`
	TaskSignalled bool   `json:"task_signalled"`
}

func (c *Client) Cancel(ctx context.Context, id string) (CancelResult, error) {
	var out CancelResult
	err := c.do(ctx, http.MethodPost, "/api/operations/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

// Cleanup removes terminal records older than hours. A negative value
// uses the daemon's configured retention.
func (c *Client) Cleanup(ctx context.Context, hours int) (int64, error) {
	q := url.Values{}
	if hours >= 0 {
		q.Set("hours", strconv.Itoa(hours))
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/operations/cleanup", q, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var decodeErr error
	if out != nil && len(body) > 0 {
		decodeErr = json.Unmarshal(body, out)
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "no response body"
	}
	return msg
}

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
