// Package licenseclient talks to the license authority: the management calls
// used by administrative tools and the check call made by protected software.
package licenseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
)

// ErrNotFound is returned when the authority reports that the key does not exist.
var ErrNotFound = errors.New("license key not found")

// APIError is a non-2xx answer from the authority.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("license server returned %d: %s", e.StatusCode, e.Message)
}

// BlockedError means the key is bound to a different fingerprint.
type BlockedError struct {
	Message    string   `json:"message"`
	Mismatches []string `json:"mismatches"`
}

func (e *BlockedError) Error() string { return e.Message }

type KeyResult struct {
	Key    string `json:"key"`
	Expiry string `json:"expiry"`
}

type CheckResponse struct {
	Found      bool   `json:"found"`
	Status     string `json:"status"`
	Expiry     string `json:"expiry"`
	Activated  string `json:"activated"`
	Resume     string `json:"resume"`
	Months     int    `json:"months"`
	Registered bool   `json:"registered"`
	Expired    bool   `json:"expired"`
}

type KeySummary struct {
	Key        string `json:"key"`
	Status     string `json:"status"`
	Expiry     string `json:"expiry"`
	Activated  string `json:"activated"`
	Registered bool   `json:"registered"`
}

type Stats struct {
	TotalKeys     int64 `json:"total_keys"`
	ActiveKeys    int64 `json:"active_keys"`
	SuspendedKeys int64 `json:"suspended_keys"`
	InactiveKeys  int64 `json:"inactive_keys"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	attempts   uint
	delay      time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token used for management calls.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		attempts:   defaultAttempts,
		delay:      defaultDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts == 0 {
		c.attempts = 1
	}
	return c
}

// Login exchanges the admin secret for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, secret string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{"secret": secret}, false, true, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

// Activate creates or replaces a key; months == 0 makes it permanent.
func (c *Client) Activate(ctx context.Context, key string, months int) (*KeyResult, error) {
	var out struct {
		Success bool `json:"success"`
		KeyResult
	}
	body := map[string]interface{}{"key": key, "months": months}
	if err := c.do(ctx, http.MethodPost, "/activate", body, true, true, &out); err != nil {
		return nil, err
	}
	return &out.KeyResult, nil
}

func (c *Client) Deactivate(ctx context.Context, key string) error {
	return c.simple(ctx, "/deactivate", map[string]interface{}{"key": key}, true)
}

func (c *Client) Resume(ctx context.Context, key string) error {
	return c.simple(ctx, "/resume", map[string]interface{}{"key": key}, true)
}

// Extend is not retried: a repeated extension would add the months twice.
func (c *Client) Extend(ctx context.Context, key string, months int) (*KeyResult, error) {
	var out struct {
		Success bool `json:"success"`
		KeyResult
	}
	body := map[string]interface{}{"key": key, "months": months}
	if err := c.do(ctx, http.MethodPost, "/extend", body, true, false, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, ErrNotFound
	}
	return &out.KeyResult, nil
}

// Suspend returns the time the key resumes.
func (c *Client) Suspend(ctx context.Context, key string, hours int) (string, error) {
	var out struct {
		Success bool   `json:"success"`
		Resume  string `json:"resume"`
	}
	body := map[string]interface{}{"key": key, "hours": hours}
	if err := c.do(ctx, http.MethodPost, "/suspend", body, true, true, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", ErrNotFound
	}
	return out.Resume, nil
}

// Check validates a key; a binding mismatch is returned as *BlockedError.
func (c *Client) Check(ctx context.Context, key string, fp Fingerprint) (*CheckResponse, error) {
	var out CheckResponse
	path := "/check/" + url.PathEscape(key)
	if err := c.do(ctx, http.MethodPost, path, fp, false, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context) ([]KeySummary, error) {
	var out struct {
		Keys  []KeySummary `json:"keys"`
		Total int          `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/list", nil, true, true, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, true, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) simple(ctx context.Context, path string, body interface{}, retryable bool) error {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, true, retryable, &out); err != nil {
		return err
	}
	if !out.Success {
		return ErrNotFound
	}
	return nil
}

// do sends one request, retrying transport errors and 5xx answers when
// retryable is set. 4xx answers are never retried.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, auth, retryable bool, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = b
	}

	attempts := c.attempts
	if !retryable {
		attempts = 1
	}

	return retry.Do(
		func() error {
			return c.roundTrip(ctx, method, path, payload, auth, out)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("path", path).Msg("retrying license server request")
		}),
	)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, auth bool, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if auth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusForbidden && strings.HasPrefix(path, "/check/"):
		blocked := &BlockedError{}
		if err := json.Unmarshal(raw, blocked); err != nil || blocked.Message == "" {
			blocked.Message = "Access denied"
		}
		return blocked
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		return errors.Wrap(json.Unmarshal(raw, out), "decode response")
	default:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var (
		blocked   *BlockedError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &blocked) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
