// Package transport sends JSON requests to the device API. Non-2xx answers
// are returned as responses, not errors, so callers can apply their own
// status taxonomy.
package transport

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

	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// MaxRetries retries transport failures, 429 and 5xx inside Do. Callers
	// that own their own retry schedule leave it at zero.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	UserAgent  string
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	userAgent  string
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "contactsync"
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		userAgent:  opts.UserAgent,
	}
}

type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Headers     map[string]string
	Body        any
	BearerToken string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) IsSuccess() bool     { return IsSuccess(r.StatusCode) }
func (r *Response) IsClientError() bool { return IsClientError(r.StatusCode) }
func (r *Response) IsServerError() bool { return IsServerError(r.StatusCode) }
func (r *Response) IsRetryable() bool   { return IsRetryable(r.StatusCode) }

func (r *Response) DecodeJSON(out any) error {
	if out == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Err describes a non-2xx response as an *HTTPError.
func (r *Response) Err() error {
	if r.IsSuccess() {
		return nil
	}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(r.Body, &payload)
	return &HTTPError{StatusCode: r.StatusCode, Code: payload.Code, Message: payload.Message}
}

func IsSuccess(status int) bool { return status >= 200 && status <= 299 }

// IsClientError excludes 429, which the device API uses for throttling.
func IsClientError(status int) bool {
	return status >= 400 && status <= 499 && status != http.StatusTooManyRequests
}

func IsServerError(status int) bool { return status >= 500 && status <= 599 }

func IsRetryable(status int) bool {
	return status == http.StatusTooManyRequests || IsServerError(status)
}

// URL resolves path and query against the client's base URL.
func (c *Client) URL(path string, query url.Values) string {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(r.Body)
		if err != nil {
			return nil, err
		}
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.URL(r.Path, r.Query), bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("X-Request-Id", uuid.NewString())
		if r.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+r.BearerToken)
		}
		if r.Body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range r.Headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := WaitWithContext(ctx, RetryDelay(attempt+1, c.baseDelay, c.maxDelay, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if IsRetryable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := WaitWithContext(ctx, RetryDelay(attempt+1, c.baseDelay, c.maxDelay, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
	}
}
