package hostctl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	apiPrefix    = "/api/v1"
	maxBodyBytes = 4 << 20
	userAgent    = "hostctl"
)

// Client talks to one proxyhost API endpoint.
type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	PollInterval time.Duration
	// GetAttempts bounds retries of GET requests that fail before any
	// response arrives. Writes are never retried.
	GetAttempts uint
}

type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// APIError is returned for 4xx and 5xx answers. Info is set when the body
// carried a structured error.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Info       *ErrorInfo
	Body       string
}

func (e *APIError) Error() string {
	if e.Info == nil {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	msg := fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Info.Kind, e.Info.Message)
	if e.Info.Detail != "" {
		msg += "\n" + e.Info.Detail
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		// Issuance can hold a request for the server's request timeout.
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		PollInterval: 2 * time.Second,
		GetAttempts:  3,
	}
}

func (c *Client) Get(path string) (*Response, error) {
	var resp *Response
	err := retry.Do(
		func() error {
			var err error
			resp, err = c.do(http.MethodGet, path, nil)
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(max(c.GetAttempts, 1)),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return resp, err
}

func (c *Client) Post(path string, body any) (*Response, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *Client) Put(path string, body any) (*Response, error) {
	return c.do(http.MethodPut, path, body)
}

func (c *Client) Delete(path string) (*Response, error) {
	return c.do(http.MethodDelete, path, nil)
}

func (c *Client) newRequest(method, path string, body any) (*http.Request, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+apiPrefix+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return req, nil
}

func (c *Client) do(method, path string, body any) (*Response, error) {
	req, err := c.newRequest(method, path, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Body: raw}
	if httpResp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}

	apiErr := &APIError{Method: method, Path: path, StatusCode: httpResp.StatusCode, Body: string(raw)}
	if res, err := resp.Result(); err == nil && res.Error != nil {
		apiErr.Info = res.Error
	}
	return resp, apiErr
}

// Result decodes the body as an operation result.
func (r *Response) Result() (*Result, error) {
	var res Result
	if err := json.Unmarshal(r.Body, &res); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &res, nil
}
