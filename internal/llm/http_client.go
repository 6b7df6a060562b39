package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to a generation endpoint over HTTP. The endpoint accepts
// the Request JSON via POST and answers with Result JSON.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTimeout overrides the per-call timeout (default 60s).
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithAPIKey sets the bearer token sent on each request.
func WithAPIKey(key string) HTTPOption {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.client = hc }
}

// NewHTTPClient builds a client against the given endpoint URL.
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke posts the request. Transport and decode failures return an error;
// endpoint-level failures come back in Result.IsSuccessful.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal generation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("invoke generation endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("generation endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode generation response: %w", err)
	}
	return result, nil
}
