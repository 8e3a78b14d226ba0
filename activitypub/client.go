package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxDocumentSize bounds every remote document we read.
const MaxDocumentSize = 1 << 20

// Client performs the outbound HTTP of the federation layer.
type Client struct {
	http      *http.Client
	userAgent string
}

func NewClient(timeout time.Duration, userAgent string) *Client {
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (c *Client) UserAgent() string {
	return c.userAgent
}

// GetJSON fetches uri and decodes the body into v. 404 and 410 become a
// NotFoundError.
func (c *Client) GetJSON(ctx context.Context, uri, accept string, v any) error {
	body, _, err := c.Get(ctx, uri, accept, MaxDocumentSize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", uri, err)
	}
	return nil
}

// Get fetches uri, reading at most limit bytes, and returns body and
// content type.
func (c *Client) Get(ctx context.Context, uri, accept string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request to %s failed: %w", uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, "", notFound(uri, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("fetching %s failed with status: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("response from %s exceeds %d bytes", uri, limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Post sends body to uri with the given headers in order and returns the
// status code with a short excerpt of the response body.
func (c *Client) Post(ctx context.Context, uri string, headers []Header, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	for _, h := range headers {
		if h.Name == "Host" {
			req.Host = h.Value
			continue
		}
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(bytes.TrimSpace(excerpt)), nil
}
