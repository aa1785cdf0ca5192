// Package fal is a creditengine Submitter for the fal.ai queue API.
//
// Jobs are enqueued with a webhook URL; fal calls it once the job reaches a
// terminal state. See webhook.go for the callback side.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	ce "github.com/ineyio/creditengine"
)

// DefaultQueueURL is the fal.ai queue endpoint.
const DefaultQueueURL = "https://queue.fal.run"

// Client submits jobs to the fal.ai queue.
type Client struct {
	apiKey     string
	queueURL   string
	httpClient *http.Client
}

var _ ce.Submitter = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithQueueURL overrides the queue base URL.
func WithQueueURL(u string) Option {
	return func(cl *Client) { cl.queueURL = strings.TrimRight(u, "/") }
}

// New creates a fal.ai queue client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		queueURL:   DefaultQueueURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "fal" }

type queueResponse struct {
	RequestID   string `json:"request_id"`
	ResponseURL string `json:"response_url"`
	StatusURL   string `json:"status_url"`
}

// Submit enqueues spec and returns fal's request id.
func (c *Client) Submit(ctx context.Context, spec ce.JobSpec) (string, error) {
	if spec.Endpoint == "" {
		return "", fmt.Errorf("%w: endpoint is required", ce.ErrInvalidRequest)
	}

	body, err := json.Marshal(spec.Input)
	if err != nil {
		return "", fmt.Errorf("creditengine/fal: marshal input: %w", err)
	}

	u := c.queueURL + "/" + strings.TrimLeft(spec.Endpoint, "/")
	if spec.WebhookURL != "" {
		u += "?fal_webhook=" + url.QueryEscape(spec.WebhookURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creditengine/fal: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ce.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return "", err
	}

	var qr queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return "", fmt.Errorf("creditengine/fal: decode response: %w", err)
	}
	if qr.RequestID == "" {
		return "", fmt.Errorf("creditengine/fal: response without request_id")
	}
	return qr.RequestID, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ce.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ce.ErrAuthFailed
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ce.ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", ce.ErrProviderUnavailable, resp.StatusCode)
	}
}
