// internal/app/system/fanout/webhook.go
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookTransport POSTs each batch as JSON to an HTTP endpoint.
//
// A 2xx response means every recipient was delivered unless the body lists
// failures: {"failed": {"<recipient id>": "<reason>"}}.
type WebhookTransport struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// WebhookOption configures WebhookTransport.
type WebhookOption func(*WebhookTransport)

// WithHTTPClient sets the HTTP client (default: 10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(t *WebhookTransport) { t.client = c }
}

// WithHeader sets a header sent on every request (e.g. Authorization).
func WithHeader(key, value string) WebhookOption {
	return func(t *WebhookTransport) {
		if t.headers == nil {
			t.headers = make(map[string]string)
		}
		t.headers[key] = value
	}
}

// NewWebhookTransport returns a Transport that POSTs batches to url.
func NewWebhookTransport(url string, opts ...WebhookOption) *WebhookTransport {
	t := &WebhookTransport{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type webhookResponse struct {
	Failed map[string]string `json:"failed"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.Status)
}

// Deliver implements Transport.
func (t *WebhookTransport) Deliver(ctx context.Context, b Batch) ([]Result, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	var parsed webhookResponse
	if resp.ContentLength != 0 {
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode webhook response: %w", err)
		}
	}
	out := make([]Result, len(b.Recipients))
	for i, id := range b.Recipients {
		out[i] = Result{RecipientID: id}
		if reason, failed := parsed.Failed[id]; failed {
			out[i].Err = errors.New(reason)
		}
	}
	return out, nil
}
