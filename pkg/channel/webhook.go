// Package channel holds the handlers that carry events to external
// integrations: chat push, calendar sync, a broker relay and the audit log.
//
// Every handler is idempotent. HTTP integrations send an Idempotency-Key
// derived from the event id and handler name, and calendar writes are keyed
// on the booking so a repeated call overwrites instead of duplicating.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ayuuum/amber-eventbus/pkg/retry"
	"github.com/ayuuum/amber-eventbus/schema"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 512
)

// Option customises an HTTP-backed handler.
type Option func(*webhookClient)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *webhookClient) { w.http = c }
}

// WithRetryPolicy sets the in-process retry policy for one outbound call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(w *webhookClient) { w.policy = p }
}

type webhookClient struct {
	url    string
	token  string
	http   *http.Client
	policy retry.Policy
}

func newWebhookClient(url, token string, timeout time.Duration, opts []Option) webhookClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := webhookClient{
		url:   strings.TrimRight(strings.TrimSpace(url), "/"),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		policy: retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// idempotencyKey is stable across retries of the same event and handler.
func idempotencyKey(event *schema.Event, handler string) string {
	return event.ID + ":" + handler
}

// send issues one request, retrying transient failures in-process. A
// non-2xx response becomes a *retry.HTTPError so the processor classifies it.
func (c webhookClient) send(ctx context.Context, method, url string, body any, key string) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return &retry.ValidationError{Field: "payload", Message: err.Error()}
		}
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var reader io.Reader
		if raw != nil {
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set(HeaderIdempotencyKey, key)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return retry.NewHTTPError(resp, strings.TrimSpace(string(msg)))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

func (c webhookClient) configured(what string) error {
	if c.url == "" {
		return retry.Permanent(errors.New(what + " url not configured"))
	}
	return nil
}

// decodePayload parses the event payload as a JSON object. An empty payload
// decodes to an empty map.
func decodePayload(event *schema.Event) (map[string]any, error) {
	fields := map[string]any{}
	if len(event.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(event.Payload, &fields); err != nil {
		return nil, &retry.ValidationError{Field: "payload", Message: err.Error()}
	}
	return fields, nil
}
