// Package notify dispatches operational events to a configured webhook:
// circuit breaker transitions and stream truncations. Payloads are signed
// with HMAC-SHA256 when a secret is configured.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType describes what happened.
type EventType string

const (
	EventBreakerTransition EventType = "breaker_transition"
	EventStreamTruncated   EventType = "stream_truncated"
)

// Event is the webhook payload.
type Event struct {
	Type      EventType      `json:"type"`
	Service   string         `json:"service"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier posts events to a webhook URL. A nil Notifier is inert, so
// callers never need to guard Publish.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	sleep  func(time.Duration)
}

// New creates a webhook notifier. Returns nil when no URL is configured.
func New(url, secret string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
		sleep:  time.Sleep,
	}
}

// SetHTTPClient overrides the outbound client. Intended for tests.
func (n *Notifier) SetHTTPClient(c *http.Client) { n.client = c }

// Publish dispatches an event asynchronously. Delivery failures are logged,
// never surfaced to the caller.
func (n *Notifier) Publish(eventType EventType, payload map[string]any) {
	if n == nil {
		return
	}
	ev := Event{
		Type:      eventType,
		Service:   "modelgate",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	go func() {
		if err := n.send(context.Background(), ev); err != nil {
			log.Warn().Err(err).Str("event", string(eventType)).Msg("webhook delivery failed")
		}
	}()
}

// send posts the event with up to three attempts.
func (n *Notifier) send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			n.sleep(time.Duration(attempt*2) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ModelGate-Webhook/1.0")
		req.Header.Set("X-ModelGate-Event", string(ev.Type))

		// HMAC-SHA256 signing if a secret is configured
		if n.secret != "" {
			mac := hmac.New(sha256.New, []byte(n.secret))
			mac.Write(body)
			sig := hex.EncodeToString(mac.Sum(nil))
			req.Header.Set("X-ModelGate-Signature", "sha256="+sig)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, n.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
