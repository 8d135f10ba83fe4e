package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"sequelwatch/internal/config"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/services"
)

const userAgent = "sequelwatch/0.1.0"

// Sink transports a single payload.
type Sink interface {
	Send(ctx context.Context, p notifications.Payload) error
}

// NewSink builds an ntfy sink when a topic is configured, otherwise Discard.
func NewSink(cfg *config.Config) Sink {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return Discard{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewNtfySink(topic, &http.Client{Timeout: timeout})
}

// NtfySink posts payloads to an ntfy topic URL.
type NtfySink struct {
	endpoint string
	client   *http.Client
}

// NewNtfySink returns a sink posting to endpoint with client.
func NewNtfySink(endpoint string, client *http.Client) *NtfySink {
	if client == nil {
		client = http.DefaultClient
	}
	return &NtfySink{endpoint: endpoint, client: client}
}

// Send posts p. Non-2xx responses are returned as external service errors.
func (n *NtfySink) Send(ctx context.Context, p notifications.Payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(p.Message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if p.Title != "" {
		req.Header.Set("Title", p.Title)
	}
	if len(p.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(p.Tags, ","))
	}
	if p.Priority != "" && p.Priority != "default" {
		req.Header.Set("Priority", p.Priority)
	}
	if p.ActionURL != "" {
		req.Header.Set("Actions", "http, Unsubscribe, "+p.ActionURL+", method=POST, clear=true")
	}
	if p.ImageURL != "" {
		req.Header.Set("Attach", p.ImageURL)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "delivery", "ntfy", "send notification", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return services.Wrap(services.ErrExternalService, "delivery", "ntfy",
			fmt.Sprintf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Discard drops every payload.
type Discard struct{}

// Send implements Sink.
func (Discard) Send(context.Context, notifications.Payload) error { return nil }

// Outbox records payloads in memory.
type Outbox struct {
	mu       sync.Mutex
	payloads []notifications.Payload
	fail     error
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// FailWith makes subsequent sends return err; nil restores success.
func (o *Outbox) FailWith(err error) {
	o.mu.Lock()
	o.fail = err
	o.mu.Unlock()
}

// Send implements Sink.
func (o *Outbox) Send(_ context.Context, p notifications.Payload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.payloads = append(o.payloads, p)
	return nil
}

// Payloads returns a copy of everything sent so far.
func (o *Outbox) Payloads() []notifications.Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notifications.Payload(nil), o.payloads...)
}
