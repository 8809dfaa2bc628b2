// Package notification delivers NotificationEvents to external channels on
// terminal deployment states and pending approvals. Modeled on the
// teacher's internal/notify package: a Channel interface, a severity-aware
// Router, and a per-deployment rate limiter.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/skyforge-cloud/deployctl/internal/shared/signing"
)

// Channel is a notification delivery backend.
type Channel interface {
	Send(ctx context.Context, event Event) error
	Type() string
}

// Event is one outbound notification, per SPEC_FULL.md's NotificationEvent.
type Event struct {
	DeploymentID string
	Kind         string // state_transition, approval_requested, health_alert
	Severity     string // info, warning, critical
	Title        string
	Body         string
	SentAt       time.Time
}

// --- Slack ---

// SlackChannel delivers notifications via an incoming webhook using the
// slack-go/slack client.
type SlackChannel struct {
	WebhookURL string
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{WebhookURL: webhookURL}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, event Event) error {
	text := fmt.Sprintf("%s *[%s] %s* — %s\n%s", severityEmoji(event.Severity), event.Kind, event.DeploymentID, event.Title, event.Body)
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// --- Generic webhook ---

// WebhookChannel posts a JSON payload to any HTTP endpoint. Kept as a
// direct net/http POST: there is no fixed schema to hand off to a client
// library here.
type WebhookChannel struct {
	URL    string
	client *http.Client
	signer *signing.Signer
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{URL: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// NewSignedWebhookChannel creates a webhook channel that signs every
// payload with key, deriving a channel-specific key via
// signing.DeriveChannelKey so rotating one endpoint's secret doesn't
// affect others.
func NewSignedWebhookChannel(url string, key []byte) *WebhookChannel {
	w := NewWebhookChannel(url)
	w.signer = signing.NewSigner(signing.DeriveChannelKey(key, url))
	return w
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, event Event) error {
	requestID := event.DeploymentID + "|" + event.SentAt.Format(time.RFC3339Nano)
	payload := map[string]any{
		"requestId":    requestID,
		"deploymentId": event.DeploymentID,
		"kind":         event.Kind,
		"severity":     event.Severity,
		"title":        event.Title,
		"body":         event.Body,
		"sentAt":       event.SentAt.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signer != nil {
		sig, err := w.signer.Sign(requestID, payload)
		if err != nil {
			return fmt.Errorf("sign webhook payload: %w", err)
		}
		req.Header.Set("X-Deployctl-Signature", sig)
		req.Header.Set("X-Deployctl-Request-Id", requestID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Router ---

// Router fans an Event out to every configured channel, rate-limited per
// deployment so a flapping stage can't spam a channel.
type Router struct {
	channels []Channel
	limiter  *RateLimiter
}

// NewRouter creates a Router delivering to channels.
func NewRouter(channels []Channel, limiter *RateLimiter) *Router {
	return &Router{channels: channels, limiter: limiter}
}

// Notify delivers event to every channel, returning one error per failed
// channel send (never aborting on the first failure).
func (r *Router) Notify(ctx context.Context, event Event) []error {
	if len(r.channels) == 0 {
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow(event.DeploymentID) {
		return nil
	}

	var errs []error
	for _, ch := range r.channels {
		if err := ch.Send(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Type(), err))
		}
	}
	return errs
}

// --- Rate limiter ---

// RateLimiter caps notifications per deployment per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	sent       map[string][]time.Time
}

// NewRateLimiter creates a RateLimiter allowing maxPerHour events per
// deployment.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{maxPerHour: maxPerHour, sent: make(map[string][]time.Time)}
}

// Allow reports whether deploymentID is still within its hourly budget,
// recording this call as a send if so.
func (rl *RateLimiter) Allow(deploymentID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)
	recent := rl.sent[deploymentID][:0]
	for _, t := range rl.sent[deploymentID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.maxPerHour {
		rl.sent[deploymentID] = recent
		return false
	}
	rl.sent[deploymentID] = append(recent, now)
	return true
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "warning":
		return "🟡"
	default:
		return "🔵"
	}
}
