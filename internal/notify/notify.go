// Package notify implements the notification channel collaborator
// from spec.md §6, with per-kind throttling per spec.md §7 ("throttled
// per error kind: startup 1/hour, websocket/broker 30-60 min").
// Adapted from the teacher's alerts.SlackClient (internal/alerts,
// superseded by this package — see DESIGN.md): the webhook POST is
// kept, with rate limiting reduced to a per-kind throttle (no queue,
// no dedupe cache); the Slack Block-Kit
// dashboard/RBAC machinery (a monitoring-dashboard surface, Non-goal
// per spec.md §1) is not.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Kind classifies an alert so Throttler can apply a kind-specific window.
type Kind string

const (
	KindStartup       Kind = "startup"
	KindFeedFailover  Kind = "feed_failover"
	KindBrokerError   Kind = "broker_error"
	KindOrderReject   Kind = "order_reject"
	KindRiskHalt      Kind = "risk_halt"
	KindCritical      Kind = "critical"
	KindSessionSummary Kind = "session_summary"
)

// Notifier is the notification channel contract (spec.md §6, §9 "two
// implementations each": SlackNotifier / NullNotifier).
type Notifier interface {
	Notify(ctx context.Context, kind Kind, title, message string) error
}

// Throttler wraps a Notifier and suppresses repeat sends of the same
// kind within a configured window, adapted from the teacher's
// SlackClient dedupe-cache/rate-limiter pair (internal/alerts/slack.go).
type Throttler struct {
	inner    Notifier
	windows  map[Kind]time.Duration
	mu       sync.Mutex
	lastSent map[Kind]time.Time
}

// defaultWindows implements spec.md §7's literal throttle values.
func defaultWindows() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindStartup:        time.Hour,
		KindFeedFailover:    45 * time.Minute,
		KindBrokerError:     45 * time.Minute,
		KindOrderReject:     30 * time.Minute,
		KindRiskHalt:        0, // never throttled: a halt is always surfaced
		KindCritical:        0,
		KindSessionSummary:  0,
	}
}

// NewThrottler wraps inner with spec.md §7's default per-kind windows.
func NewThrottler(inner Notifier) *Throttler {
	return &Throttler{inner: inner, windows: defaultWindows(), lastSent: map[Kind]time.Time{}}
}

func (t *Throttler) Notify(ctx context.Context, kind Kind, title, message string) error {
	window := t.windows[kind]
	if window > 0 {
		t.mu.Lock()
		if last, ok := t.lastSent[kind]; ok && time.Since(last) < window {
			t.mu.Unlock()
			return nil
		}
		t.lastSent[kind] = time.Now()
		t.mu.Unlock()
	}
	return t.inner.Notify(ctx, kind, title, message)
}

// SlackField mirrors one Slack attachment field.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields,omitempty"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

var colorByKind = map[Kind]string{
	KindStartup:        "#2eb886",
	KindFeedFailover:    "#daa038",
	KindBrokerError:     "#daa038",
	KindOrderReject:     "#daa038",
	KindRiskHalt:        "#cc0000",
	KindCritical:        "#cc0000",
	KindSessionSummary:  "#2eb886",
}

// SlackNotifier posts messages to a Slack incoming webhook, adapted
// from alerts.SlackClient.SendAlert's payload shape, trimmed to the
// single outbound POST this domain needs (the teacher's worker-queue,
// per-symbol rate limiter, and dedupe-hash machinery is subsumed by
// Throttler above).
type SlackNotifier struct {
	webhookURL string
	http       *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, http: &http.Client{Timeout: 5 * time.Second}}
}

func (s *SlackNotifier) Notify(ctx context.Context, kind Kind, title, message string) error {
	if s.webhookURL == "" {
		return nil
	}
	msg := slackMessage{
		Text: fmt.Sprintf("*%s*", title),
		Attachments: []slackAttachment{{
			Color: colorByKind[kind],
			Fields: []SlackField{
				{Title: "kind", Value: string(kind), Short: true},
				{Title: "detail", Value: message, Short: false},
			},
		}},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NullNotifier discards every message; used in tests and when no
// webhook is configured.
type NullNotifier struct{}

func (NullNotifier) Notify(context.Context, Kind, string, string) error { return nil }
