package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"coldchain/internal/metrics"
)

// Notification is one message to a customer, driver or dispatcher.
type Notification struct {
	Recipient string         `json:"recipient"`
	Channel   string         `json:"channel"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

var ErrNoRoute = errors.New("no notifier for channel")

// Log writes notifications to the process log.
type Log struct{}

func (Log) Notify(ctx context.Context, n Notification) error {
	log.Printf("notify channel=%s to=%s subject=%q", n.Channel, n.Recipient, n.Subject)
	return nil
}

// Slack posts to an incoming webhook.
type Slack struct {
	WebhookURL string
	Username   string
}

func (s Slack) Notify(ctx context.Context, n Notification) error {
	text := n.Subject
	if n.Body != "" {
		text = fmt.Sprintf("*%s*\n%s", n.Subject, n.Body)
	}
	if n.Recipient != "" {
		text = fmt.Sprintf("%s\n_to: %s_", text, n.Recipient)
	}
	msg := &slack.WebhookMessage{Username: s.Username, Text: text}
	if err := slack.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// Emitter is satisfied by webhooks.Publisher.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any)
}

// Webhook hands notifications to the signed outbound webhook queue.
type Webhook struct {
	Emitter Emitter
}

func (w Webhook) Notify(ctx context.Context, n Notification) error {
	w.Emitter.Emit(ctx, "notification."+strings.ToLower(n.Channel), n)
	return nil
}

// Router picks a notifier by channel, falling back to Default.
type Router struct {
	Routes  map[string]Notifier
	Default Notifier
}

func (r Router) Notify(ctx context.Context, n Notification) error {
	if nt, ok := r.Routes[strings.ToLower(n.Channel)]; ok {
		return nt.Notify(ctx, n)
	}
	if r.Default != nil {
		return r.Default.Notify(ctx, n)
	}
	return fmt.Errorf("%w %q", ErrNoRoute, n.Channel)
}

// Throttled rate limits a notifier, waiting up to the caller's deadline.
type Throttled struct {
	Next    Notifier
	Limiter *rate.Limiter
}

func NewThrottled(next Notifier, perSecond float64, burst int) *Throttled {
	return &Throttled{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Notify(ctx context.Context, n Notification) error {
	if err := t.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttled: %w", err)
	}
	return t.Next.Notify(ctx, n)
}

// Async sends notifications in the background with a per-send timeout.
// Failures are logged and counted; they never reach the caller.
type Async struct {
	Next    Notifier
	Timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{Next: next, Timeout: timeout}
}

func (a *Async) Send(n Notification) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		defer cancel()
		outcome := "sent"
		if err := a.Next.Notify(ctx, n); err != nil {
			outcome = "failed"
			log.Printf("notify: %s to %s failed: %v", n.Channel, n.Recipient, err)
		}
		metrics.Notifications.WithLabelValues(channelLabel(n.Channel), outcome).Inc()
	}()
}

// Wait blocks until every queued send has finished.
func (a *Async) Wait() { a.wg.Wait() }

func channelLabel(c string) string {
	if c == "" {
		return "default"
	}
	return strings.ToLower(c)
}
