package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Subscription is an outbound endpoint from configuration. An empty Events
// list receives every event type.
type Subscription struct {
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret" json:"-"`
	Events []string `yaml:"events" json:"events"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

type Enqueuer interface {
	EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
}

type Publisher struct {
	Store         Enqueuer
	Subscriptions []Subscription
}

func NewPublisher(s Enqueuer, subs []Subscription) *Publisher {
	return &Publisher{Store: s, Subscriptions: subs}
}

// Emit queues an event for every matching subscription. Delivery happens in
// the Worker.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	if p == nil || len(p.Subscriptions) == 0 {
		return
	}
	payload := map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("webhooks: encode %s: %v", eventType, err)
		return
	}
	for _, s := range p.Subscriptions {
		if !s.wants(eventType) {
			continue
		}
		if _, err := p.Store.EnqueueWebhook(ctx, eventType, s.URL, s.Secret, body); err != nil {
			log.Printf("webhooks: enqueue %s -> %s: %v", eventType, s.URL, err)
		}
	}
}
