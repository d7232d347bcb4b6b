// Package notify delivers dispatch decisions to the scheduling orchestrator through a
// store-backed outbox with signed, retried HTTP callbacks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"drtdispatch/internal/model"

	"github.com/google/uuid"
)

// EventDecided is the event type of a selected insertion.
const EventDecided = "insertion.decided"

// Outbox is the part of the store the publisher writes to.
type Outbox interface {
	EnqueueNotification(ctx context.Context, tenantID, eventType, url, secret string, payload []byte) (string, error)
}

// Event is the JSON envelope posted to the orchestrator.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	TenantID string         `json:"tenantId"`
	TS       string         `json:"ts"`
	Data     model.Decision `json:"data"`
}

type Publisher struct {
	outbox Outbox
	url    string
	secret string
}

func NewPublisher(outbox Outbox, url, secret string) *Publisher {
	return &Publisher{outbox: outbox, url: url, secret: secret}
}

// Enqueue queues d for delivery. The event id doubles as the outbox dedup key.
func (p *Publisher) Enqueue(ctx context.Context, d model.Decision) error {
	evt := Event{
		ID:       "evt_" + uuid.NewString(),
		Type:     EventDecided,
		TenantID: d.TenantID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     d,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.outbox.EnqueueNotification(ctx, d.TenantID, EventDecided, p.url, p.secret, body); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}
