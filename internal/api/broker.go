package api

import (
	"sync"

	"drtdispatch/internal/model"
	"drtdispatch/internal/notify"
)

// Event is one item on a tenant's decision stream.
type Event struct {
	Type     string         `json:"type"`
	Decision model.Decision `json:"decision"`
}

// EventBroker fans decision events out to stream subscribers of one tenant.
type EventBroker interface {
	Subscribe(tenantID string) chan Event
	Unsubscribe(tenantID string, ch chan Event)
	Publish(tenantID string, evt Event)
}

// Broker is the in-process EventBroker. Slow subscribers drop events instead of blocking
// publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(tenantID string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = map[chan Event]struct{}{}
	}
	b.subs[tenantID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(tenantID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[tenantID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, tenantID)
	}
	close(ch)
}

func (b *Broker) Publish(tenantID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[tenantID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Emitter adapts an EventBroker to the dispatch service's decision sink.
type Emitter struct{ Broker EventBroker }

func (e Emitter) EmitDecision(tenantID string, d model.Decision) {
	if e.Broker == nil {
		return
	}
	e.Broker.Publish(tenantID, Event{Type: notify.EventDecided, Decision: d})
}
