package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"drtdispatch/internal/model"

	"github.com/google/uuid"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	vehicles  map[string]map[string]model.Vehicle // tenant -> vehicle id -> snapshot
	decisions map[string][]model.Decision         // tenant -> decisions in arrival order
	notes     map[string]*Notification            // id -> notification
	notesTen  map[string][]string                 // tenant -> notification ids
	noteOrder []string
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		vehicles:  map[string]map[string]model.Vehicle{},
		decisions: map[string][]model.Decision{},
		notes:     map[string]*Notification{},
		notesTen:  map[string][]string{},
		now:       time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) PutVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vehicles[tenantID] == nil {
		m.vehicles[tenantID] = map[string]model.Vehicle{}
	}
	now := m.now().UTC()
	for _, v := range vehicles {
		v.TenantID = tenantID
		v.Stops = append([]model.Stop(nil), v.Stops...)
		v.UpdatedAt = now
		m.vehicles[tenantID][v.ID] = v
	}
	return len(vehicles), nil
}

func (m *Memory) GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[tenantID][id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	v.Stops = append([]model.Stop(nil), v.Stops...)
	return v, nil
}

// ListVehicles pages by vehicle id; the cursor is the last id of the previous page.
func (m *Memory) ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	byID := m.vehicles[tenantID]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		if cursor == "" || id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := []model.Vehicle{}
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		v := byID[id]
		v.Stops = append([]model.Stop(nil), v.Stops...)
		out = append(out, v)
	}
	next := ""
	if len(ids) > limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) DeleteVehicle(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[tenantID][id]; !ok {
		return ErrNotFound
	}
	delete(m.vehicles[tenantID], id)
	return nil
}

func (m *Memory) SaveDecision(ctx context.Context, d model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.TenantID] = append(m.decisions[d.TenantID], d)
	return nil
}

func (m *Memory) GetDecision(ctx context.Context, tenantID, id string) (model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions[tenantID] {
		if d.ID == id {
			return d, nil
		}
	}
	return model.Decision{}, ErrNotFound
}

func (m *Memory) ListDecisions(ctx context.Context, tenantID, requestID, cursor string, limit int) ([]model.Decision, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	list := m.decisions[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.Decision{}
	next := ""
	for i := start; i < len(list); i++ {
		if requestID != "" && list[i].RequestID != requestID {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, list[i])
	}
	return out, next, nil
}

func (m *Memory) EnqueueNotification(ctx context.Context, tenantID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	now := m.now()
	m.notes[id] = &Notification{
		ID: id, TenantID: tenantID, EventType: eventType, URL: url, Secret: secret, Payload: payload,
		Status: StatusPending, NextAttemptAt: now, CreatedAt: now,
	}
	m.notesTen[tenantID] = append(m.notesTen[tenantID], id)
	m.noteOrder = append(m.noteOrder, id)
	return id, nil
}

func (m *Memory) FetchDueNotifications(ctx context.Context, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []Notification{}
	for _, id := range m.noteOrder {
		n := m.notes[id]
		if (n.Status == StatusPending || n.Status == StatusRetry) && !n.NextAttemptAt.After(now) {
			out = append(out, *n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notes[id]
	if n == nil {
		return ErrNotFound
	}
	n.Attempts++
	n.ResponseCode = responseCode
	n.LatencyMs = latencyMs
	if success {
		n.Status = StatusDelivered
		now := m.now()
		n.DeliveredAt = &now
		return nil
	}
	n.Status = StatusRetry
	n.LastError = lastError
	if nextAttemptAt != nil {
		n.NextAttemptAt = *nextAttemptAt
	} else {
		n.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailNotification(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notes[id]
	if n == nil {
		return ErrNotFound
	}
	n.Attempts++
	n.Status = StatusFailed
	n.LastError = lastError
	n.ResponseCode = responseCode
	n.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListNotifications(ctx context.Context, tenantID, status, cursor string, limit int) ([]Notification, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	ids := m.notesTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []Notification{}
	next := ""
	for i := start; i < len(ids); i++ {
		n := m.notes[ids[i]]
		if status != "" && n.Status != status {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, *n)
	}
	return out, next, nil
}

func (m *Memory) RetryNotification(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notes[id]
	if n == nil || n.TenantID != tenantID {
		return ErrNotFound
	}
	n.Status = StatusPending
	n.NextAttemptAt = m.now()
	return nil
}
