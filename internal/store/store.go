package store

import (
	"context"
	"errors"
	"time"

	"drtdispatch/internal/model"
)

// Store is the persistence interface used by the API server and the dispatch service.
type Store interface {
	// Fleet snapshots
	PutVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (upserted int, err error)
	GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, tenantID, cursor string, limit int) (items []model.Vehicle, nextCursor string, err error)
	DeleteVehicle(ctx context.Context, tenantID, id string) error

	// Decision audit log
	SaveDecision(ctx context.Context, d model.Decision) error
	GetDecision(ctx context.Context, tenantID, id string) (model.Decision, error)
	ListDecisions(ctx context.Context, tenantID, requestID, cursor string, limit int) ([]model.Decision, string, error)

	// Orchestrator notification outbox
	EnqueueNotification(ctx context.Context, tenantID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueNotifications(ctx context.Context, limit int) ([]Notification, error)
	MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailNotification(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListNotifications(ctx context.Context, tenantID, status, cursor string, limit int) ([]Notification, string, error)
	RetryNotification(ctx context.Context, tenantID, id string) error

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

const (
	defaultLimit = 100
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return defaultLimit
	}
	return limit
}
