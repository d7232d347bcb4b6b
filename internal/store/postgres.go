package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"drtdispatch/internal/model"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every *.sql file in dir in lexical order, skipping files already
// recorded in schema_migrations.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		name := filepath.Base(f)
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// PutVehicles upserts snapshots by (tenant_id, id).
func (p *Postgres) PutVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	for _, v := range vehicles {
		stops, err := json.Marshal(nonNilStops(v.Stops))
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO vehicles (tenant_id, id, stops, service_end_time, last_task_begin, last_task_end, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,now())
            ON CONFLICT (tenant_id, id) DO UPDATE SET stops=EXCLUDED.stops, service_end_time=EXCLUDED.service_end_time,
                last_task_begin=EXCLUDED.last_task_begin, last_task_end=EXCLUDED.last_task_end, updated_at=now()`,
			tenantID, v.ID, stops, v.ServiceEndTime, v.LastTask.BeginTime, v.LastTask.EndTime)
		if err != nil {
			return 0, fmt.Errorf("upsert vehicle %s: %w", v.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(vehicles), nil
}

const vehicleCols = `id, tenant_id, stops, service_end_time, last_task_begin, last_task_end, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (model.Vehicle, error) {
	var v model.Vehicle
	var stops []byte
	if err := row.Scan(&v.ID, &v.TenantID, &stops, &v.ServiceEndTime, &v.LastTask.BeginTime, &v.LastTask.EndTime, &v.UpdatedAt); err != nil {
		return model.Vehicle{}, err
	}
	if err := json.Unmarshal(stops, &v.Stops); err != nil {
		return model.Vehicle{}, fmt.Errorf("decode stops of %s: %w", v.ID, err)
	}
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error) {
	limit = clampLimit(limit)
	// one extra row tells whether another page exists
	rows, err := p.db.QueryContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE tenant_id=$1 AND id > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (p *Postgres) DeleteVehicle(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM vehicles WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveDecision(ctx context.Context, d model.Decision) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO decisions (id, tenant_id, request_id, vehicle_id, pickup_idx, dropoff_idx, cost,
            departure_time, arrival_time, pickup_time_loss, dropoff_time_loss, slack, evaluated, feasible, strategy, decided_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.TenantID, d.RequestID, d.VehicleID, d.PickupIndex, d.DropoffIndex, d.Cost,
		d.TimeInfo.DepartureTime, d.TimeInfo.ArrivalTime, d.TimeInfo.PickupTimeLoss, d.TimeInfo.DropoffTimeLoss,
		d.Slack, d.Evaluated, d.Feasible, nullIfEmpty(d.Strategy), d.DecidedAt)
	return err
}

const decisionCols = `id::text, tenant_id, request_id, vehicle_id, pickup_idx, dropoff_idx, cost, departure_time, arrival_time,
    pickup_time_loss, dropoff_time_loss, slack, evaluated, feasible, COALESCE(strategy,''), decided_at`

func scanDecision(row rowScanner) (model.Decision, error) {
	var d model.Decision
	err := row.Scan(&d.ID, &d.TenantID, &d.RequestID, &d.VehicleID, &d.PickupIndex, &d.DropoffIndex, &d.Cost,
		&d.TimeInfo.DepartureTime, &d.TimeInfo.ArrivalTime, &d.TimeInfo.PickupTimeLoss, &d.TimeInfo.DropoffTimeLoss,
		&d.Slack, &d.Evaluated, &d.Feasible, &d.Strategy, &d.DecidedAt)
	d.TimeInfo.TotalTimeLoss = d.TimeInfo.PickupTimeLoss + d.TimeInfo.DropoffTimeLoss
	return d, err
}

func (p *Postgres) GetDecision(ctx context.Context, tenantID, id string) (model.Decision, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Decision{}, ErrNotFound
	}
	d, err := scanDecision(p.db.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decisions WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, ErrNotFound
	}
	return d, err
}

// ListDecisions pages in (decided_at, id) order; the cursor is the last decision id.
func (p *Postgres) ListDecisions(ctx context.Context, tenantID, requestID, cursor string, limit int) ([]model.Decision, string, error) {
	limit = clampLimit(limit)
	q := `SELECT ` + decisionCols + ` FROM decisions WHERE tenant_id=$1`
	args := []any{tenantID}
	if requestID != "" {
		args = append(args, requestID)
		q += fmt.Sprintf(` AND request_id=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND (decided_at, id) > (SELECT decided_at, id FROM decisions WHERE tenant_id=$1 AND id::text=$%d)`, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY decided_at, id LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (p *Postgres) EnqueueNotification(ctx context.Context, tenantID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, tenant_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

const notificationCols = `id::text, tenant_id, event_type, url, COALESCE(secret,''), payload, status, attempts,
    COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), next_attempt_at, delivered_at, created_at`

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var delivered sql.NullTime
	if err := row.Scan(&n.ID, &n.TenantID, &n.EventType, &n.URL, &n.Secret, &n.Payload, &n.Status, &n.Attempts,
		&n.LastError, &n.ResponseCode, &n.LatencyMs, &n.NextAttemptAt, &delivered, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	if delivered.Valid {
		t := delivered.Time
		n.DeliveredAt = &t
	}
	return n, nil
}

// FetchDueNotifications claims nothing; a single worker per database is assumed.
func (p *Postgres) FetchDueNotifications(ctx context.Context, limit int) ([]Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+notificationCols+` FROM notifications
        WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailNotification(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListNotifications(ctx context.Context, tenantID, status, cursor string, limit int) ([]Notification, string, error) {
	limit = clampLimit(limit)
	q := `SELECT ` + notificationCols + ` FROM notifications WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (p *Postgres) RetryNotification(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET status='pending', next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStops(s []model.Stop) []model.Stop {
	if s == nil {
		return []model.Stop{}
	}
	return s
}

// computeDedupKey prefers the event id in the payload and falls back to a short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	return shortHash(payload)
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
