package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caresignal/caresignal/internal/platform/db"
)

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPgRepo creates a PostgreSQL-backed webhook repository.
func NewPgRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const configCols = `id, name, endpoint, secret, events, retry_policy, status,
	trigger_count, failure_count, created_at, updated_at`

const notificationCols = `id, webhook_id, alert_id, event_type, payload, status,
	attempt_count, max_attempts, next_attempt_at, last_error, delivered_at, created_at`

const deliveryCols = `id, notification_id, webhook_id, alert_id, event_type, endpoint,
	attempt_number, status_code, success, response_body, error, duration_ms, delivered_at`

func scanConfig(row pgx.Row) (*WebhookConfiguration, error) {
	var w WebhookConfiguration
	err := row.Scan(
		&w.ID, &w.Name, &w.Endpoint, &w.Secret, &w.Events, &w.RetryPolicy, &w.Status,
		&w.TriggerCount, &w.FailureCount, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanNotification(row pgx.Row) (*WebhookNotification, error) {
	var n WebhookNotification
	err := row.Scan(
		&n.ID, &n.WebhookID, &n.AlertID, &n.EventType, &n.Payload, &n.Status,
		&n.AttemptCount, &n.MaxAttempts, &n.NextAttemptAt, &n.LastError, &n.DeliveredAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanDelivery(row pgx.Row) (*WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(
		&d.ID, &d.NotificationID, &d.WebhookID, &d.AlertID, &d.EventType, &d.Endpoint,
		&d.AttemptNumber, &d.StatusCode, &d.Success, &d.ResponseBody, &d.Error, &d.DurationMS, &d.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *pgRepo) CreateConfig(ctx context.Context, cfg *WebhookConfiguration) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_configuration (
			id, name, endpoint, secret, events, retry_policy, status,
			trigger_count, failure_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cfg.ID, cfg.Name, cfg.Endpoint, cfg.Secret, cfg.Events, cfg.RetryPolicy, cfg.Status,
		cfg.TriggerCount, cfg.FailureCount, cfg.CreatedAt, cfg.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetConfig(ctx context.Context, id uuid.UUID) (*WebhookConfiguration, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM webhook_configuration WHERE id = $1`, configCols), id)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return cfg, nil
}

func (r *pgRepo) ListConfigs(ctx context.Context, params map[string]string, limit, offset int) ([]*WebhookConfiguration, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	if v, ok := params["status"]; ok && v != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, v)
		idx++
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM webhook_configuration "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM webhook_configuration %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		configCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WebhookConfiguration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cfg)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) ListActiveConfigs(ctx context.Context) ([]*WebhookConfiguration, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM webhook_configuration
		WHERE status = 'active'
		ORDER BY created_at ASC, id ASC`, configCols),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookConfiguration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (r *pgRepo) UpdateConfig(ctx context.Context, cfg *WebhookConfiguration) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_configuration SET
			name = $1, endpoint = $2, secret = $3, events = $4, retry_policy = $5,
			status = $6, updated_at = $7
		WHERE id = $8`,
		cfg.Name, cfg.Endpoint, cfg.Secret, cfg.Events, cfg.RetryPolicy,
		cfg.Status, cfg.UpdatedAt, cfg.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", cfg.ID, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) DeactivateConfig(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_configuration SET status = 'inactive', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) IncrementTriggerCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_configuration SET trigger_count = trigger_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) IncrementFailureCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_configuration SET failure_count = failure_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) EnqueueNotification(ctx context.Context, n *WebhookNotification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_notification (
			id, webhook_id, alert_id, event_type, payload, status,
			attempt_count, max_attempts, next_attempt_at, last_error, delivered_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.WebhookID, n.AlertID, n.EventType, n.Payload, n.Status,
		n.AttemptCount, n.MaxAttempts, n.NextAttemptAt, n.LastError, n.DeliveredAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func (r *pgRepo) GetNotification(ctx context.Context, id uuid.UUID) (*WebhookNotification, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM webhook_notification WHERE id = $1`, notificationCols), id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return n, nil
}

func (r *pgRepo) ListNotifications(ctx context.Context, params map[string]string, limit, offset int) ([]*WebhookNotification, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	if v, ok := params["status"]; ok && v != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, v)
		idx++
	}
	for _, key := range []string{"webhook_id", "alert_id"} {
		if v, ok := params[key]; ok && v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return nil, 0, fmt.Errorf("%s: %w", key, ErrInvalidInput)
			}
			where += fmt.Sprintf(" AND %s = $%d", key, idx)
			args = append(args, id)
			idx++
		}
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM webhook_notification "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM webhook_notification %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		notificationCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WebhookNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

// ClaimDue bumps next_attempt_at by the lease in the same statement that
// selects the batch, so a second dispatcher polling a moment later sees
// nothing due. SKIP LOCKED keeps simultaneous pollers from blocking on each
// other's claims.
func (r *pgRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*WebhookNotification, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		UPDATE webhook_notification SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM webhook_notification
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, notificationCols),
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *pgRepo) MarkDelivered(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_notification
		SET status = 'delivered', attempt_count = $2, delivered_at = $3, last_error = NULL
		WHERE id = $1 AND status = 'pending'`,
		id, attemptCount, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) MarkFailedPermanently(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_notification
		SET status = 'failed_permanently', attempt_count = $2, last_error = $3
		WHERE id = $1 AND status = 'pending'`,
		id, attemptCount, lastError,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, lastError string, nextAttemptAt time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_notification
		SET attempt_count = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $1 AND status = 'pending'`,
		id, attemptCount, lastError, nextAttemptAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Requeue grants exactly one more attempt: the notification keeps its
// attempt history and max_attempts moves to attempt_count + 1.
func (r *pgRepo) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_notification
		SET status = 'pending', next_attempt_at = NOW(), max_attempts = attempt_count + 1
		WHERE id = $1 AND status = 'failed_permanently'`,
		id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) InsertDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_delivery (
			id, notification_id, webhook_id, alert_id, event_type, endpoint,
			attempt_number, status_code, success, response_body, error, duration_ms, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.NotificationID, d.WebhookID, d.AlertID, d.EventType, d.Endpoint,
		d.AttemptNumber, d.StatusCode, d.Success, d.ResponseBody, d.Error, d.DurationMS, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *pgRepo) ListDeliveriesByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*WebhookDelivery, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_delivery WHERE webhook_id = $1`, webhookID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM webhook_delivery
		WHERE webhook_id = $1
		ORDER BY delivered_at DESC, attempt_number DESC
		LIMIT $2 OFFSET $3`, deliveryCols),
		webhookID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) ListDeliveriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*WebhookDelivery, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM webhook_delivery
		WHERE notification_id = $1
		ORDER BY attempt_number ASC`, deliveryCols),
		notificationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *pgRepo) HasSuccessfulDelivery(ctx context.Context, notificationID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_delivery WHERE notification_id = $1 AND success = TRUE)`,
		notificationID,
	).Scan(&exists)
	return exists, err
}
