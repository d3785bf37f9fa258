package alert

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

// NewPgRepo creates a PostgreSQL-backed alert repository.
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

// withTx runs fn inside the ambient transaction when one is already on the
// context, otherwise opens its own.
func (r *pgRepo) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, r.pool, fn)
}

const alertCols = `id, subject_id, source_id, alert_type, category, priority, risk_score,
	risk_factors, status, sla_hours, sla_deadline, sla_breached, assigned_to,
	version, created_at, updated_at, acknowledged_at, started_at, resolved_at, escalated_at`

const stepCols = `id, alert_id, action_type, actor, alert_status, outcome, notes, metadata, created_at`

func scanAlert(row pgx.Row) (*ClinicalAlert, error) {
	var a ClinicalAlert
	err := row.Scan(
		&a.ID, &a.SubjectID, &a.SourceID, &a.AlertType, &a.Category, &a.Priority, &a.RiskScore,
		&a.RiskFactors, &a.Status, &a.SLAHours, &a.SLADeadline, &a.SLABreached, &a.AssignedTo,
		&a.Version, &a.CreatedAt, &a.UpdatedAt, &a.AcknowledgedAt, &a.StartedAt, &a.ResolvedAt, &a.EscalatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := a.RiskFactors.Validate(); err != nil {
		return nil, fmt.Errorf("alert %s: %w", a.ID, err)
	}
	return &a, nil
}

func scanStep(row pgx.Row) (*WorkflowStep, error) {
	var s WorkflowStep
	err := row.Scan(
		&s.ID, &s.AlertID, &s.ActionType, &s.Actor, &s.AlertStatus, &s.Outcome,
		&s.Notes, &s.Metadata, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pgRepo) insertStep(ctx context.Context, q queryable, step *WorkflowStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.Metadata == nil {
		step.Metadata = map[string]string{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO workflow_step (id, alert_id, action_type, actor, alert_status, outcome, notes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		step.ID, step.AlertID, step.ActionType, step.Actor, step.AlertStatus,
		step.Outcome, step.Notes, step.Metadata, step.CreatedAt,
	)
	return err
}

func (r *pgRepo) Create(ctx context.Context, a *ClinicalAlert, initial *WorkflowStep) error {
	return r.withTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO clinical_alert (
				id, subject_id, source_id, alert_type, category, priority, risk_score,
				risk_factors, status, sla_hours, sla_deadline, sla_breached, assigned_to,
				version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			a.ID, a.SubjectID, a.SourceID, a.AlertType, a.Category, a.Priority, a.RiskScore,
			a.RiskFactors, a.Status, a.SLAHours, a.SLADeadline, a.SLABreached, a.AssignedTo,
			a.Version, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		return r.insertStep(ctx, q, initial)
	})
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalAlert, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM clinical_alert WHERE id = $1`, alertCols), id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return a, nil
}

func (r *pgRepo) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ClinicalAlert, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	for _, key := range []string{"status", "priority", "category", "alert_type", "subject_id", "assigned_to"} {
		if v, ok := params[key]; ok && v != "" {
			where += fmt.Sprintf(" AND %s = $%d", key, idx)
			args = append(args, v)
			idx++
		}
	}
	if v, ok := params["breached"]; ok && v != "" {
		where += fmt.Sprintf(" AND sla_breached = $%d", idx)
		args = append(args, v == "true")
		idx++
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM clinical_alert "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM clinical_alert %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		alertCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ClinicalAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) ApplyTransition(ctx context.Context, a *ClinicalAlert, step *WorkflowStep, expectedVersion int) error {
	return r.withTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE clinical_alert SET
				status = $1, assigned_to = $2, version = version + 1, updated_at = $3,
				acknowledged_at = $4, started_at = $5, resolved_at = $6, escalated_at = $7
			WHERE id = $8 AND version = $9`,
			a.Status, a.AssignedTo, a.UpdatedAt,
			a.AcknowledgedAt, a.StartedAt, a.ResolvedAt, a.EscalatedAt,
			a.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("alert %s at version %d: %w", a.ID, expectedVersion, ErrConflict)
		}
		return r.insertStep(ctx, q, step)
	})
}

func (r *pgRepo) UpdateAssignee(ctx context.Context, id uuid.UUID, assignee *uuid.UUID, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_alert SET assigned_to = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		assignee, time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	return nil
}

func (r *pgRepo) ListOverdueUnbreached(ctx context.Context, asOf time.Time, limit int) ([]*ClinicalAlert, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM clinical_alert
		WHERE sla_breached = FALSE
		  AND sla_deadline <= $1
		  AND status NOT IN ($2, $3)
		ORDER BY sla_deadline ASC
		LIMIT $4`, alertCols),
		asOf, StatusResolved, StatusDismissed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClinicalAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgRepo) MarkBreached(ctx context.Context, id uuid.UUID, step *WorkflowStep) (bool, error) {
	var flipped bool
	err := r.withTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE clinical_alert SET sla_breached = TRUE, updated_at = $1
			WHERE id = $2 AND sla_breached = FALSE AND status NOT IN ($3, $4)`,
			time.Now().UTC(), id, StatusResolved, StatusDismissed,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		flipped = true
		return r.insertStep(ctx, q, step)
	})
	return flipped, err
}

func (r *pgRepo) ListUnattended(ctx context.Context, before time.Time, limit int) ([]*ClinicalAlert, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM clinical_alert
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3`, alertCols),
		StatusPending, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClinicalAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgRepo) ListSteps(ctx context.Context, alertID uuid.UUID) ([]*WorkflowStep, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM workflow_step WHERE alert_id = $1 ORDER BY created_at ASC, id ASC`, stepCols),
		alertID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgRepo) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM clinical_alert WHERE status NOT IN ($1, $2)`,
		StatusResolved, StatusDismissed,
	).Scan(&n)
	return n, err
}
