package intervention

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caresignal/caresignal/internal/platform/db"
)

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPgRepo creates a PostgreSQL-backed template repository.
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

const templateCols = `id, name, risk_category, risk_level, recommended_actions, resources,
	expected_outcome, typical_duration_days, usage_count, active, created_at, updated_at`

func scanTemplate(row pgx.Row) (*InterventionTemplate, error) {
	var t InterventionTemplate
	err := row.Scan(
		&t.ID, &t.Name, &t.RiskCategory, &t.RiskLevel, &t.RecommendedActions, &t.Resources,
		&t.ExpectedOutcome, &t.TypicalDurationDays, &t.UsageCount, &t.Active, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *pgRepo) Create(ctx context.Context, t *InterventionTemplate) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO intervention_template (
			id, name, risk_category, risk_level, recommended_actions, resources,
			expected_outcome, typical_duration_days, usage_count, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.RiskCategory, t.RiskLevel, t.RecommendedActions, t.Resources,
		t.ExpectedOutcome, t.TypicalDurationDays, t.UsageCount, t.Active, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*InterventionTemplate, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM intervention_template WHERE id = $1`, templateCols), id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

func (r *pgRepo) List(ctx context.Context, params map[string]string, limit, offset int) ([]*InterventionTemplate, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	for _, key := range []string{"risk_category", "risk_level"} {
		if v, ok := params[key]; ok && v != "" {
			where += fmt.Sprintf(" AND %s = $%d", key, idx)
			args = append(args, v)
			idx++
		}
	}
	if v, ok := params["active"]; ok && v != "" {
		where += fmt.Sprintf(" AND active = $%d", idx)
		args = append(args, v == "true")
		idx++
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM intervention_template "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM intervention_template %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		templateCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*InterventionTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) Update(ctx context.Context, t *InterventionTemplate) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intervention_template SET
			name = $1, risk_category = $2, risk_level = $3, recommended_actions = $4,
			resources = $5, expected_outcome = $6, typical_duration_days = $7,
			active = $8, updated_at = $9
		WHERE id = $10`,
		t.Name, t.RiskCategory, t.RiskLevel, t.RecommendedActions,
		t.Resources, t.ExpectedOutcome, t.TypicalDurationDays,
		t.Active, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intervention_template SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) ListActiveMatching(ctx context.Context, category, level string) ([]*InterventionTemplate, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM intervention_template
		WHERE active = TRUE
		  AND (risk_category = '' OR risk_category = $1)
		  AND (risk_level = '' OR risk_level = $2)
		ORDER BY created_at ASC, id ASC`, templateCols),
		category, level,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InterventionTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *pgRepo) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intervention_template SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}
