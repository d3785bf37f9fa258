package escalation

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

// NewPgRepo creates a PostgreSQL-backed escalation repository.
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

const ruleCols = `id, name, trigger_type, conditions, escalation_level,
	notification_channels, recipient_roles, active, trigger_count, created_at, updated_at`

const escalationCols = `id, alert_id, rule_id, trigger_type, trigger_key, escalation_level, recipients, created_at`

const memberCols = `id, display_name, role, contact, active, created_at, updated_at`

func scanRule(row pgx.Row) (*EscalationRule, error) {
	var r EscalationRule
	err := row.Scan(
		&r.ID, &r.Name, &r.TriggerType, &r.Conditions, &r.EscalationLevel,
		&r.NotificationChannels, &r.RecipientRoles, &r.Active, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanEscalation(row pgx.Row) (*Escalation, error) {
	var e Escalation
	err := row.Scan(
		&e.ID, &e.AlertID, &e.RuleID, &e.TriggerType, &e.TriggerKey,
		&e.EscalationLevel, &e.Recipients, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanMember(row pgx.Row) (*CareTeamMember, error) {
	var m CareTeamMember
	err := row.Scan(
		&m.ID, &m.DisplayName, &m.Role, &m.Contact, &m.Active, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *pgRepo) CreateRule(ctx context.Context, rule *EscalationRule) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO escalation_rule (
			id, name, trigger_type, conditions, escalation_level,
			notification_channels, recipient_roles, active, trigger_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rule.ID, rule.Name, rule.TriggerType, rule.Conditions, rule.EscalationLevel,
		rule.NotificationChannels, rule.RecipientRoles, rule.Active, rule.TriggerCount,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetRule(ctx context.Context, id uuid.UUID) (*EscalationRule, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM escalation_rule WHERE id = $1`, ruleCols), id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("escalation rule %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return rule, nil
}

func (r *pgRepo) ListRules(ctx context.Context, params map[string]string, limit, offset int) ([]*EscalationRule, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	for _, key := range []string{"trigger_type", "escalation_level"} {
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
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM escalation_rule "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM escalation_rule %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		ruleCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*EscalationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rule)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) ListActiveRulesByTrigger(ctx context.Context, triggerType string) ([]*EscalationRule, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM escalation_rule
		WHERE active = TRUE AND trigger_type = $1
		ORDER BY created_at ASC, id ASC`, ruleCols),
		triggerType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EscalationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *pgRepo) UpdateRule(ctx context.Context, rule *EscalationRule) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE escalation_rule SET
			name = $1, trigger_type = $2, conditions = $3, escalation_level = $4,
			notification_channels = $5, recipient_roles = $6, active = $7, updated_at = $8
		WHERE id = $9`,
		rule.Name, rule.TriggerType, rule.Conditions, rule.EscalationLevel,
		rule.NotificationChannels, rule.RecipientRoles, rule.Active, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation rule %s: %w", rule.ID, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE escalation_rule SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) IncrementTriggerCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE escalation_rule SET trigger_count = trigger_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertEscalation relies on the ledger's uniqueness over
// (alert_id, rule_id, trigger_key) to make replays of the same trigger
// occurrence no-ops. A false return with nil error means the row was
// already there.
func (r *pgRepo) InsertEscalation(ctx context.Context, e *Escalation) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recipients == nil {
		e.Recipients = []string{}
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO escalation (id, alert_id, rule_id, trigger_type, trigger_key, escalation_level, recipients, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		e.ID, e.AlertID, e.RuleID, e.TriggerType, e.TriggerKey,
		e.EscalationLevel, e.Recipients, e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert escalation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) ListEscalationsByAlert(ctx context.Context, alertID uuid.UUID) ([]*Escalation, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM escalation WHERE alert_id = $1 ORDER BY created_at ASC, id ASC`, escalationCols),
		alertID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRepo) CreateMember(ctx context.Context, m *CareTeamMember) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO care_team_member (id, display_name, role, contact, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.DisplayName, m.Role, m.Contact, m.Active, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetMember(ctx context.Context, id uuid.UUID) (*CareTeamMember, error) {
	row := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM care_team_member WHERE id = $1`, memberCols), id)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("care team member %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func (r *pgRepo) UpdateMember(ctx context.Context, m *CareTeamMember) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE care_team_member SET
			display_name = $1, role = $2, contact = $3, active = $4, updated_at = $5
		WHERE id = $6`,
		m.DisplayName, m.Role, m.Contact, m.Active, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("care team member %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (r *pgRepo) ListMembers(ctx context.Context, params map[string]string, limit, offset int) ([]*CareTeamMember, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	if v, ok := params["role"]; ok && v != "" {
		where += fmt.Sprintf(" AND role = $%d", idx)
		args = append(args, v)
		idx++
	}
	if v, ok := params["active"]; ok && v != "" {
		where += fmt.Sprintf(" AND active = $%d", idx)
		args = append(args, v == "true")
		idx++
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM care_team_member "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM care_team_member %s ORDER BY display_name ASC LIMIT $%d OFFSET $%d`,
		memberCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*CareTeamMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (r *pgRepo) ListActiveMembersByRoles(ctx context.Context, roles []string) ([]*CareTeamMember, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT %s FROM care_team_member
		WHERE active = TRUE AND role = ANY($1)
		ORDER BY display_name ASC, id ASC`, memberCols),
		roles,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CareTeamMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
