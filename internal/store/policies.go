package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/rampart/internal/engine"
)

// GuardPolicyRow is a row in guard_policies. NULL columns leave the guard's
// own value in effect.
type GuardPolicyRow struct {
	GuardName string
	Policy    engine.GuardPolicy
	UpdatedAt time.Time
}

// ListGuardPolicies returns every override.
func (s *Store) ListGuardPolicies(ctx context.Context) ([]GuardPolicyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guard_name, enabled, priority, severity, updated_at
		FROM guard_policies ORDER BY guard_name`)
	if err != nil {
		return nil, fmt.Errorf("ListGuardPolicies: %w", err)
	}
	defer rows.Close()

	var out []GuardPolicyRow
	for rows.Next() {
		row, err := scanGuardPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("ListGuardPolicies: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListGuardPolicies: %w", err)
	}
	return out, nil
}

// LoadPolicyConfig returns the overrides as an engine.PolicyConfig.
func (s *Store) LoadPolicyConfig(ctx context.Context) (*engine.PolicyConfig, error) {
	rows, err := s.ListGuardPolicies(ctx)
	if err != nil {
		return nil, err
	}
	pc := &engine.PolicyConfig{Guards: make(map[string]engine.GuardPolicy, len(rows))}
	for _, r := range rows {
		pc.Guards[r.GuardName] = r.Policy
	}
	return pc, nil
}

// UpsertGuardPolicy replaces the override for one guard.
func (s *Store) UpsertGuardPolicy(ctx context.Context, name string, p engine.GuardPolicy) (*GuardPolicyRow, error) {
	row, err := scanGuardPolicy(s.db.QueryRowContext(ctx, `
		INSERT INTO guard_policies (guard_name, enabled, priority, severity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guard_name) DO UPDATE SET
			enabled    = EXCLUDED.enabled,
			priority   = EXCLUDED.priority,
			severity   = EXCLUDED.severity,
			updated_at = now()
		RETURNING guard_name, enabled, priority, severity, updated_at`,
		name, nullable(p.Enabled), nullable(p.Priority), nullable(p.Severity),
	))
	if err != nil {
		return nil, fmt.Errorf("UpsertGuardPolicy: %w", err)
	}
	return &row, nil
}

// DeleteGuardPolicy removes an override, restoring the guard's defaults.
func (s *Store) DeleteGuardPolicy(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guard_policies WHERE guard_name = $1`, name)
	if err != nil {
		return fmt.Errorf("DeleteGuardPolicy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuardPolicy(r rowScanner) (GuardPolicyRow, error) {
	var (
		row      GuardPolicyRow
		enabled  sql.NullBool
		priority sql.NullInt32
		severity sql.NullString
	)
	if err := r.Scan(&row.GuardName, &enabled, &priority, &severity, &row.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, ErrNotFound
		}
		return row, err
	}
	if enabled.Valid {
		row.Policy.Enabled = &enabled.Bool
	}
	if priority.Valid {
		p := int(priority.Int32)
		row.Policy.Priority = &p
	}
	if severity.Valid {
		row.Policy.Severity = &severity.String
	}
	return row, nil
}

// nullable returns nil (SQL NULL) for a nil pointer, otherwise the value.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
