package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Add inserts a new rule. Pattern uniqueness is enforced here (and by the
// unique index) so two rules can never carry the exact same pattern.
func (s *PostgresStore) Add(ctx context.Context, rule *Rule) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM rules WHERE pattern = $1)
	`, rule.Pattern).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check pattern uniqueness: %w", err)
	}
	if exists {
		return fmt.Errorf("pattern %q: %w", rule.Pattern, ErrDuplicatePattern)
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, pattern, action, priority, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rule.ID, rule.Pattern, rule.Action, rule.Priority, rule.Description, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	var rule Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pattern, action, priority, description, created_at
		FROM rules
		WHERE id = $1
	`, id).Scan(
		&rule.ID,
		&rule.Pattern,
		&rule.Action,
		&rule.Priority,
		&rule.Description,
		&rule.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// ListByPriority returns all rules ordered by priority descending, with
// creation order breaking ties. This ordering is the classifier's contract.
func (s *PostgresStore) ListByPriority(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern, action, priority, description, created_at
		FROM rules
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var list []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Action, &r.Priority,
			&r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		list = append(list, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return list, nil
}

// Delete removes a rule.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}
