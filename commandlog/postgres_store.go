package commandlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Transition is a
// single conditional UPDATE, which makes the status check and the write
// one atomic statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, account_id, matched_rule_id, matched_pattern, command_text, status, created_at, resolved_at`

func (s *PostgresStore) Create(ctx context.Context, record *Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	// Empty snapshot fields persist as NULL so "no rule matched" stays
	// distinguishable from a rule with an empty pattern.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_logs (id, account_id, matched_rule_id, matched_pattern, command_text, status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
	`, record.ID, record.AccountID, record.MatchedRuleID, record.MatchedPattern,
		record.CommandText, record.Status, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert command record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM command_logs WHERE id = $1`, id)

	record, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command record: %w", err)
	}
	return record, nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		r       Record
		ruleID  sql.NullString
		pattern sql.NullString
	)
	err := scan(&r.ID, &r.AccountID, &ruleID, &pattern, &r.CommandText,
		&r.Status, &r.CreatedAt, &r.ResolvedAt)
	if err != nil {
		return nil, err
	}
	r.MatchedRuleID = ruleID.String
	r.MatchedPattern = pattern.String
	return &r, nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query command records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM command_logs WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM command_logs WHERE status = $1 ORDER BY created_at ASC`,
		StatusPending)
}

func (s *PostgresStore) List(ctx context.Context, status Status) ([]*Record, error) {
	if status == "" {
		return s.queryRecords(ctx,
			`SELECT `+recordColumns+` FROM command_logs ORDER BY created_at DESC`)
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM command_logs WHERE status = $1 ORDER BY created_at DESC`,
		status)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM command_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count command records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// Transition moves the record from `from` to `to` only if it is currently
// in `from`. The WHERE clause is the guard: concurrent resolutions of the
// same record race on this UPDATE and exactly one wins.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE command_logs
		SET status = $3,
		    resolved_at = CASE WHEN $3 = $4 THEN NULL ELSE NOW() END
		WHERE id = $1 AND status = $2
	`, id, from, to, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to transition command record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Guard lost or unknown id; read the row to tell the two apart.
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s is %s: %w", id, record.Status, ErrInvalidState)
}
