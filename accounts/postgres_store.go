package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Ledger mutations
// are single conditional UPDATEs so they stay atomic per account without
// explicit locking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, username, api_key_hash, role, credits, created_at`

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Username, &a.APIKeyHash, &a.Role, &a.Credits, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Create(ctx context.Context, account *Account) error {
	var usernameTaken, keyTaken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM accounts WHERE username = $1),
			EXISTS(SELECT 1 FROM accounts WHERE api_key_hash = $2)
	`, account.Username, account.APIKeyHash).Scan(&usernameTaken, &keyTaken)
	if err != nil {
		return fmt.Errorf("failed to check account uniqueness: %w", err)
	}
	if usernameTaken {
		return fmt.Errorf("username %q: %w", account.Username, ErrDuplicateUsername)
	}
	if keyTaken {
		return ErrDuplicateAPIKey
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, api_key_hash, role, credits, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, account.ID, account.Username, account.APIKeyHash, account.Role,
		account.Credits, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err == ErrNotFound {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return account, err
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (*Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username))
	if err == ErrNotFound {
		return nil, fmt.Errorf("username %q: %w", username, ErrNotFound)
	}
	return account, err
}

func (s *PostgresStore) GetByAPIKeyHash(ctx context.Context, hash string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key_hash = $1`, hash))
}

func (s *PostgresStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var list []*Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.APIKeyHash, &a.Role,
			&a.Credits, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		list = append(list, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return list, nil
}

// Charge decrements credits by amount only when the balance covers it.
// The WHERE clause is the compare half of the compare-and-decrement: a
// concurrent charge that drains the balance first leaves this UPDATE
// matching zero rows.
func (s *PostgresStore) Charge(ctx context.Context, id string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET credits = credits - $2
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`, id, amount).Scan(&remaining)

	if err == sql.ErrNoRows {
		// Either the account is unknown or the balance fell short.
		var balance int
		err := s.db.QueryRowContext(ctx,
			`SELECT credits FROM accounts WHERE id = $1`, id).Scan(&balance)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read balance: %w", err)
		}
		return balance, fmt.Errorf("balance %d, need %d: %w", balance, amount, ErrInsufficientCredits)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to charge account: %w", err)
	}
	return remaining, nil
}

// Adjust applies an administrative delta, clamped at a floor of zero.
func (s *PostgresStore) Adjust(ctx context.Context, id string, delta int) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET credits = GREATEST(0, credits + $2)
		WHERE id = $1
		RETURNING credits
	`, id, delta).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust credits: %w", err)
	}
	return balance, nil
}
