package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an account id or API key has no match.
	ErrNotFound = errors.New("account not found")

	// ErrDuplicateUsername is returned when the username is taken.
	ErrDuplicateUsername = errors.New("username already exists")

	// ErrDuplicateAPIKey is returned when a generated key hash collides
	// with an existing account.
	ErrDuplicateAPIKey = errors.New("api key already exists")

	// ErrInsufficientCredits is returned by Charge when the balance is
	// below the requested amount. No mutation occurs.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Store manages accounts and owns the credit ledger.
//
// Charge is the ledger's one spending primitive: an atomic
// compare-and-decrement scoped to a single account. Two concurrent charges
// can never drive a balance negative; the loser gets
// ErrInsufficientCredits. There is no refund operation — at-most-once
// debiting is enforced by callers through the command record's status, not
// by compensating credits.
type Store interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*Account, error)
	List(ctx context.Context) ([]*Account, error)

	// Charge atomically decrements the balance by amount if (and only
	// if) the balance covers it, returning the remaining balance.
	Charge(ctx context.Context, id string, amount int) (int, error)

	// Adjust applies an administrative delta (possibly negative),
	// clamping the result at zero. Returns the new balance.
	Adjust(ctx context.Context, id string, delta int) (int, error)
}

// MemoryStore implements Store with in-memory maps. Thread-safe; the
// single mutex makes Charge a true compare-and-decrement.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (s *MemoryStore) Create(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("account %s: id already exists", account.ID)
	}
	for _, existing := range s.accounts {
		if existing.Username == account.Username {
			return fmt.Errorf("username %q: %w", account.Username, ErrDuplicateUsername)
		}
		if existing.APIKeyHash == account.APIKeyHash {
			return ErrDuplicateAPIKey
		}
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[id]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.accounts {
		if account.Username == username {
			cp := *account
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("username %q: %w", username, ErrNotFound)
}

func (s *MemoryStore) GetByAPIKeyHash(ctx context.Context, hash string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.accounts {
		if account.APIKeyHash == hash {
			cp := *account
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		cp := *account
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Charge(ctx context.Context, id string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[id]
	if !exists {
		return 0, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if account.Credits < amount {
		return account.Credits, fmt.Errorf("balance %d, need %d: %w",
			account.Credits, amount, ErrInsufficientCredits)
	}
	account.Credits -= amount
	return account.Credits, nil
}

func (s *MemoryStore) Adjust(ctx context.Context, id string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[id]
	if !exists {
		return 0, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	account.Credits += delta
	if account.Credits < 0 {
		account.Credits = 0
	}
	return account.Credits, nil
}
