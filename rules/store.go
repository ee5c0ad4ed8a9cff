package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a rule id does not exist in the store.
	ErrNotFound = errors.New("rule not found")

	// ErrDuplicatePattern is returned when a rule with the exact same
	// pattern already exists.
	ErrDuplicatePattern = errors.New("rule with this pattern already exists")
)

// Store manages rule persistence and retrieval.
//
// ListByPriority owns the classifier's ordering contract: rules come back
// sorted by priority descending, then creation order ascending. Callers
// never re-sort.
type Store interface {
	Add(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	ListByPriority(ctx context.Context) ([]*Rule, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore implements Store with an in-memory map. It preserves
// insertion order so priority ties resolve the same way the Postgres
// store's created_at tiebreak does. Thread-safe.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string // rule ids in insertion order
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]*Rule),
	}
}

func (s *MemoryStore) Add(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: id already exists", rule.ID)
	}
	for _, existing := range s.rules {
		if existing.Pattern == rule.Pattern {
			return fmt.Errorf("pattern %q: %w", rule.Pattern, ErrDuplicatePattern)
		}
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	s.rules[rule.ID] = rule
	s.order = append(s.order, rule.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule, nil
}

func (s *MemoryStore) ListByPriority(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id])
	}
	// Stable sort keeps insertion order within equal priorities.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(s.rules, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
