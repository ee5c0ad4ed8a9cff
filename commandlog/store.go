package commandlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("command record not found")

	// ErrInvalidState is returned by Transition when the record is not in
	// the expected state. Callers rely on this to detect lost resolution
	// races and double resolutions.
	ErrInvalidState = errors.New("command record not in expected state")
)

// Store persists command records.
//
// Transition is the approval workflow's race guard: it moves a record from
// one status to another only if the record is currently in the expected
// status, atomically. Of any number of concurrent resolutions of the same
// record, exactly one Transition succeeds.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// ListByAccount returns one principal's records, newest first.
	ListByAccount(ctx context.Context, accountID string) ([]*Record, error)

	// ListPending returns all PENDING_APPROVAL records, oldest first.
	ListPending(ctx context.Context) ([]*Record, error)

	// List returns all records, optionally filtered by status, newest
	// first. A zero-value status means no filter.
	List(ctx context.Context, status Status) ([]*Record, error)

	// CountByStatus returns aggregate record counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Transition atomically moves the record from status `from` to
	// status `to`, stamping ResolvedAt. ErrInvalidState if the record is
	// in any other state; ErrNotFound if the id is unknown.
	Transition(ctx context.Context, id string, from, to Status) error
}

// MemoryStore implements Store in memory. Thread-safe; Transition's
// check-and-set happens under the write lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("record %s: id already exists", record.ID)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, record := range s.records {
		if record.AccountID == accountID {
			cp := *record
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, record := range s.records {
		if record.Status == StatusPending {
			cp := *record
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, status Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, record := range s.records {
		if status != "" && record.Status != status {
			continue
		}
		cp := *record
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, record := range s.records {
		counts[record.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[id]
	if !exists {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if record.Status != from {
		return fmt.Errorf("record %s is %s: %w", id, record.Status, ErrInvalidState)
	}
	record.Status = to
	if to == StatusPending {
		// Reverting a lost settlement; the record is live again.
		record.ResolvedAt = nil
	} else {
		now := time.Now()
		record.ResolvedAt = &now
	}
	return nil
}
