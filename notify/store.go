package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a notification id does not exist.
var ErrNotFound = errors.New("notification not found")

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error

	// ListByAccount returns one account's notifications, newest first.
	ListByAccount(ctx context.Context, accountID string) ([]*Notification, error)

	// MarkRead flags a notification as read. The accountID must match
	// the addressee; others get ErrNotFound.
	MarkRead(ctx context.Context, id, accountID string) error
}

// MemoryStore implements Store in memory. Thread-safe.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
}

// NewMemoryStore creates an empty in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifications: make(map[string]*Notification)}
}

func (s *MemoryStore) Create(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s: id already exists", n.ID)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Notification
	for _, n := range s.notifications {
		if n.AccountID == accountID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, id, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, exists := s.notifications[id]
	if !exists || n.AccountID != accountID {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Read = true
	return nil
}
