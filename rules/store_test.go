package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*PostgresStore)(nil)
}

func TestMemoryStoreAddGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rule := &Rule{ID: "r1", Pattern: `^ls`, Action: ActionAutoAccept, Priority: 10, Description: "List directory"}
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Pattern != rule.Pattern || got.Action != rule.Action || got.Priority != rule.Priority {
		t.Errorf("Get() = %+v, want %+v", got, rule)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Add() should stamp CreatedAt")
	}
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDuplicatePattern(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Add(ctx, &Rule{ID: "r1", Pattern: `^rm`, Action: ActionAutoReject}); err != nil {
		t.Fatalf("first Add() failed: %v", err)
	}
	err := store.Add(ctx, &Rule{ID: "r2", Pattern: `^rm`, Action: ActionAutoAccept})
	if !errors.Is(err, ErrDuplicatePattern) {
		t.Fatalf("Add() = %v, want ErrDuplicatePattern", err)
	}
}

func TestMemoryStoreListByPriority(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Insertion order deliberately scrambled relative to priority, with a
	// tie between mid-a and mid-b.
	seed := []*Rule{
		{ID: "mid-a", Pattern: `a`, Action: ActionAutoAccept, Priority: 50},
		{ID: "low", Pattern: `b`, Action: ActionAutoAccept, Priority: 1},
		{ID: "high", Pattern: `c`, Action: ActionAutoReject, Priority: 100},
		{ID: "mid-b", Pattern: `d`, Action: ActionRequireApproval, Priority: 50},
	}
	for _, r := range seed {
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Add(%s) failed: %v", r.ID, err)
		}
	}

	list, err := store.ListByPriority(ctx)
	if err != nil {
		t.Fatalf("ListByPriority() failed: %v", err)
	}

	wantOrder := []string{"high", "mid-a", "mid-b", "low"}
	if len(list) != len(wantOrder) {
		t.Fatalf("ListByPriority() returned %d rules, want %d", len(list), len(wantOrder))
	}
	for i, want := range wantOrder {
		if list[i].ID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Add(ctx, &Rule{ID: "r1", Pattern: `^ls`, Action: ActionAutoAccept}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := store.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}

	list, err := store.ListByPriority(ctx)
	if err != nil {
		t.Fatalf("ListByPriority() failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListByPriority() after delete returned %d rules, want 0", len(list))
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rule := &Rule{
				ID:      string(rune('a' + n)),
				Pattern: `^cmd-` + string(rune('a'+n)),
				Action:  ActionAutoAccept,
			}
			if err := store.Add(ctx, rule); err != nil {
				t.Errorf("Add() failed: %v", err)
			}
			if _, err := store.ListByPriority(ctx); err != nil {
				t.Errorf("ListByPriority() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	list, err := store.ListByPriority(ctx)
	if err != nil {
		t.Fatalf("ListByPriority() failed: %v", err)
	}
	if len(list) != 20 {
		t.Errorf("got %d rules, want 20", len(list))
	}
}
