package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestAccount(id string, credits int) *Account {
	return &Account{
		ID:         id,
		Username:   "user-" + id,
		APIKeyHash: "hash-" + id,
		Role:       RoleMember,
		Credits:    credits,
	}
}

func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*PostgresStore)(nil)
}

func TestMemoryStoreCreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := newTestAccount("a1", 5)
	if err := store.Create(ctx, account); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Username != account.Username || got.Credits != 5 {
		t.Errorf("Get() = %+v, want %+v", got, account)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDuplicateUsername(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestAccount("a1", 0)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	dup := newTestAccount("a2", 0)
	dup.Username = first.Username
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("Create() = %v, want ErrDuplicateUsername", err)
	}
}

func TestMemoryStoreGetByAPIKeyHash(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := newTestAccount("a1", 0)
	if err := store.Create(ctx, account); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.GetByAPIKeyHash(ctx, "hash-a1")
	if err != nil {
		t.Fatalf("GetByAPIKeyHash() failed: %v", err)
	}
	if got.ID != "a1" {
		t.Errorf("GetByAPIKeyHash() = %s, want a1", got.ID)
	}

	if _, err := store.GetByAPIKeyHash(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByAPIKeyHash(unknown) = %v, want ErrNotFound", err)
	}
}

func TestChargeDecrements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestAccount("a1", 3)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	remaining, err := store.Charge(ctx, "a1", 1)
	if err != nil {
		t.Fatalf("Charge() failed: %v", err)
	}
	if remaining != 2 {
		t.Errorf("Charge() remaining = %d, want 2", remaining)
	}
}

func TestChargeRefusedOnInsufficientBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestAccount("a1", 0)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	remaining, err := store.Charge(ctx, "a1", 1)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("Charge() = %v, want ErrInsufficientCredits", err)
	}
	if remaining != 0 {
		t.Errorf("Charge() remaining = %d, want 0", remaining)
	}

	// Refusal must not mutate.
	got, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Credits != 0 {
		t.Errorf("Credits after refused charge = %d, want 0", got.Credits)
	}
}

func TestChargeRejectsNonPositiveAmount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestAccount("a1", 5)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	for _, amount := range []int{0, -1} {
		if _, err := store.Charge(ctx, "a1", amount); err == nil {
			t.Errorf("Charge(amount=%d) should fail", amount)
		}
	}
}

// Concurrent charges against one balance must never drive it negative:
// with N credits and 2N concurrent unit charges, exactly N succeed.
func TestChargeConcurrentCompareAndDecrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const credits = 25
	if err := store.Create(ctx, newTestAccount("a1", credits)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < credits*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Charge(ctx, "a1", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != credits {
		t.Errorf("%d charges succeeded, want %d", succeeded, credits)
	}
	got, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Credits != 0 {
		t.Errorf("final balance = %d, want 0", got.Credits)
	}
}

func TestAdjustClampsAtZero(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestAccount("a1", 3)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	testCases := []struct {
		name  string
		delta int
		want  int
	}{
		{"top-up", 10, 13},
		{"deduct", -3, 10},
		{"deduct past zero clamps", -100, 0},
		{"top-up from zero", 2, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			balance, err := store.Adjust(ctx, "a1", tc.delta)
			if err != nil {
				t.Fatalf("Adjust() failed: %v", err)
			}
			if balance != tc.want {
				t.Errorf("Adjust(%d) = %d, want %d", tc.delta, balance, tc.want)
			}
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		account := newTestAccount(id, 0)
		if err := store.Create(ctx, account); err != nil {
			t.Fatalf("Create(%s) failed: %v", id, err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d accounts, want 3", len(list))
	}
}
