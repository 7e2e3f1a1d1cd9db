package sequence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sequences.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteAllocateStartsAtOne(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	seq, err := store.Allocate(ctx, "order-1", "order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Errorf("first allocation = %d, want 1", seq)
	}

	for want := uint64(2); want <= 5; want++ {
		seq, err = store.Allocate(ctx, "order-1", "order")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seq != want {
			t.Errorf("allocation = %d, want %d", seq, want)
		}
	}
}

func TestSQLiteAllocateConcurrent(t *testing.T) {
	store := newTestSQLiteStore(t)

	const n = 50
	results := make(chan uint64, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := store.Allocate(context.Background(), "order-1", "order")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- seq
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for seq := range results {
		if seen[seq] {
			t.Errorf("duplicate sequence %d", seq)
		}
		seen[seq] = true
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("missing sequence %d", i)
		}
	}
}

func TestSQLiteIndependentCounters(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Allocate(ctx, "X", "order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Allocate(ctx, "X", "order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seq, err := store.Allocate(ctx, "X", "inventory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Errorf("inventory counter = %d, want independent start at 1", seq)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	store.Allocate(ctx, "order-1", "order")
	store.Allocate(ctx, "order-1", "order")
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	seq, err := reopened.Allocate(ctx, "order-1", "order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 3 {
		t.Errorf("allocation after reopen = %d, want 3", seq)
	}
}

func TestSQLiteLastAndSetLast(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	last, err := store.Last(ctx, "order-1", "order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != 0 {
		t.Errorf("fresh Last = %d, want 0", last)
	}

	if err := store.SetLast(ctx, "order-1", "order.applied", 12); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last, err = store.Last(ctx, "order-1", "order.applied")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != 12 {
		t.Errorf("Last after SetLast = %d, want 12", last)
	}
}

func TestSQLiteReset(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Allocate(ctx, "order-1", "order")
	store.Allocate(ctx, "order-1", "order")

	if err := store.Reset(ctx, "order-1", "order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seq, err := store.Allocate(ctx, "order-1", "order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Errorf("allocation after reset = %d, want 1", seq)
	}
}

func TestSQLiteCounters(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Allocate(ctx, "order-1", "order")
	store.Allocate(ctx, "order-2", "order")
	store.Allocate(ctx, "order-2", "order")

	counters, err := store.Counters(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(counters) != 2 {
		t.Fatalf("len(counters) = %d, want 2", len(counters))
	}
	if counters[1].EntityID != "order-2" || counters[1].LastSequence != 2 {
		t.Errorf("counters[1] = %+v, want order-2 at 2", counters[1])
	}
}

func TestSQLiteInvalidArguments(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.Allocate(context.Background(), "", "order")
	if !seqerrors.IsInvalidArgument(err) {
		t.Errorf("err = %v, want InvalidArgumentError", err)
	}
}

func TestSQLiteClosed(t *testing.T) {
	store := newTestSQLiteStore(t)
	store.Close()

	_, err := store.Allocate(context.Background(), "order-1", "order")
	if !errors.Is(err, ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
}
