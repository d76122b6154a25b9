package bag

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testItem struct {
	id    int
	state atomic.Int32
}

func newTestItem(id int) *testItem {
	it := &testItem{id: id}
	it.state.Store(int32(StateNotInUse))
	return it
}

func (t *testItem) CompareAndSwap(old, new State) bool {
	return t.state.CompareAndSwap(int32(old), int32(new))
}

func (t *testItem) State() State {
	return State(t.state.Load())
}

func TestBorrowAndRequite(t *testing.T) {
	b := New[*testItem](4)
	it := newTestItem(1)
	b.Add(it)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := b.Borrow(ctx, "")
	require.NoError(t, err)
	require.Equal(t, it.id, got.id)
	require.Equal(t, StateInUse, got.State())

	require.True(t, b.Requite(got, ""), "Requite() failed")
	require.Equal(t, StateNotInUse, got.State())
}

func TestBorrowTimeoutWhenEmpty(t *testing.T) {
	b := New[*testItem](4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Borrow(ctx, "")
	require.Error(t, err, "expected timeout error")
	require.Zero(t, b.WaitingCount(), "waiters should be decremented back to 0")
}

func TestBorrowParksThenWakesOnAdd(t *testing.T) {
	b := New[*testItem](4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var got *testItem
	var borrowErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, borrowErr = b.Borrow(ctx, "waiter")
	}()

	// Give the borrower time to register as a waiter.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, b.WaitingCount())

	it := newTestItem(7)
	b.Add(it)

	wg.Wait()
	require.NoError(t, borrowErr)
	require.Equal(t, 7, got.id, "waiter did not receive the added item")
}

func TestRequitePrefersHandoffOverScan(t *testing.T) {
	b := New[*testItem](4)
	a, c := newTestItem(1), newTestItem(2)
	b.Add(a)
	b.Add(c)

	ctx := context.Background()
	first, err := b.Borrow(ctx, "owner")
	require.NoError(t, err)
	second, err := b.Borrow(ctx, "owner")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *testItem, 1)
	go func() {
		item, err := b.Borrow(waitCtx, "other")
		if err == nil {
			done <- item
		}
	}()

	time.Sleep(50 * time.Millisecond)
	b.Requite(first, "owner")

	select {
	case item := <-done:
		require.NotNil(t, item, "expected an item via handoff")
	case <-time.After(time.Second):
		t.Fatalf("waiter never received the requited item")
	}

	b.Requite(second, "owner")
}

func TestReserveRemove(t *testing.T) {
	b := New[*testItem](4)
	it := newTestItem(9)
	b.Add(it)

	require.True(t, b.Reserve(it), "Reserve() failed on a free item")
	require.Equal(t, StateReserved, it.State())
	require.False(t, b.Reserve(it), "double Reserve() should fail")

	require.True(t, b.Remove(it), "Remove() failed on a Reserved item")
	require.Equal(t, StateRemoved, it.State())

	values := b.Values()
	for _, v := range values {
		require.NotEqual(t, it, v, "removed item should be compacted out of sharedList")
	}
}

func TestUnreserve(t *testing.T) {
	b := New[*testItem](4)
	it := newTestItem(3)
	b.Add(it)

	require.True(t, b.Reserve(it))
	require.True(t, b.Unreserve(it))
	require.Equal(t, StateNotInUse, it.State())
}

// The thread-local cache must be scanned newest-first, attempting a CAS on
// each candidate, rather than giving up after the single most-recently
// pushed entry: Requite() can race a housekeeper Reserve() onto the item at
// the top of the stack, in which case the next Borrow() by that same
// borrower must fall through to the next-newest local entry instead of
// dropping straight to the shared scan.
func TestBorrowScansLocalCacheBeyondTopEntry(t *testing.T) {
	b := New[*testItem](4)
	stale, fresh := newTestItem(1), newTestItem(2)
	b.Add(stale)
	b.Add(fresh)

	ctx := context.Background()
	borrowedStale, err := b.Borrow(ctx, "owner")
	require.NoError(t, err)
	borrowedFresh, err := b.Borrow(ctx, "owner")
	require.NoError(t, err)

	require.True(t, b.Requite(borrowedStale, "owner"))
	require.True(t, b.Requite(borrowedFresh, "owner"))
	// Local stack for "owner" is now [stale, fresh], fresh on top.

	require.True(t, b.Reserve(fresh), "simulate a housekeeper reservation racing in on the top-of-stack entry")

	got, err := b.Borrow(ctx, "owner")
	require.NoError(t, err, "Borrow should fall through the local cache past the reserved top entry")
	require.Equal(t, stale.id, got.id, "expected the next-newest local entry, not a shared-list fallback skipping it")

	require.True(t, b.Unreserve(fresh))
	require.True(t, b.Requite(got, "owner"))
}

func TestConcurrentBorrowNeverDoubleHandsOut(t *testing.T) {
	b := New[*testItem](16)
	const n = 8
	for i := 0; i < n; i++ {
		b.Add(newTestItem(i))
	}

	var mu sync.Mutex
	owners := map[int]int{}

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			for i := 0; i < 20; i++ {
				item, err := b.Borrow(ctx, "")
				if err != nil {
					continue
				}
				mu.Lock()
				owners[item.id]++
				mu.Unlock()
				time.Sleep(time.Millisecond)
				b.Requite(item, "")
			}
		}(g)
	}
	wg.Wait()

	// This test only asserts the pool never panics/deadlocks and that the
	// state machine stays internally consistent; exact counts vary by
	// scheduling.
	require.NotEmpty(t, owners, "expected at least some successful borrows")
}
