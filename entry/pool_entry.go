// Package entry implements PoolEntry, the bookkeeping wrapper around one
// raw driver connection: its lifecycle state, timestamps, and leak-detector
// timer. PoolEntry satisfies bag.Item so it can live inside a
// bag.Bag[*PoolEntry] without the bag ever touching the connection itself.
package entry

import (
	"database/sql/driver"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jasonkayzk/hikaripool/bag"
	"github.com/jasonkayzk/hikaripool/clock"
)

// maxLifetimeVariance caps the randomized shrink applied to endOfLife, so
// that entries created in the same burst don't all expire simultaneously.
const maxLifetimeVariance = 0.025

// LeakCallback is invoked on the leak-detection timer's own goroutine if a
// borrowed PoolEntry isn't released before the configured threshold.
type LeakCallback func(e *PoolEntry, stack []byte)

// PoolEntry is one pooled connection: a stable identity (ID, conn,
// createdAt) plus mutable state that is only ever touched through atomics.
type PoolEntry struct {
	ID        string
	conn      driver.Conn
	createdAt int64
	endOfLife int64 // 0 means "never expires" (MaxLifetime disabled)

	state        atomic.Int32
	lastAccessed atomic.Int64
	lastOpenTime atomic.Int64
	evict        atomic.Bool

	leakMu    sync.Mutex
	leakTimer *time.Timer
}

// New wraps conn, created at clk's current time, with its end-of-life
// computed from maxLifetime (0 disables max-lifetime eviction).
func New(clk clock.Source, conn driver.Conn, maxLifetime time.Duration) *PoolEntry {
	now := clk.NowMillis()
	e := &PoolEntry{
		ID:        uuid.NewString(),
		conn:      conn,
		createdAt: now,
	}
	e.state.Store(int32(bag.StateNotInUse))
	e.lastAccessed.Store(now)

	if maxLifetime > 0 {
		variance := maxLifetimeVariance * rand.Float64()
		shrunk := time.Duration(float64(maxLifetime) * (1 - variance))
		e.endOfLife = now + shrunk.Milliseconds()
	}
	return e
}

// Conn returns the raw driver connection this entry wraps.
func (e *PoolEntry) Conn() driver.Conn {
	return e.conn
}

// CreatedAt returns the creation timestamp in epoch milliseconds.
func (e *PoolEntry) CreatedAt() int64 {
	return e.createdAt
}

// LastAccessed returns the last-release timestamp in epoch milliseconds.
func (e *PoolEntry) LastAccessed() int64 {
	return e.lastAccessed.Load()
}

// Touch records now as the last-access time; called on release.
func (e *PoolEntry) Touch(now int64) {
	e.lastAccessed.Store(now)
}

// MarkBorrowed records now as the last-open time; called on successful
// borrow (used for usage-duration metrics).
func (e *PoolEntry) MarkBorrowed(now int64) {
	e.lastOpenTime.Store(now)
}

// LastOpenTime returns the timestamp this entry was last handed to a
// borrower.
func (e *PoolEntry) LastOpenTime() int64 {
	return e.lastOpenTime.Load()
}

// State implements bag.Item.
func (e *PoolEntry) State() bag.State {
	return bag.State(e.state.Load())
}

// CompareAndSwap implements bag.Item.
func (e *PoolEntry) CompareAndSwap(old, new bag.State) bool {
	return e.state.CompareAndSwap(int32(old), int32(new))
}

// MarkEvict requests this entry be removed instead of requited on its next
// release.
func (e *PoolEntry) MarkEvict() {
	e.evict.Store(true)
}

// ShouldEvict reports whether MarkEvict was called.
func (e *PoolEntry) ShouldEvict() bool {
	return e.evict.Load()
}

// IsExpired reports whether now has reached this entry's end-of-life. An
// entry with MaxLifetime disabled (endOfLife == 0) never expires.
func (e *PoolEntry) IsExpired(now int64) bool {
	return e.endOfLife > 0 && now >= e.endOfLife
}

// EndOfLife returns the absolute expiry timestamp, or 0 if disabled.
func (e *PoolEntry) EndOfLife() int64 {
	return e.endOfLife
}

// ScheduleLeakTask arms the leak-detection timer. It captures the calling
// goroutine's stack immediately (the borrower's stack, since this is called
// synchronously from the acquisition path) so a later leak report shows
// where the borrow happened, not where the timer fired.
func (e *PoolEntry) ScheduleLeakTask(threshold time.Duration, onLeak LeakCallback) {
	if threshold <= 0 || onLeak == nil {
		return
	}
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	stack := buf[:n]

	e.leakMu.Lock()
	defer e.leakMu.Unlock()
	e.leakTimer = time.AfterFunc(threshold, func() {
		onLeak(e, stack)
	})
}

// CancelLeakTask disarms the leak-detection timer, if one is pending.
func (e *PoolEntry) CancelLeakTask() {
	e.leakMu.Lock()
	defer e.leakMu.Unlock()
	if e.leakTimer != nil {
		e.leakTimer.Stop()
		e.leakTimer = nil
	}
}
