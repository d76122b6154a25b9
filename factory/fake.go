package factory

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// FakeConn is an in-memory driver.Conn used by tests and cmd/hikaridemo in
// place of a real database driver. It supports Ping (driver.Pinger) and can
// be told to go "unhealthy" to exercise the aliveness-probe and eviction
// paths without a real network dependency.
type FakeConn struct {
	mu      sync.Mutex
	closed  bool
	healthy atomic.Bool
}

// NewFakeConn returns a healthy, open FakeConn.
func NewFakeConn() *FakeConn {
	c := &FakeConn{}
	c.healthy.Store(true)
	return c
}

// SetHealthy flips whether Ping succeeds.
func (c *FakeConn) SetHealthy(healthy bool) {
	c.healthy.Store(healthy)
}

// Prepare implements driver.Conn; this fake has no statements to prepare.
func (c *FakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("factory: FakeConn does not support Prepare")
}

// Close implements driver.Conn.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Begin implements driver.Conn; this fake has no transactions.
func (c *FakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("factory: FakeConn does not support Begin")
}

// Ping implements driver.Pinger.
func (c *FakeConn) Ping(ctx context.Context) error {
	if !c.healthy.Load() {
		return driver.ErrBadConn
	}
	return nil
}

// IsClosed reports whether Close was called, for test assertions.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FlakyFactory fails the first failCount calls to Open, then succeeds with
// a fresh FakeConn on every call thereafter. It is grounded on the
// "factory fails N times then succeeds" boundary scenario.
type FlakyFactory struct {
	mu         sync.Mutex
	failCount  int
	attempts   int
	openDelay  time.Duration
	onConn     func(*FakeConn)
}

// NewFlakyFactory builds a factory that fails failCount times before
// succeeding. openDelay simulates dial latency.
func NewFlakyFactory(failCount int, openDelay time.Duration) *FlakyFactory {
	return &FlakyFactory{failCount: failCount, openDelay: openDelay}
}

// OnConnect registers a callback invoked with every successfully created
// FakeConn, useful for tests that want to later flip health or count opens.
func (f *FlakyFactory) OnConnect(fn func(*FakeConn)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

// Open implements Factory.
func (f *FlakyFactory) Open(ctx context.Context) (driver.Conn, error) {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()

	if f.openDelay > 0 {
		select {
		case <-time.After(f.openDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if attempt <= f.failCount {
		return nil, errors.New("factory: simulated dial failure")
	}

	conn := NewFakeConn()
	f.mu.Lock()
	cb := f.onConn
	f.mu.Unlock()
	if cb != nil {
		cb(conn)
	}
	return conn, nil
}

// Attempts returns how many times Open has been called so far.
func (f *FlakyFactory) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}
