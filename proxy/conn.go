// Package proxy implements ProxyConnection: the user-facing wrapper handed
// out by GetConnection. Its Close() does not close the underlying driver
// connection — it resets dirty state and returns the PoolEntry to the bag.
package proxy

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/jasonkayzk/hikaripool/entry"
	"github.com/jasonkayzk/hikaripool/errs"
)

// DirtyBits tracks which connection properties a borrower changed away
// from the pool's configured defaults, so Close() knows what to reset
// before the connection is reused by someone else.
type DirtyBits struct {
	AutoCommit     bool
	ReadOnly       bool
	Isolation      bool
	Catalog        bool
	NetworkTimeout bool
}

func (d DirtyBits) any() bool {
	return d.AutoCommit || d.ReadOnly || d.Isolation || d.Catalog || d.NetworkTimeout
}

// Reset describes how to restore a connection to the pool's clean default
// state; it is invoked by Close() only for the bits recorded dirty.
type Reset struct {
	AutoCommit     func(conn driver.Conn) error
	ReadOnly       func(conn driver.Conn) error
	Isolation      func(conn driver.Conn) error
	Catalog        func(conn driver.Conn) error
	NetworkTimeout func(conn driver.Conn) error
}

// Conn is the ProxyConnection: a driver.Conn-shaped wrapper whose Close()
// releases the backing PoolEntry instead of tearing down the connection.
type Conn struct {
	mu     sync.Mutex
	closed bool

	entry     *entry.PoolEntry
	dirty     DirtyBits
	reset     Reset
	release   func(e *entry.PoolEntry)
	markFatal func(e *entry.PoolEntry)
}

// New builds a Conn around e. release is called exactly once, from Close,
// to hand the entry back to the pool controller; markFatal is called
// whenever a driver operation fails with a connection-level error.
func New(e *entry.PoolEntry, reset Reset, release func(e *entry.PoolEntry), markFatal func(e *entry.PoolEntry)) *Conn {
	return &Conn{entry: e, reset: reset, release: release, markFatal: markFatal}
}

// ErrConnectionClosed is returned by every operation on a Conn after Close.
var ErrConnectionClosed = errs.NewClosedErr("use of closed connection")

// MarkDirty records that a connection property diverges from the pool
// default, so Close() knows to reset it before reuse.
func (c *Conn) MarkDirty(mutate func(*DirtyBits)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(&c.dirty)
}

// Entry returns the PoolEntry this Conn wraps, for pool-internal use (e.g.
// HikariPool.EvictConnection). Not meant for borrower code.
func (c *Conn) Entry() *entry.PoolEntry {
	return c.entry
}

// Raw returns the underlying driver.Conn for callers that need direct
// access (e.g. to run a query). Returns ErrConnectionClosed after Close.
func (c *Conn) Raw() (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return c.entry.Conn(), nil
}

// PingContext probes connection liveness via driver.Pinger, if supported.
func (c *Conn) PingContext(ctx context.Context) error {
	raw, err := c.Raw()
	if err != nil {
		return err
	}
	pinger, ok := raw.(driver.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		c.classify(err)
		return err
	}
	return nil
}

// ExecContext runs a non-query statement through the driver, when the
// underlying conn implements driver.ExecerContext.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	raw, err := c.Raw()
	if err != nil {
		return nil, err
	}
	execer, ok := raw.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	res, err := execer.ExecContext(ctx, query, args)
	if err != nil {
		c.classify(err)
	}
	return res, err
}

// QueryContext runs a query through the driver, when the underlying conn
// implements driver.QueryerContext.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	raw, err := c.Raw()
	if err != nil {
		return nil, err
	}
	queryer, ok := raw.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	rows, err := queryer.QueryContext(ctx, query, args)
	if err != nil {
		c.classify(err)
	}
	return rows, err
}

// Close resets any dirty connection state, cancels the leak timer, and
// returns the PoolEntry to the bag. Subsequent operations fail with
// ErrConnectionClosed. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dirty := c.dirty
	conn := c.entry.Conn()
	c.mu.Unlock()

	c.entry.CancelLeakTask()

	if dirty.any() {
		c.resetDirty(conn, dirty)
	}

	c.release(c.entry)
	return nil
}

func (c *Conn) resetDirty(conn driver.Conn, dirty DirtyBits) {
	type step struct {
		on func(driver.Conn) error
		do bool
	}
	for _, s := range []step{
		{c.reset.AutoCommit, dirty.AutoCommit},
		{c.reset.ReadOnly, dirty.ReadOnly},
		{c.reset.Isolation, dirty.Isolation},
		{c.reset.Catalog, dirty.Catalog},
		{c.reset.NetworkTimeout, dirty.NetworkTimeout},
	} {
		if s.do && s.on != nil {
			if err := s.on(conn); err != nil {
				c.classify(err)
			}
		}
	}
}

// classify marks the backing entry for eviction if err looks like a
// connection-level (as opposed to statement-level) failure: a closed pipe,
// a network error, or EOF from the wire. This mirrors the SQLSTATE 08xxx
// class the original spec calls out.
func (c *Conn) classify(err error) {
	if err == nil || !isFatal(err) {
		return
	}
	c.entry.MarkEvict()
	if c.markFatal != nil {
		c.markFatal(c.entry)
	}
}

func isFatal(err error) bool {
	if err == io.EOF || err == driver.ErrBadConn {
		return true
	}
	var netErr net.Error
	if ok := errorsAsNetError(err, &netErr); ok {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed network connection")
}

func errorsAsNetError(err error, target *net.Error) bool {
	type wrapper interface{ Unwrap() error }
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		w, ok := err.(wrapper)
		if !ok {
			return false
		}
		err = w.Unwrap()
	}
	return false
}
