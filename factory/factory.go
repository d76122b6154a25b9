// Package factory defines the ConnectionFactory contract the pool uses to
// create raw connections, plus a database/sql/driver-backed default
// implementation and the MySQL network-timeout executor workaround for a
// known driver deadlock when SetNetworkTimeout's callback runs off-goroutine.
package factory

import (
	"context"
	"database/sql/driver"
	"strings"
)

// Factory creates raw driver connections on demand. It is the pool's only
// collaborator for actually talking to a database; everything else in this
// module is driver-agnostic.
type Factory interface {
	Open(ctx context.Context) (driver.Conn, error)
}

// ConnectorFactory adapts a database/sql/driver.Connector — the standard
// library's own connection-creation abstraction — into a Factory.
type ConnectorFactory struct {
	connector driver.Connector
}

// NewConnectorFactory wraps an existing driver.Connector (as returned by a
// driver.DriverContext, or hand-built for a specific driver.Driver + DSN).
func NewConnectorFactory(connector driver.Connector) *ConnectorFactory {
	return &ConnectorFactory{connector: connector}
}

// Open implements Factory.
func (f *ConnectorFactory) Open(ctx context.Context) (driver.Conn, error) {
	return f.connector.Connect(ctx)
}

// FuncFactory adapts a plain function into a Factory, for tests and simple
// drivers that don't need the full driver.Connector machinery.
type FuncFactory func(ctx context.Context) (driver.Conn, error)

// Open implements Factory.
func (f FuncFactory) Open(ctx context.Context) (driver.Conn, error) {
	return f(ctx)
}

// Executor runs a callback, possibly asynchronously. It exists to work
// around a MySQL driver bug where dispatching SetNetworkTimeout's callback
// onto another goroutine can deadlock the driver; see SelectExecutor.
type Executor interface {
	Execute(fn func())
}

// SyncExecutor runs fn on the calling goroutine.
type SyncExecutor struct{}

// Execute implements Executor.
func (SyncExecutor) Execute(fn func()) { fn() }

// PooledExecutor runs fn on a new background goroutine per call; the number
// of such goroutines is not bounded.
type PooledExecutor struct{}

// Execute implements Executor.
func (PooledExecutor) Execute(fn func()) { go fn() }

// SelectExecutor picks SyncExecutor for MySQL/MariaDB-flavored DSNs (scheme
// prefix "mysql:" or "mariadb:", or a driver name containing "mysql"),
// mirroring PoolUtilities.createNetworkTimeoutExecutor's MySQL bug
// workaround, and PooledExecutor otherwise.
func SelectExecutor(driverName, dsn string) Executor {
	lowerDriver := strings.ToLower(driverName)
	lowerDSN := strings.ToLower(dsn)
	if strings.Contains(lowerDriver, "mysql") ||
		strings.HasPrefix(lowerDSN, "mysql:") ||
		strings.HasPrefix(lowerDSN, "mariadb:") {
		return SyncExecutor{}
	}
	return PooledExecutor{}
}
