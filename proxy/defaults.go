package proxy

import "database/sql/driver"

// Optional per-connection capability interfaces a driver.Conn may
// implement. None of these are part of database/sql/driver's contract —
// Go's driver model handles autocommit/isolation via driver.ConnBeginTx
// options rather than JDBC-style setters — but some drivers expose them for
// pool-level reset. factory.FakeConn implements none of them.
type (
	AutoCommitSetter     interface{ SetAutoCommit(bool) error }
	ReadOnlySetter        interface{ SetReadOnly(bool) error }
	IsolationSetter        interface{ SetIsolation(int) error }
	CatalogSetter          interface{ SetCatalog(string) error }
	NetworkTimeoutSetter   interface{ SetNetworkTimeout(int) error }
)

// DefaultReset builds a Reset that resets each dirty bit only if the
// underlying driver.Conn opts in to the matching setter interface above;
// connections that don't implement any of them simply skip that reset.
func DefaultReset() Reset {
	return Reset{
		AutoCommit: func(conn driver.Conn) error {
			if s, ok := conn.(AutoCommitSetter); ok {
				return s.SetAutoCommit(true)
			}
			return nil
		},
		ReadOnly: func(conn driver.Conn) error {
			if s, ok := conn.(ReadOnlySetter); ok {
				return s.SetReadOnly(false)
			}
			return nil
		},
		Isolation: func(conn driver.Conn) error {
			if s, ok := conn.(IsolationSetter); ok {
				return s.SetIsolation(0)
			}
			return nil
		},
		Catalog: func(conn driver.Conn) error {
			if s, ok := conn.(CatalogSetter); ok {
				return s.SetCatalog("")
			}
			return nil
		},
		NetworkTimeout: func(conn driver.Conn) error {
			if s, ok := conn.(NetworkTimeoutSetter); ok {
				return s.SetNetworkTimeout(0)
			}
			return nil
		},
	}
}
