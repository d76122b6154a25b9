package factory

import (
	"context"
	"testing"
	"time"
)

func TestFlakyFactorySucceedsAfterFailures(t *testing.T) {
	f := NewFlakyFactory(3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.Open(ctx); err == nil {
			t.Fatalf("attempt %d should have failed", i+1)
		}
	}

	conn, err := f.Open(ctx)
	if err != nil {
		t.Fatalf("4th attempt should succeed, got error = %v", err)
	}
	if conn == nil {
		t.Fatalf("expected a non-nil connection")
	}
	if f.Attempts() != 4 {
		t.Fatalf("expected 4 attempts, got %d", f.Attempts())
	}
}

func TestSelectExecutorPicksSyncForMySQL(t *testing.T) {
	cases := []struct {
		driverName, dsn string
		wantSync        bool
	}{
		{"mysql", "user:pass@tcp(localhost)/db", true},
		{"", "mysql://localhost/db", true},
		{"", "mariadb://localhost/db", true},
		{"postgres", "postgres://localhost/db", false},
	}
	for _, tc := range cases {
		exec := SelectExecutor(tc.driverName, tc.dsn)
		_, isSync := exec.(SyncExecutor)
		if isSync != tc.wantSync {
			t.Errorf("SelectExecutor(%q, %q) sync = %v, want %v", tc.driverName, tc.dsn, isSync, tc.wantSync)
		}
	}
}

func TestFakeConnPing(t *testing.T) {
	c := NewFakeConn()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("healthy conn should ping clean, got %v", err)
	}
	c.SetHealthy(false)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("unhealthy conn should fail Ping")
	}
}

func TestFlakyFactoryRespectsContextCancellation(t *testing.T) {
	f := NewFlakyFactory(0, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Open(ctx); err == nil {
		t.Fatalf("expected context deadline error")
	}
}
