package config

import (
	"testing"
	"time"
)

func TestNewAppliesDefaultMinimumIdle(t *testing.T) {
	c, err := New(WithMaximumPoolSize(10))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.MinimumIdle != 10 {
		t.Fatalf("expected MinimumIdle to default to MaximumPoolSize, got %d", c.MinimumIdle)
	}
}

func TestValidateRejectsZeroMaximumPoolSize(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatalf("expected error for missing MaximumPoolSize")
	}
}

func TestValidateRejectsMinimumIdleOverMax(t *testing.T) {
	_, err := New(WithMaximumPoolSize(5), WithMinimumIdle(10))
	if err == nil {
		t.Fatalf("expected error for MinimumIdle > MaximumPoolSize")
	}
}

func TestValidateRejectsShortConnectionTimeout(t *testing.T) {
	_, err := New(WithMaximumPoolSize(5), WithConnectionTimeout(100*time.Millisecond))
	if err == nil {
		t.Fatalf("expected error for ConnectionTimeout < 250ms")
	}
}

func TestValidateRejectsValidationTimeoutOverConnectionTimeout(t *testing.T) {
	_, err := New(WithMaximumPoolSize(5), WithConnectionTimeout(time.Second), WithValidationTimeout(2*time.Second))
	if err == nil {
		t.Fatalf("expected error for ValidationTimeout > ConnectionTimeout")
	}
}

func TestValidateRejectsShortLeakDetectionThreshold(t *testing.T) {
	_, err := New(WithMaximumPoolSize(5), WithLeakDetectionThreshold(500*time.Millisecond))
	if err == nil {
		t.Fatalf("expected error for LeakDetectionThreshold in (0, 2s)")
	}
}

func TestValidateAcceptsDisabledLeakDetection(t *testing.T) {
	_, err := New(WithMaximumPoolSize(5), WithLeakDetectionThreshold(0))
	if err != nil {
		t.Fatalf("LeakDetectionThreshold=0 should be valid, got %v", err)
	}
}

func TestMinimumIdleZeroIsAllowed(t *testing.T) {
	c, err := New(WithMaximumPoolSize(5), WithMinimumIdle(0))
	if err != nil {
		t.Fatalf("MinimumIdle=0 should be valid, got %v", err)
	}
	if c.MinimumIdle != 0 {
		t.Fatalf("expected MinimumIdle 0, got %d", c.MinimumIdle)
	}
}
