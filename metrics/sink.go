// Package metrics defines the MetricsSink contract the pool reports to,
// plus a no-op default and a Prometheus-backed implementation.
package metrics

import "time"

// Sink receives pool telemetry. Every method must be safe to call from
// any goroutine and must never block the caller on I/O.
type Sink interface {
	ObserveWait(d time.Duration)
	ObserveUsage(d time.Duration)
	ObserveCreation(d time.Duration)
	IncTimeout()
	SetCounts(active, idle int, waiting int32, total int)
}

// NoopSink discards everything. It mirrors HikariCP's MetricsTracker
// "do nothing" base implementation, and is the default when no sink is
// configured.
type NoopSink struct{}

func (NoopSink) ObserveWait(time.Duration)                       {}
func (NoopSink) ObserveUsage(time.Duration)                       {}
func (NoopSink) ObserveCreation(time.Duration)                    {}
func (NoopSink) IncTimeout()                                      {}
func (NoopSink) SetCounts(active, idle int, waiting int32, total int) {}

var _ Sink = NoopSink{}
