// Package hikari implements HikariPool: the public borrow/return engine
// that brokers a bounded set of pooled database connections between
// concurrent borrowers, on top of the bag (concurrent handoff structure),
// entry (pool entry state machine), proxy (user-facing connection wrapper)
// and housekeeper (idle/maxLifetime/minimumIdle maintenance) packages.
package hikari

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jasonkayzk/hikaripool/bag"
	"github.com/jasonkayzk/hikaripool/clock"
	"github.com/jasonkayzk/hikaripool/config"
	"github.com/jasonkayzk/hikaripool/entry"
	"github.com/jasonkayzk/hikaripool/errs"
	"github.com/jasonkayzk/hikaripool/factory"
	"github.com/jasonkayzk/hikaripool/housekeeper"
	"github.com/jasonkayzk/hikaripool/metrics"
	"github.com/jasonkayzk/hikaripool/proxy"
)

// poolState is the controller's own lifecycle, distinct from (and coarser
// than) any single PoolEntry's state.
type poolState int32

const (
	stateNormal poolState = iota
	stateSuspended
	stateShutdown
)

const (
	addQueueCapacity   = 64
	closeQueueCapacity = 64
	maxCreateBackoff   = 10 * time.Second
)

// HikariPool is the pool controller: the public surface borrowers and
// operators use.
type HikariPool struct {
	cfg     *config.Config
	clk     clock.Source
	factory factory.Factory
	sink    metrics.Sink
	netExec factory.Executor
	log     *logrus.Entry

	bag   *bag.Bag[*entry.PoolEntry]
	total atomic.Int32

	state       atomic.Int32
	suspendMu   sync.Mutex
	suspendGate chan struct{}

	lastFailure atomic.Value // error

	// shutdownMu guards every send on addCh/closeCh against Close() closing
	// those channels concurrently. Close() takes the write lock just long
	// enough to flip state to stateShutdown; sync.RWMutex's writer-blocks-
	// new-readers guarantee means any TriggerCreate/scheduleClose call whose
	// RLock finishes acquiring after that point is guaranteed to observe
	// stateShutdown and skip the send, while any send already in flight when
	// Close() called Lock() is guaranteed to finish (and thus never race the
	// later close(addCh)/close(closeCh)) before Close() proceeds.
	shutdownMu sync.RWMutex

	addCh     chan struct{}
	closeCh   chan *entry.PoolEntry
	workerWG  sync.WaitGroup
	closeOnce sync.Once

	hk *housekeeper.HouseKeeper
}

// PoolOption customizes a HikariPool at construction time, beyond what
// config.Config exposes. Currently only used to inject a clock.Source for
// tests.
type PoolOption func(*HikariPool)

// WithClock overrides the pool's clock source; production callers never
// need this (it defaults to clock.Real{}), but it lets tests stub time
// deterministically, per the injection point called out in the design
// notes on avoiding wall-clock durations.
func WithClock(clk clock.Source) PoolOption {
	return func(p *HikariPool) { p.clk = clk }
}

// New builds and starts a HikariPool: it fills MinimumIdle connections,
// starts the addConnection/closeConnection worker goroutines, and starts
// the housekeeper. sink may be nil: if cfg.RegisterMetrics is true a
// PrometheusSink is registered against the default registerer, otherwise
// metrics.NoopSink is used. Passing a non-nil sink always takes precedence
// over cfg.RegisterMetrics.
func New(cfg *config.Config, f factory.Factory, sink metrics.Sink, opts ...PoolOption) (*HikariPool, error) {
	if cfg == nil {
		return nil, errors.New("hikari: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("hikari: nil factory")
	}
	if sink == nil {
		if cfg.RegisterMetrics {
			sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, cfg.PoolName)
		} else {
			sink = metrics.NoopSink{}
		}
	}

	p := &HikariPool{
		cfg:     cfg,
		clk:     clock.Real{},
		factory: f,
		sink:    sink,
		netExec: factory.SelectExecutor("", cfg.DSN),
		log:     logrus.WithField("component", "hikaripool").WithField("pool", cfg.PoolName),
		bag:     bag.New[*entry.PoolEntry](cfg.MaximumPoolSize),
		addCh:   make(chan struct{}, addQueueCapacity),
		closeCh: make(chan *entry.PoolEntry, closeQueueCapacity),
	}
	p.state.Store(int32(stateNormal))
	p.suspendGate = make(chan struct{})
	close(p.suspendGate) // closed == "not suspended", consistent with ResumePool's contract

	for _, opt := range opts {
		opt(p)
	}

	p.workerWG.Add(2)
	go p.addConnectionWorker()
	go p.closeConnectionWorker()

	for i := 0; i < cfg.MinimumIdle; i++ {
		if err := p.createEntry(context.Background()); err != nil {
			_ = p.Close()
			return nil, errors.Wrap(err, "hikari: failed to fill initial pool")
		}
	}

	p.hk = housekeeper.New(p)
	p.hk.Start()

	return p, nil
}

// ---- Controller interface, used by housekeeper.HouseKeeper ----

func (p *HikariPool) Bag() *bag.Bag[*entry.PoolEntry] { return p.bag }
func (p *HikariPool) Config() *config.Config          { return p.cfg }
func (p *HikariPool) Clock() clock.Source             { return p.clk }
func (p *HikariPool) Logger() *logrus.Entry           { return p.log }

func (p *HikariPool) TriggerCreate() {
	p.shutdownMu.RLock()
	defer p.shutdownMu.RUnlock()
	if poolState(p.state.Load()) == stateShutdown {
		return
	}
	select {
	case p.addCh <- struct{}{}:
	default:
	}
}

// CloseEntry is called by the housekeeper on an entry it has already
// Reserve()'d; it removes the entry from the bag and closes the raw
// connection off the caller's path.
func (p *HikariPool) CloseEntry(e *entry.PoolEntry, reason string) {
	if !p.bag.Remove(e) {
		p.bag.Unreserve(e)
		return
	}
	p.total.Add(-1)
	p.log.WithField("entry", e.ID).Debugf("closing pool entry (%s)", reason)
	p.scheduleClose(e)
}

func (p *HikariPool) SoftEvictAll() {
	for _, e := range p.bag.Values() {
		e.MarkEvict()
	}
}

// ---- Public API ----

type borrowerTokenKey struct{}

// WithBorrowerToken attaches a stable caller identity to ctx so the bag's
// thread-local cache can prefer recently-released entries for this caller.
// Purely an optimization; correctness never depends on it.
func WithBorrowerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, borrowerTokenKey{}, token)
}

func borrowerToken(ctx context.Context) string {
	if v, ok := ctx.Value(borrowerTokenKey{}).(string); ok {
		return v
	}
	return ""
}

// GetConnection borrows a connection from the pool, bounded by both ctx and
// cfg.ConnectionTimeout (whichever is sooner).
func (p *HikariPool) GetConnection(ctx context.Context) (*proxy.Conn, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	token := borrowerToken(ctx)

	for {
		switch poolState(p.state.Load()) {
		case stateShutdown:
			return nil, errs.NewDefaultClosedErr()
		case stateSuspended:
			if err := p.awaitResume(ctx, deadline); err != nil {
				return nil, err
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.sink.IncTimeout()
			return nil, p.timeoutErr()
		}

		if p.bag.Count(bag.StateNotInUse) == 0 && int(p.total.Load()) < p.cfg.MaximumPoolSize {
			p.TriggerCreate()
		}

		bctx, cancel := context.WithDeadline(ctx, deadline)
		e, err := p.bag.Borrow(bctx, token)
		cancel()
		if err != nil {
			if last := p.LastConnectionFailure(); last != nil && p.total.Load() == 0 {
				return nil, errs.NewConnectionFailureErr(last)
			}
			p.sink.IncTimeout()
			return nil, p.timeoutErr()
		}

		now := p.clk.NowMillis()
		if p.isStale(e, now) {
			if !p.revalidate(ctx, e, now) {
				p.evictInUse(e, "stale")
				p.TriggerCreate()
				continue
			}
		}

		e.MarkBorrowed(now)
		if p.cfg.LeakDetectionThreshold > 0 {
			e.ScheduleLeakTask(p.cfg.LeakDetectionThreshold, p.onLeak)
		}
		p.sink.ObserveWait(time.Since(start))
		p.publishCounts()

		return proxy.New(e, p.connReset(), p.releaseFunc(token), p.markFatal), nil
	}
}

// isStale reports whether e needs a closer look before being handed out:
// either it is past its end-of-life, or it has been idle long enough that
// the alive-bypass window no longer applies.
func (p *HikariPool) isStale(e *entry.PoolEntry, now int64) bool {
	if e.IsExpired(now) {
		return true
	}
	if e.ShouldEvict() {
		return true
	}
	return now-e.LastAccessed() > p.cfg.AliveBypassWindow.Milliseconds()
}

// revalidate runs the aliveness probe (and the expiry check again, since
// isStale's first expiry check may have been true specifically because of
// staleness rather than age) and reports whether e is still good to hand out.
func (p *HikariPool) revalidate(ctx context.Context, e *entry.PoolEntry, now int64) bool {
	if e.IsExpired(now) {
		return false
	}
	if e.ShouldEvict() {
		return false
	}
	return p.probeAlive(ctx, e)
}

func (p *HikariPool) probeAlive(ctx context.Context, e *entry.PoolEntry) bool {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()

	if pinger, ok := e.Conn().(driver.Pinger); ok {
		return pinger.Ping(pctx) == nil
	}
	if p.cfg.ConnectionTestQuery == "" {
		// No Ping support and no fallback query configured: trust the entry.
		return true
	}
	queryer, ok := e.Conn().(driver.QueryerContext)
	if !ok {
		return true
	}
	_, err := queryer.QueryContext(pctx, p.cfg.ConnectionTestQuery, nil)
	return err == nil
}

// evictInUse removes an entry this goroutine currently holds InUse (either
// because it just failed revalidation, or via EvictConnection on a borrowed
// connection), closing it off the caller's path.
func (p *HikariPool) evictInUse(e *entry.PoolEntry, reason string) {
	if !p.bag.Remove(e) {
		return
	}
	p.total.Add(-1)
	p.log.WithField("entry", e.ID).Debugf("evicting checked-out pool entry (%s)", reason)
	p.scheduleClose(e)
}

func (p *HikariPool) releaseFunc(token string) func(*entry.PoolEntry) {
	return func(e *entry.PoolEntry) {
		e.CancelLeakTask()
		now := p.clk.NowMillis()
		e.Touch(now)
		p.sink.ObserveUsage(time.Since(time.UnixMilli(e.LastOpenTime())))

		if poolState(p.state.Load()) == stateShutdown || e.ShouldEvict() || e.IsExpired(now) {
			p.evictInUse(e, "release")
			p.publishCounts()
			return
		}
		p.bag.Requite(e, token)
		p.publishCounts()
	}
}

// connReset builds the dirty-bit reset table for a freshly borrowed
// connection. NetworkTimeout resets are dispatched through netExec, which
// runs them on the caller goroutine for MySQL/MariaDB DSNs (a known driver
// deadlock workaround) and on a background goroutine otherwise.
func (p *HikariPool) connReset() proxy.Reset {
	r := proxy.DefaultReset()
	r.NetworkTimeout = func(conn driver.Conn) error {
		p.netExec.Execute(func() {
			if s, ok := conn.(proxy.NetworkTimeoutSetter); ok {
				if err := s.SetNetworkTimeout(0); err != nil {
					p.log.WithError(err).Debug("setNetworkTimeout reset failed")
				}
			}
		})
		return nil
	}
	return r
}

func (p *HikariPool) markFatal(e *entry.PoolEntry) {
	e.MarkEvict()
}

func (p *HikariPool) onLeak(e *entry.PoolEntry, stack []byte) {
	p.log.WithField("entry", e.ID).Warnf("connection leak detected, borrowed goroutine stack:\n%s", stack)
}

// Close drains the pool, rejects new acquisitions, and closes every
// connection. Idempotent.
func (p *HikariPool) Close() error {
	p.closeOnce.Do(func() {
		p.shutdownMu.Lock()
		p.state.Store(int32(stateShutdown))
		p.shutdownMu.Unlock()

		p.suspendMu.Lock()
		p.resumeLocked() // release anyone parked on the suspension gate
		p.suspendMu.Unlock()

		if p.hk != nil {
			p.hk.Stop()
		}

		for _, e := range p.bag.Values() {
			switch e.State() {
			case bag.StateNotInUse:
				if p.bag.Reserve(e) {
					p.CloseEntry(e, "pool-close")
				}
			default:
				// InUse or Reserved by someone else: mark for eviction so the
				// release path tears it down instead of requiting it.
				e.MarkEvict()
			}
		}

		close(p.addCh)
		close(p.closeCh)
		p.workerWG.Wait()
	})
	return nil
}

// EvictConnection marks the entry backing conn for eviction; if the entry
// is currently idle the eviction happens immediately, otherwise it happens
// when conn is Closed.
func (p *HikariPool) EvictConnection(conn *proxy.Conn) {
	e := conn.Entry()
	e.MarkEvict()
	if e.State() == bag.StateNotInUse && p.bag.Reserve(e) {
		p.CloseEntry(e, "manual-evict")
	}
}

// SoftEvictConnections marks every entry for eviction without interrupting
// any borrower currently holding one.
func (p *HikariPool) SoftEvictConnections() {
	p.SoftEvictAll()
}

// SuspendPool blocks new acquisitions (without failing them) until
// ResumePool is called. Requires cfg.AllowPoolSuspension.
func (p *HikariPool) SuspendPool() error {
	if !p.cfg.AllowPoolSuspension {
		return errors.New("hikari: pool suspension is not enabled (AllowPoolSuspension=false)")
	}
	p.suspendMu.Lock()
	defer p.suspendMu.Unlock()
	if poolState(p.state.Load()) == stateShutdown {
		return errs.NewDefaultClosedErr()
	}
	p.state.Store(int32(stateSuspended))
	p.suspendGate = make(chan struct{})
	return nil
}

// ResumePool releases any acquisitions blocked by SuspendPool.
func (p *HikariPool) ResumePool() error {
	p.suspendMu.Lock()
	defer p.suspendMu.Unlock()
	if poolState(p.state.Load()) == stateShutdown {
		return errs.NewDefaultClosedErr()
	}
	p.resumeLocked()
	return nil
}

func (p *HikariPool) resumeLocked() {
	if poolState(p.state.Load()) == stateSuspended {
		p.state.Store(int32(stateNormal))
	}
	select {
	case <-p.suspendGate:
		// already closed (e.g. double resume, or pool was never suspended)
	default:
		close(p.suspendGate)
	}
}

func (p *HikariPool) awaitResume(ctx context.Context, deadline time.Time) error {
	p.suspendMu.Lock()
	gate := p.suspendGate
	p.suspendMu.Unlock()

	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	select {
	case <-gate:
		return nil
	case <-wctx.Done():
		return errs.NewSuspendedErr("pool is suspended")
	}
}

// ---- observability ----

func (p *HikariPool) ActiveConnections() int {
	return p.bag.Count(bag.StateInUse)
}

func (p *HikariPool) IdleConnections() int {
	return p.bag.Count(bag.StateNotInUse)
}

func (p *HikariPool) TotalConnections() int {
	return int(p.total.Load())
}

func (p *HikariPool) ThreadsAwaitingConnection() int32 {
	return p.bag.WaitingCount()
}

func (p *HikariPool) LastConnectionFailure() error {
	if v := p.lastFailure.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (p *HikariPool) publishCounts() {
	p.sink.SetCounts(p.ActiveConnections(), p.IdleConnections(), p.ThreadsAwaitingConnection(), p.TotalConnections())
}

func (p *HikariPool) timeoutErr() errs.TimeoutErr {
	snap := errs.Snapshot{
		Active:  p.ActiveConnections(),
		Idle:    p.IdleConnections(),
		Waiting: p.ThreadsAwaitingConnection(),
		Total:   p.TotalConnections(),
	}
	return errs.NewTimeoutErr("connection is not available", snap, p.LastConnectionFailure())
}

// ---- connection lifecycle workers ----

func (p *HikariPool) createEntry(ctx context.Context) error {
	if int(p.total.Load()) >= p.cfg.MaximumPoolSize {
		return nil
	}
	start := time.Now()
	conn, err := p.factory.Open(ctx)
	if err != nil {
		p.lastFailure.Store(err)
		return err
	}
	p.sink.ObserveCreation(time.Since(start))

	e := entry.New(p.clk, conn, p.cfg.MaxLifetime)
	if p.cfg.ConnectionInitSQL != "" {
		p.runInitSQL(ctx, conn)
	}
	p.bag.Add(e)
	p.total.Add(1)
	p.publishCounts()
	return nil
}

func (p *HikariPool) runInitSQL(ctx context.Context, conn driver.Conn) {
	queryer, ok := conn.(driver.QueryerContext)
	if !ok {
		return
	}
	if _, err := queryer.QueryContext(ctx, p.cfg.ConnectionInitSQL, nil); err != nil {
		p.log.WithError(err).Warn("connectionInitSql failed")
	}
}

// addConnectionWorker is the pool's single connection-creation goroutine:
// it serializes all connection creation so a flaky or slow factory never
// stacks up concurrent dial attempts. Each TriggerCreate signal corresponds
// to one connection the pool wants; on failure the worker retries that same
// want with backoff (rather than waiting for another external trigger) so
// a borrower blocked on an empty, factory-flaky pool still eventually gets
// served, as long as capacity allows another attempt.
func (p *HikariPool) addConnectionWorker() {
	defer p.workerWG.Done()
	for range p.addCh {
		var attempt int
		for {
			if poolState(p.state.Load()) == stateShutdown {
				break
			}
			if int(p.total.Load()) >= p.cfg.MaximumPoolSize {
				break
			}
			if err := p.createEntry(context.Background()); err != nil {
				attempt++
				backoff := 200 * time.Millisecond
				for i := 1; i < attempt && backoff < maxCreateBackoff; i++ {
					backoff *= 2
				}
				if backoff > maxCreateBackoff {
					backoff = maxCreateBackoff
				}
				p.log.WithError(err).Debugf("connection creation failed, backing off %s", backoff)
				time.Sleep(backoff)
				continue
			}
			break
		}
	}
}

func (p *HikariPool) closeConnectionWorker() {
	defer p.workerWG.Done()
	for e := range p.closeCh {
		if err := e.Conn().Close(); err != nil {
			p.log.WithError(err).WithField("entry", e.ID).Debug("error closing evicted connection")
		}
	}
}

func (p *HikariPool) scheduleClose(e *entry.PoolEntry) {
	p.shutdownMu.RLock()
	defer p.shutdownMu.RUnlock()

	if poolState(p.state.Load()) == stateShutdown {
		// Close() is draining (or has drained) closeCh's reader and is about
		// to close the channel; close synchronously instead of racing it.
		if err := e.Conn().Close(); err != nil {
			p.log.WithError(err).WithField("entry", e.ID).Debug("error closing evicted connection")
		}
		return
	}

	select {
	case p.closeCh <- e:
	default:
		// closeCh is unbounded in intent but channel-backed with a generous
		// buffer; if it's momentarily full, close synchronously rather than
		// drop the connection.
		if err := e.Conn().Close(); err != nil {
			p.log.WithError(err).WithField("entry", e.ID).Debug("error closing evicted connection")
		}
	}
}

var _ fmt.Stringer = poolState(0)

func (s poolState) String() string {
	switch s {
	case stateNormal:
		return "NORMAL"
	case stateSuspended:
		return "SUSPENDED"
	case stateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}
