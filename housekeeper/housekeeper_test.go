package housekeeper

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jasonkayzk/hikaripool/bag"
	"github.com/jasonkayzk/hikaripool/clock"
	"github.com/jasonkayzk/hikaripool/config"
	"github.com/jasonkayzk/hikaripool/entry"
)

type fakeController struct {
	mu         sync.Mutex
	b          *bag.Bag[*entry.PoolEntry]
	cfg        *config.Config
	clk        *clock.Mock
	log        *logrus.Entry
	creates    int
	closed     []*entry.PoolEntry
	softEvicts int
}

func newFakeController(cfg *config.Config) *fakeController {
	return &fakeController{
		b:   bag.New[*entry.PoolEntry](int(cfg.MaximumPoolSize)),
		cfg: cfg,
		clk: clock.NewMock(1_000_000),
		log: logrus.NewEntry(logrus.New()),
	}
}

func (f *fakeController) Bag() *bag.Bag[*entry.PoolEntry] { return f.b }
func (f *fakeController) Config() *config.Config          { return f.cfg }
func (f *fakeController) Clock() clock.Source              { return f.clk }
func (f *fakeController) Logger() *logrus.Entry            { return f.log }

func (f *fakeController) TriggerCreate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
}

func (f *fakeController) CloseEntry(e *entry.PoolEntry, reason string) {
	f.b.Remove(e)
	f.mu.Lock()
	f.closed = append(f.closed, e)
	f.mu.Unlock()
}

func (f *fakeController) SoftEvictAll() {
	f.mu.Lock()
	f.softEvicts++
	f.mu.Unlock()
	for _, e := range f.b.Values() {
		e.MarkEvict()
	}
}

func mustConfig(t *testing.T, opts ...config.Option) *config.Config {
	t.Helper()
	cfg, err := config.New(opts...)
	if err != nil {
		t.Fatalf("config.New() error = %v", err)
	}
	return cfg
}

func TestTickEvictsIdleEntriesAboveMinimum(t *testing.T) {
	cfg := mustConfig(t,
		config.WithMaximumPoolSize(10),
		config.WithMinimumIdle(1),
		config.WithIdleTimeout(time.Second),
	)
	ctrl := newFakeController(cfg)
	hk := New(ctrl)

	e1 := entry.New(ctrl.clk, nil, 0)
	e2 := entry.New(ctrl.clk, nil, 0)
	ctrl.b.Add(e1)
	ctrl.b.Add(e2)

	ctrl.clk.Advance(2 * time.Second)
	hk.Tick()

	if len(ctrl.closed) != 1 {
		t.Fatalf("expected exactly 1 entry evicted for idle-timeout above minimumIdle, got %d", len(ctrl.closed))
	}
}

func TestTickEvictsExpiredEntries(t *testing.T) {
	cfg := mustConfig(t, config.WithMaximumPoolSize(5), config.WithMinimumIdle(0))
	ctrl := newFakeController(cfg)
	hk := New(ctrl)

	e := entry.New(ctrl.clk, nil, time.Second)
	ctrl.b.Add(e)

	ctrl.clk.Advance(2 * time.Second)
	hk.Tick()

	if len(ctrl.closed) != 1 {
		t.Fatalf("expected the expired entry to be closed, got %d closed", len(ctrl.closed))
	}
}

func TestTickToppUpCallsTriggerCreate(t *testing.T) {
	cfg := mustConfig(t, config.WithMaximumPoolSize(5), config.WithMinimumIdle(3))
	ctrl := newFakeController(cfg)
	hk := New(ctrl)

	hk.Tick()

	if ctrl.creates != 3 {
		t.Fatalf("expected 3 TriggerCreate calls toward minimumIdle=3, got %d", ctrl.creates)
	}
}

func TestTickDetectsClockRegression(t *testing.T) {
	cfg := mustConfig(t, config.WithMaximumPoolSize(5), config.WithMinimumIdle(0),
		config.WithAllowedClockBackwards(50*time.Millisecond))
	ctrl := newFakeController(cfg)
	hk := New(ctrl)
	hk.prevNow = ctrl.clk.NowMillis()

	ctrl.clk.Set(ctrl.clk.NowMillis() - time.Second.Milliseconds())
	hk.Tick()

	if ctrl.softEvicts != 1 {
		t.Fatalf("expected a soft evict on clock regression, got %d", ctrl.softEvicts)
	}
}

func TestTickLeavesBorrowedEntriesAlone(t *testing.T) {
	cfg := mustConfig(t, config.WithMaximumPoolSize(5), config.WithMinimumIdle(0),
		config.WithIdleTimeout(time.Second))
	ctrl := newFakeController(cfg)
	hk := New(ctrl)

	e := entry.New(ctrl.clk, nil, 0)
	ctrl.b.Add(e)
	if !e.CompareAndSwap(bag.StateNotInUse, bag.StateInUse) {
		t.Fatalf("setup: expected to borrow entry")
	}

	ctrl.clk.Advance(2 * time.Second)
	hk.Tick()

	if len(ctrl.closed) != 0 {
		t.Fatalf("an in-use entry should never be evicted by housekeeping")
	}
}
