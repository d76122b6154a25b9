// Package housekeeper implements the pool's background maintenance task:
// idle/max-lifetime eviction, minimumIdle top-up, and clock-regression
// detection.
package housekeeper

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jasonkayzk/hikaripool/bag"
	"github.com/jasonkayzk/hikaripool/clock"
	"github.com/jasonkayzk/hikaripool/config"
	"github.com/jasonkayzk/hikaripool/entry"
)

// Controller is the slice of the pool controller the housekeeper needs.
// Keeping it as a small interface (rather than depending on the concrete
// pool type) avoids a housekeeper<->pool import cycle — the pool package
// imports housekeeper, not the other way around.
type Controller interface {
	Bag() *bag.Bag[*entry.PoolEntry]
	Config() *config.Config
	Clock() clock.Source
	Logger() *logrus.Entry
	TriggerCreate()
	CloseEntry(e *entry.PoolEntry, reason string)
	SoftEvictAll()
}

// HouseKeeper runs Controller's maintenance tick on its own goroutine,
// every Config().HousekeepingPeriod, until Stop is called.
type HouseKeeper struct {
	ctrl    Controller
	stop    chan struct{}
	done    chan struct{}
	prevNow int64
}

// New builds a HouseKeeper bound to ctrl. Call Start to begin ticking.
func New(ctrl Controller) *HouseKeeper {
	return &HouseKeeper{
		ctrl: ctrl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins the periodic tick loop on a new goroutine.
func (h *HouseKeeper) Start() {
	h.prevNow = h.ctrl.Clock().NowMillis()
	go h.loop()
}

// Stop signals the tick loop to exit and waits for it to do so.
func (h *HouseKeeper) Stop() {
	close(h.stop)
	<-h.done
}

func (h *HouseKeeper) loop() {
	defer close(h.done)
	period := h.ctrl.Config().HousekeepingPeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick runs one maintenance pass; exported for tests that want to drive it
// deterministically against a mock clock instead of waiting on a real timer.
func (h *HouseKeeper) Tick() {
	h.tick()
}

func (h *HouseKeeper) tick() {
	cfg := h.ctrl.Config()
	now := h.ctrl.Clock().NowMillis()
	log := h.ctrl.Logger()

	h.checkClockRegression(now, cfg.HousekeepingPeriod, cfg.AllowedClockBackwards, log)
	h.prevNow = now

	idleCount := 0
	for _, e := range h.ctrl.Bag().Values() {
		if e.State() != bag.StateNotInUse {
			continue
		}
		idleCount++

		expired := e.IsExpired(now)
		idleTooLong := cfg.IdleTimeout > 0 &&
			now-e.LastAccessed() > cfg.IdleTimeout.Milliseconds() &&
			h.totalCount() > cfg.MinimumIdle

		if !expired && !idleTooLong {
			continue
		}
		if !h.ctrl.Bag().Reserve(e) {
			continue // lost the race to a borrower
		}
		reason := "idle-timeout"
		if expired {
			reason = "max-lifetime"
		}
		h.ctrl.CloseEntry(e, reason)
		idleCount--
	}

	h.topUp(idleCount, cfg.MinimumIdle, log)
}

func (h *HouseKeeper) totalCount() int {
	return len(h.ctrl.Bag().Values())
}

func (h *HouseKeeper) topUp(idleCount, minimumIdle int, log *logrus.Entry) {
	need := minimumIdle - idleCount
	for i := 0; i < need; i++ {
		h.ctrl.TriggerCreate()
	}
	if need > 0 {
		log.Debugf("housekeeper: topping up %d connection(s) toward minimumIdle=%d", need, minimumIdle)
	}
}

func (h *HouseKeeper) checkClockRegression(now int64, period, tolerance time.Duration, log *logrus.Entry) {
	if h.prevNow == 0 {
		return
	}
	backward := h.prevNow - now
	forward := now - h.prevNow
	if backward > tolerance.Milliseconds() {
		log.Warnf("housekeeper: clock moved backwards by %dms, soft-evicting all connections", backward)
		h.ctrl.SoftEvictAll()
		return
	}
	if forward > period.Milliseconds()+tolerance.Milliseconds() {
		log.Warnf("housekeeper: clock jumped forward by %dms, soft-evicting all connections", forward)
		h.ctrl.SoftEvictAll()
	}
}
