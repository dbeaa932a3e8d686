// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package scheduler executes tasks once or periodically after some delay,
// following the behaviour of the Akka scheduler: periodic jobs come in a
// precise fixed-rate flavour that compensates time drift and an imprecise
// fixed-delay flavour that does not.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/chouette-iot/chouette/pkg/util/log"
)

// Cancellable is a handle of a delayed task. For periodic jobs its timer is
// replaced on every run from a timer goroutine, so the timer update is
// serialized with Cancel by a mutex: without it Cancel could stop an expired
// timer in the middle of a rearm and leave a fresh, uncancelled timer
// running.
type Cancellable struct {
	mu        sync.Mutex
	cancelled bool
	timer     *clock.Timer
}

// IsCancelled reports whether Cancel already succeeded.
func (c *Cancellable) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Cancel stops the underlying timer and prevents any further firings.
// It returns true only for the call that transitioned the Cancellable to
// the cancelled state; repeated calls return false, consistent with the
// Cancellable contract of Akka.
func (c *Cancellable) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancelled {
		return false
	}
	c.cancelled = true
	return true
}

// setTimer arms the Cancellable with the timer of the next firing.
// A cancelled Cancellable must not be rearmed.
func (c *Cancellable) setTimer(timer *clock.Timer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		log.Errorf("An attempt to update a timer for a stopped Cancellable happened.")
		return false
	}
	c.timer = timer
	return true
}

// Scheduler creates Cancellable timers on top of a clock. Production code
// uses the real clock; tests inject clock.NewMock().
type Scheduler struct {
	clock clock.Clock
}

// New returns a Scheduler backed by the system clock.
func New() *Scheduler {
	return NewWithClock(clock.New())
}

// NewWithClock returns a Scheduler backed by the given clock.
func NewWithClock(c clock.Clock) *Scheduler {
	return &Scheduler{clock: c}
}

// ScheduleOnce runs task exactly once after delay.
func (s *Scheduler) ScheduleOnce(delay time.Duration, task func()) *Cancellable {
	cancellable := &Cancellable{}
	cancellable.timer = s.clock.AfterFunc(delay, func() {
		if cancellable.IsCancelled() {
			return
		}
		runTask(task)
	})
	return cancellable
}

// ScheduleAtFixedRate runs task every interval, compensating time drift so
// that firings stay on the t0 + k*interval grid. A run that overlaps the
// next period is absorbed into the drift calculation; missed ticks are not
// replayed.
func (s *Scheduler) ScheduleAtFixedRate(initialDelay time.Duration, interval time.Duration, task func()) *Cancellable {
	return s.schedulePeriodically(initialDelay, interval, task, true)
}

// ScheduleWithFixedDelay runs task with exactly delay between the end of
// one run and the start of the next, so the average rate is slower than
// 1/delay by the mean run time of the task.
func (s *Scheduler) ScheduleWithFixedDelay(initialDelay time.Duration, delay time.Duration, task func()) *Cancellable {
	return s.schedulePeriodically(initialDelay, delay, task, false)
}

func (s *Scheduler) schedulePeriodically(initialDelay time.Duration, interval time.Duration, task func(), precise bool) *Cancellable {
	cancellable := &Cancellable{}
	started := s.clock.Now().Add(initialDelay)

	var fire func()
	fire = func() {
		if cancellable.IsCancelled() {
			return
		}
		// First-tick guard: a firing that lands before the scheduled
		// start skips the task but still rearms onto the grid.
		if s.clock.Now().After(started) {
			if !runTask(task) {
				log.Errorf("Stopping periodic job because of a panic.")
				return
			}
		}
		var delay time.Duration
		now := s.clock.Now()
		if precise || now.Before(started) {
			drift := now.Sub(started) % interval
			if drift < 0 {
				drift += interval
			}
			delay = interval - drift
		} else {
			delay = interval
		}
		timer := s.clock.AfterFunc(delay, fire)
		if !cancellable.setTimer(timer) {
			timer.Stop()
		}
	}

	timer := s.clock.AfterFunc(initialDelay, fire)
	if !cancellable.setTimer(timer) {
		timer.Stop()
	}
	return cancellable
}

// runTask executes the task and reports whether it completed without
// panicking. Recoverable errors are the task's own business; a panic
// terminates the periodic chain.
func runTask(task func()) (completed bool) {
	defer func() {
		if reason := recover(); reason != nil {
			log.Errorf("Scheduled task panicked: %v.", reason)
			completed = false
		}
	}()
	task()
	return true
}
