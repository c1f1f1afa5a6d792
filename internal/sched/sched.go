// Package sched owns the cancellable timers used by the call session,
// connectivity monitor, segment coordinator and voice query. Components never
// touch time.Timer directly; they hold Handles and stop them on teardown so
// no callback outlives the session that scheduled it.
package sched

import (
	"sync"
	"time"
)

// Handle is a cancellable scheduled callback. Stop is idempotent and safe to
// call from the callback itself.
type Handle interface {
	Stop()
}

// Scheduler schedules one-shot and repeating callbacks.
type Scheduler interface {
	// After runs fn once after d.
	After(d time.Duration, fn func()) Handle
	// Every runs fn repeatedly with period d until the handle is stopped.
	Every(d time.Duration, fn func()) Handle
}

// Real returns the timer-backed Scheduler used outside of tests.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) After(d time.Duration, fn func()) Handle {
	t := time.AfterFunc(d, fn)
	return &timerHandle{t: t}
}

func (realScheduler) Every(d time.Duration, fn func()) Handle {
	h := &tickerHandle{done: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-h.done:
				return
			}
		}
	}()
	return h
}

type timerHandle struct {
	t *time.Timer
}

func (h *timerHandle) Stop() {
	h.t.Stop()
}

type tickerHandle struct {
	once sync.Once
	done chan struct{}
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() { close(h.done) })
}
