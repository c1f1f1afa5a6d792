package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/agrivoice/callsync/internal/sched"
)

// FakeScheduler is a sched.Scheduler driven by explicit Advance calls, so
// timer-dependent behavior (connect delay, duration tick, poll cycle) runs
// deterministically in tests.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
	nextID int
}

type fakeTimer struct {
	id       int
	due      time.Duration
	period   time.Duration // 0 for one-shot
	fn       func()
	stopped  bool
	schedule *FakeScheduler
}

// NewFakeScheduler returns an empty scheduler at time zero.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{}
}

func (s *FakeScheduler) After(d time.Duration, fn func()) sched.Handle {
	return s.add(d, 0, fn)
}

func (s *FakeScheduler) Every(d time.Duration, fn func()) sched.Handle {
	return s.add(d, d, fn)
}

func (s *FakeScheduler) add(d, period time.Duration, fn func()) sched.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &fakeTimer{id: s.nextID, due: s.now + d, period: period, fn: fn, schedule: s}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() {
	t.schedule.mu.Lock()
	defer t.schedule.mu.Unlock()
	t.stopped = true
}

// Advance moves time forward by d, firing due callbacks in due order.
// Callbacks run without the scheduler lock held, so they may schedule or
// stop timers.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		t := s.earliestDueLocked(target)
		if t == nil {
			break
		}
		s.now = t.due
		if t.period > 0 {
			t.due += t.period
		} else {
			t.stopped = true
		}
		fn := t.fn
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.now = target
	s.compactLocked()
	s.mu.Unlock()
}

// earliestDueLocked returns the live timer with the smallest due time not
// after target, breaking ties by creation order.
func (s *FakeScheduler) earliestDueLocked(target time.Duration) *fakeTimer {
	live := make([]*fakeTimer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.stopped && t.due <= target {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due != live[j].due {
			return live[i].due < live[j].due
		}
		return live[i].id < live[j].id
	})
	return live[0]
}

func (s *FakeScheduler) compactLocked() {
	kept := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	s.timers = kept
}

// Pending reports the number of live timers, for leak assertions.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
