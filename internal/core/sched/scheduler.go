// Package sched owns every local timer: one-shot tasks, self-perpetuating
// daily chains, and long log-upload intervals whose next fire time is
// persisted so a reboot does not lose them. Nothing outside this package
// touches a timer handle.
package sched

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// persistThreshold is the interval length from which the next absolute fire
// time is written to persisted settings. A plain in-memory interval of that
// length would be lost to the nightly reboot and refire late.
const persistThreshold = 12 * time.Hour

// nextFireKeyPrefix namespaces the persisted next-fire settings keys.
const nextFireKeyPrefix = "sched.nextFire."

// Settings is the slice of the device settings surface the scheduler needs.
type Settings interface {
	Setting(key string) (string, bool)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

type entry struct {
	name  string
	at    time.Time
	timer Timer
}

type interval struct {
	name string
	stop chan struct{}
}

type Scheduler struct {
	mu        sync.Mutex
	clock     Clock
	entries   []*entry
	intervals map[string]*interval
	settings  Settings
	lg        zerolog.Logger
}

func New(clock Clock, settings Settings, lg zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:     clock,
		intervals: make(map[string]*interval),
		settings:  settings,
		lg:        lg.With().Str("component", "sched").Logger(),
	}
}

// ScheduleAt registers fn to run at the given time under name.
//
// A time already in the past rolls forward by exactly one day: a missed
// occurrence waits for the next one, it is never run immediately. Scheduling
// the same name for the identical instant is a no-op; the same name for a
// different instant cancels the earlier registration first (last wins).
func (s *Scheduler) ScheduleAt(name string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if at.Before(now) {
		at = at.AddDate(0, 0, 1)
	}

	for _, e := range s.entries {
		if e.name == name && e.at.Equal(at) {
			return
		}
	}
	s.cancelLocked(name)

	e := &entry{name: name, at: at}
	e.timer = s.clock.AfterFunc(at.Sub(now), func() { s.fire(e, fn) })
	s.entries = append(s.entries, e)
	s.lg.Debug().Str("task", name).Time("at", at).Msg("scheduled")
}

// fire runs outside the scheduler lock; fn may reschedule freely.
func (s *Scheduler) fire(e *entry, fn func()) {
	s.lg.Info().Str("task", e.name).Msg("task fired")
	fn()
	s.mu.Lock()
	s.removeLocked(e)
	s.mu.Unlock()
}

// ScheduleDaily runs fn every day at hour:min local time. The chain re-arms
// itself for the next calendar day on each fire, so a DST shift moves the
// fire with the wall clock instead of drifting.
func (s *Scheduler) ScheduleDaily(name string, hour, min int, fn func()) {
	now := s.clock.Now()
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	s.ScheduleAt(name, at, func() { s.dailyChain(name, hour, min, fn) })
}

func (s *Scheduler) dailyChain(name string, hour, min int, fn func()) {
	fn()
	fired := s.clock.Now()
	next := time.Date(fired.Year(), fired.Month(), fired.Day()+1, hour, min, 0, 0, fired.Location())
	s.ScheduleAt(name, next, func() { s.dailyChain(name, hour, min, fn) })
}

// ScheduleWeekly runs fn every week on the weekday of `at`, starting at `at`.
func (s *Scheduler) ScheduleWeekly(name string, at time.Time, fn func()) {
	s.ScheduleAt(name, at, func() {
		fn()
		s.ScheduleWeekly(name, at.AddDate(0, 0, 7), fn)
	})
}

// ScheduleInterval runs fn every `every`, gated on gate() at each tick.
//
// Intervals of 12h and up persist their next absolute fire time: on reboot,
// Resume picks the persisted instant back up instead of restarting the
// countdown. Shorter intervals are plain tickers and do not survive restart.
func (s *Scheduler) ScheduleInterval(name string, every time.Duration, gate func() bool, fn func()) {
	if every >= persistThreshold {
		s.schedulePersisted(name, every, gate, fn)
		return
	}

	s.mu.Lock()
	if old, ok := s.intervals[name]; ok {
		close(old.stop)
	}
	iv := &interval{name: name, stop: make(chan struct{})}
	s.intervals[name] = iv
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-iv.stop:
				return
			case <-t.C:
				if gate() {
					fn()
				}
			}
		}
	}()
}

func (s *Scheduler) schedulePersisted(name string, every time.Duration, gate func() bool, fn func()) {
	key := nextFireKeyPrefix + name
	now := s.clock.Now()

	next := now.Add(every)
	if raw, ok := s.settings.Setting(key); ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if persisted := time.Unix(unix, 0); persisted.After(now) {
				next = persisted
			}
		}
	}
	if err := s.settings.SetSetting(key, fmt.Sprint(next.Unix())); err != nil {
		s.lg.Error().Err(err).Str("task", name).Msg("persist next fire time")
	}

	s.mu.Lock()
	s.cancelLocked(name)
	e := &entry{name: name, at: next}
	e.timer = s.clock.AfterFunc(next.Sub(now), func() {
		s.mu.Lock()
		s.removeLocked(e)
		s.mu.Unlock()
		if gate() {
			fn()
		}
		// clear before re-arming so the recomputed next fire wins
		_ = s.settings.DeleteSetting(key)
		s.schedulePersisted(name, every, gate, fn)
	})
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.lg.Debug().Str("task", name).Time("at", next).Msg("persisted interval armed")
}

// Cancel removes every task and interval registered under name.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
	if iv, ok := s.intervals[name]; ok {
		close(iv.stop)
		delete(s.intervals, name)
	}
}

// Names returns the names of all pending one-shot tasks, for diffing.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.name)
	}
	return out
}

// FireTime returns the pending fire time for name, if scheduled.
func (s *Scheduler) FireTime(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return e.at, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) cancelLocked(name string) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.name == name {
			e.timer.Stop()
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
}

func (s *Scheduler) removeLocked(target *entry) {
	for i, e := range s.entries {
		if e == target {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}
