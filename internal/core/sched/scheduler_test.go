package sched

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage-agent/internal/core/device"
	"signage-agent/internal/core/status"
)

// -------- fake clock --------

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// advance moves the clock and fires due timers in order, letting fired tasks
// register new timers along the way.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeClock, *device.Fake) {
	t.Helper()
	clock := newFakeClock()
	dev := device.NewFake("SER-1")
	return New(clock, dev, zerolog.Nop()), clock, dev
}

// -------- ScheduleAt --------

func TestScheduleAtDedupIdenticalNameAndTime(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	at := clock.Now().Add(time.Hour)

	var fired int
	s.ScheduleAt("task", at, func() { fired++ })
	s.ScheduleAt("task", at, func() { fired++ })

	require.Len(t, s.Names(), 1)
	clock.advance(2 * time.Hour)
	assert.Equal(t, 1, fired)
}

func TestScheduleAtSameNameDifferentTimeLastWins(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	first := clock.Now().Add(time.Hour)
	second := clock.Now().Add(3 * time.Hour)

	var firstRan, secondRan bool
	s.ScheduleAt("task", first, func() { firstRan = true })
	s.ScheduleAt("task", second, func() { secondRan = true })

	require.Len(t, s.Names(), 1)
	got, ok := s.FireTime("task")
	require.True(t, ok)
	assert.Equal(t, second, got)

	clock.advance(4 * time.Hour)
	assert.False(t, firstRan)
	assert.True(t, secondRan)
}

func TestScheduleAtPastTimeRollsForwardOneDay(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	missed := clock.Now().Add(-2 * time.Hour)

	s.ScheduleAt("task", missed, func() {})

	got, ok := s.FireTime("task")
	require.True(t, ok)
	assert.Equal(t, missed.AddDate(0, 0, 1), got)
}

func TestScheduleAtRemovesEntryAfterFire(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	s.ScheduleAt("task", clock.Now().Add(time.Minute), func() {})
	clock.advance(2 * time.Minute)
	assert.Empty(t, s.Names())
}

func TestCancelByName(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	var fired bool
	s.ScheduleAt("task", clock.Now().Add(time.Minute), func() { fired = true })
	s.Cancel("task")
	clock.advance(time.Hour)
	assert.False(t, fired)
	assert.Empty(t, s.Names())
}

// -------- daily chain --------

func TestScheduleDailyRearmsItself(t *testing.T) {
	s, clock, _ := newTestScheduler(t)

	var runs int
	s.ScheduleDaily("nightly", 13, 0, func() { runs++ })

	clock.advance(3*24*time.Hour + 2*time.Hour)
	assert.Equal(t, 4, runs) // today 13:00 plus three following days

	_, stillScheduled := s.FireTime("nightly")
	assert.True(t, stillScheduled)
}

// -------- persisted long intervals --------

func TestPersistedIntervalResumesAcrossRestart(t *testing.T) {
	clock := newFakeClock()
	dev := device.NewFake("SER-1")
	s := New(clock, dev, zerolog.Nop())

	gate := func() bool { return true }
	s.ScheduleInterval("logs", 24*time.Hour, gate, func() {})

	persisted, ok := dev.Setting("sched.nextFire.logs")
	require.True(t, ok)

	// simulate a reboot two hours later: fresh scheduler, same settings
	clock.advance(2 * time.Hour)
	s2 := New(clock, dev, zerolog.Nop())
	s2.ScheduleInterval("logs", 24*time.Hour, gate, func() {})

	got, found := s2.FireTime("logs")
	require.True(t, found)
	assert.Equal(t, persisted, fmt.Sprint(got.Unix()), "resumed at the persisted instant, not now+interval")
}

func TestShortIntervalNotPersisted(t *testing.T) {
	clock := newFakeClock()
	dev := device.NewFake("SER-1")
	s := New(clock, dev, zerolog.Nop())
	defer s.Cancel("logs")

	s.ScheduleInterval("logs", 30*time.Minute, func() bool { return false }, func() {})
	_, ok := dev.Setting("sched.nextFire.logs")
	assert.False(t, ok)
}

// -------- maintenance: reboot jitter --------

func TestRebootJitterStaysInWindow(t *testing.T) {
	const window = 10 * time.Minute
	for i := 0; i < 50; i++ {
		s, clock, dev := newTestScheduler(t)
		board := status.New()
		m := NewMaintenance(s, dev, board, window, func() {}, zerolog.Nop())

		m.ApplyRebootTime("23:30")

		got, ok := s.FireTime("daily reboot")
		require.True(t, ok)
		now := clock.Now()
		configured := time.Date(now.Year(), now.Month(), now.Day(), 23, 30, 0, 0, now.Location())
		assert.False(t, got.Before(configured), "fires before configured time")
		assert.True(t, got.Before(configured.Add(window)), "fires past the jitter window")
	}
}

// -------- maintenance: on/off timers --------

func TestOnOffTimerUUIDIsPure(t *testing.T) {
	a := OnOffTimer{Days: []string{"Mon", "Tue"}, OnTime: "08:00", OffTime: "20:00"}
	b := OnOffTimer{Days: []string{"Tue", "Mon"}, OnTime: "08:00", OffTime: "20:00"}
	c := OnOffTimer{Days: []string{"Mon", "Tue"}, OnTime: "08:00", OffTime: "21:00"}

	assert.Equal(t, a.UUID(), a.UUID())
	assert.Equal(t, a.UUID(), b.UUID(), "day order must not change identity")
	assert.NotEqual(t, a.UUID(), c.UUID())
}

func TestApplyOnOffTimersExpandsPerDay(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	board := status.New()
	dev := device.NewFake("SER-1")
	m := NewMaintenance(s, dev, board, 0, func() {}, zerolog.Nop())

	m.ApplyOnOffTimers([]OnOffTimer{{Days: []string{"Mon", "Wed"}, OnTime: "08:00", OffTime: "20:00"}})

	names := s.Names()
	sort.Strings(names)
	assert.Equal(t, []string{
		"turn display off 20:00-Mon",
		"turn display off 20:00-Wed",
		"turn display on 08:00-Mon",
		"turn display on 08:00-Wed",
	}, names)
}

func TestApplyOnOffTimersDiffKeepsUnchanged(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	board := status.New()
	dev := device.NewFake("SER-1")
	m := NewMaintenance(s, dev, board, 0, func() {}, zerolog.Nop())

	m.ApplyOnOffTimers([]OnOffTimer{{Days: []string{"Mon"}, OnTime: "08:00", OffTime: "20:00"}})
	keptAt, ok := s.FireTime("turn display on 08:00-Mon")
	require.True(t, ok)

	m.ApplyOnOffTimers([]OnOffTimer{
		{Days: []string{"Mon"}, OnTime: "08:00", OffTime: "20:00"},
		{Days: []string{"Fri"}, OnTime: "09:00", OffTime: "18:00"},
	})

	stillAt, ok := s.FireTime("turn display on 08:00-Mon")
	require.True(t, ok)
	assert.Equal(t, keptAt, stillAt, "unchanged timer must not be re-created")

	_, ok = s.FireTime("turn display on 09:00-Fri")
	assert.True(t, ok)
}

func TestApplyOnOffTimersCancelsRemoved(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	board := status.New()
	dev := device.NewFake("SER-1")
	m := NewMaintenance(s, dev, board, 0, func() {}, zerolog.Nop())

	m.ApplyOnOffTimers([]OnOffTimer{{Days: []string{"Mon"}, OnTime: "08:00", OffTime: "20:00"}})
	m.ApplyOnOffTimers(nil)

	for _, name := range s.Names() {
		assert.NotContains(t, name, displayTaskPrefix)
	}
}

func TestApplyOnOffTimersFiresDisplay(t *testing.T) {
	s, clock, dev := newTestScheduler(t)
	board := status.New()
	m := NewMaintenance(s, dev, board, 0, func() {}, zerolog.Nop())

	// 2026-08-27 is a Thursday
	m.ApplyOnOffTimers([]OnOffTimer{{Days: []string{"Thu"}, OnTime: "13:00", OffTime: "14:00"}})

	clock.advance(90 * time.Minute) // past 13:00
	assert.True(t, dev.DisplayOn)
	clock.advance(time.Hour) // past 14:00
	assert.False(t, dev.DisplayOn)

	// weekly re-arm
	_, ok := s.FireTime("turn display on 13:00-Thu")
	assert.True(t, ok)
}
