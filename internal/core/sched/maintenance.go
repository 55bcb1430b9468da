package sched

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signage-agent/internal/core/device"
	"signage-agent/internal/core/status"
	"signage-agent/pkg/rand"
)

// Task names. The scheduler dedups by name, so these double as identities.
const (
	taskReboot      = "daily reboot"
	taskCheckUpdate = "check for updates"
	taskUploadLogs  = "upload logs"
)

const displayTaskPrefix = "turn display "

// timerNamespace fixes the UUIDv5 namespace for on/off timer identity.
var timerNamespace = uuid.MustParse("7f1b42e6-5a0e-4d0b-9c3d-2f8f6f8a9d11")

// OnOffTimer is one cloud-configured display on/off window.
type OnOffTimer struct {
	Days    []string `json:"days"`
	OnTime  string   `json:"onTime"`
	OffTime string   `json:"offTime"`
}

// UUID is a pure function of (days, onTime, offTime). Two settings describing
// the same window hash identically, which is how duplicates are detected
// before insertion and how identity survives reconciliation passes.
func (t OnOffTimer) UUID() uuid.UUID {
	days := append([]string(nil), t.Days...)
	sort.Strings(days)
	return uuid.NewSHA1(timerNamespace, []byte(strings.Join(days, ",")+"|"+t.OnTime+"|"+t.OffTime))
}

// Maintenance translates device settings into scheduler tasks: the nightly
// reboot, update checks, log-upload intervals and the display on/off windows.
type Maintenance struct {
	sched        *Scheduler
	dev          device.API
	board        *status.Board
	jitterWindow time.Duration
	uploadLogs   func()
	lg           zerolog.Logger
}

func NewMaintenance(s *Scheduler, dev device.API, board *status.Board, jitterWindow time.Duration, uploadLogs func(), lg zerolog.Logger) *Maintenance {
	return &Maintenance{
		sched:        s,
		dev:          dev,
		board:        board,
		jitterWindow: jitterWindow,
		uploadLogs:   uploadLogs,
		lg:           lg.With().Str("component", "maintenance").Logger(),
	}
}

// ApplyRebootTime arms the nightly reboot at tod ("HH:MM") plus a per-device
// random jitter, re-jittered every day.
func (m *Maintenance) ApplyRebootTime(tod string) {
	h, min, err := parseTimeOfDay(tod)
	if err != nil {
		m.lg.Warn().Str("rebootTime", tod).Msg("unparseable reboot time, ignored")
		return
	}
	m.scheduleReboot(h, min)
}

func (m *Maintenance) scheduleReboot(h, min int) {
	now := m.sched.clock.Now()
	base := time.Date(now.Year(), now.Month(), now.Day(), h, min, 0, 0, now.Location())
	at := base.Add(rand.Jitter(m.jitterWindow))
	m.sched.ScheduleAt(taskReboot, at, func() {
		if err := m.dev.Reboot(); err != nil {
			m.lg.Error().Err(err).Msg("reboot")
		}
		// normally unreachable; re-arm in case the reboot was refused
		m.scheduleReboot(h, min)
	})
}

// ApplyCheckTime arms the daily software+firmware update check at tod.
func (m *Maintenance) ApplyCheckTime(tod string) {
	h, min, err := parseTimeOfDay(tod)
	if err != nil {
		m.lg.Warn().Str("checkTime", tod).Msg("unparseable check time, ignored")
		return
	}
	m.sched.ScheduleDaily(taskCheckUpdate, h, min, func() {
		if err := m.dev.CheckForSoftwareUpdate(); err != nil {
			m.lg.Error().Err(err).Msg("software update check")
		}
		if err := m.dev.CheckForFirmwareUpdate(); err != nil {
			m.lg.Error().Err(err).Msg("firmware update check")
		}
	})
}

// ApplyLogUploadInterval (re)arms the recurring log upload. Ticks only count
// while the device is online and activated.
func (m *Maintenance) ApplyLogUploadInterval(minutes int) {
	if minutes <= 0 {
		m.sched.Cancel(taskUploadLogs)
		return
	}
	gate := func() bool { return m.board.Online() && m.board.Activated() }
	m.sched.ScheduleInterval(taskUploadLogs, time.Duration(minutes)*time.Minute, gate, m.uploadLogs)
}

// ApplyOnOffTimers reconciles the wanted timer set against what is scheduled.
// Unchanged windows are left alone so a timer firing at the boundary is not
// cancelled and re-created underneath itself; new windows are scheduled and
// vanished ones cancelled by name.
func (m *Maintenance) ApplyOnOffTimers(timers []OnOffTimer) {
	timers = dedupeTimers(timers)

	wanted := make(map[string]func())
	for _, t := range timers {
		onH, onM, errOn := parseTimeOfDay(t.OnTime)
		offH, offM, errOff := parseTimeOfDay(t.OffTime)
		if errOn != nil || errOff != nil {
			m.lg.Warn().Interface("timer", t).Msg("unparseable on/off timer, ignored")
			continue
		}
		for _, day := range t.Days {
			wd, ok := parseWeekday(day)
			if !ok {
				m.lg.Warn().Str("day", day).Msg("unknown weekday, ignored")
				continue
			}
			onName := displayTaskName(true, t.OnTime, day)
			offName := displayTaskName(false, t.OffTime, day)
			wanted[onName] = m.displayTask(onName, wd, onH, onM, true)
			wanted[offName] = m.displayTask(offName, wd, offH, offM, false)
		}
	}

	scheduled := make(map[string]bool)
	for _, name := range m.sched.Names() {
		if strings.HasPrefix(name, displayTaskPrefix) {
			scheduled[name] = true
		}
	}

	for name := range scheduled {
		if _, keep := wanted[name]; !keep {
			m.sched.Cancel(name)
		}
	}
	for name, arm := range wanted {
		if !scheduled[name] {
			arm()
		}
	}
}

// displayTask returns the arming closure for one weekly display task.
func (m *Maintenance) displayTask(name string, wd time.Weekday, h, min int, on bool) func() {
	return func() {
		at := nextWeekdayAt(m.sched.clock.Now(), wd, h, min)
		m.sched.ScheduleWeekly(name, at, func() {
			if err := m.dev.TurnDisplay(on); err != nil {
				m.lg.Error().Err(err).Bool("on", on).Msg("display power")
			}
		})
	}
}

func displayTaskName(on bool, tod, day string) string {
	verb := "off"
	if on {
		verb = "on"
	}
	return fmt.Sprintf("%s%s %s-%s", displayTaskPrefix, verb, tod, day)
}

func dedupeTimers(in []OnOffTimer) []OnOffTimer {
	seen := make(map[uuid.UUID]bool, len(in))
	out := in[:0]
	for _, t := range in {
		id := t.UUID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, t)
	}
	return out
}

func parseTimeOfDay(tod string) (h, min int, err error) {
	if _, err = fmt.Sscanf(tod, "%d:%d", &h, &min); err != nil {
		return 0, 0, fmt.Errorf("time of day %q: %w", tod, err)
	}
	if h < 0 || h > 23 || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("time of day %q out of range", tod)
	}
	return h, min, nil
}

func parseWeekday(day string) (time.Weekday, bool) {
	switch strings.ToLower(day) {
	case "sun", "sunday":
		return time.Sunday, true
	case "mon", "monday":
		return time.Monday, true
	case "tue", "tuesday":
		return time.Tuesday, true
	case "wed", "wednesday":
		return time.Wednesday, true
	case "thu", "thursday":
		return time.Thursday, true
	case "fri", "friday":
		return time.Friday, true
	case "sat", "saturday":
		return time.Saturday, true
	}
	return time.Sunday, false
}

// nextWeekdayAt returns the next wd at h:min strictly in the future.
func nextWeekdayAt(now time.Time, wd time.Weekday, h, min int) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), h, min, 0, 0, now.Location())
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	at = at.AddDate(0, 0, days)
	if !at.After(now) {
		at = at.AddDate(0, 0, 7)
	}
	return at
}
