// Package shadow reconciles cloud "desired" deltas against local state. Keys
// the agent recognizes are applied and confirmed as "reported"; the rest stay
// desired untouched. Reconciliation is idempotent: replaying a delta that
// changed nothing publishes nothing.
package shadow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signage-agent/internal/core/device"
	"signage-agent/internal/core/sched"
	"signage-agent/internal/core/state"
	"signage-agent/internal/core/topics"
)

// legacyDroppedKey is still pushed by old cloud producers. The device is the
// only authority for it, so reporting it back would echo forever; it is
// dropped without even a warning.
const legacyDroppedKey = "PlayerVersion"

// displayOnlyURLPrefix marks synthetic URLs the player renders locally; they
// never go through the deployment resolver.
const displayOnlyURLPrefix = "local://"

// proxyRebootDelay leaves time for the reported update to reach the cloud
// before proxy changes force the reboot that applies them.
const proxyRebootDelay = 2 * time.Second

type Publisher interface {
	Publish(topic string, v any) error
}

// Reconciler applies shadow deltas and mirrors local changes back out.
type Reconciler struct {
	store     *state.Store
	pub       Publisher
	dev       device.API
	maint     *sched.Maintenance
	resolve   func(url string) (string, error)
	broadcast func(msgType string, payload map[string]any)
	lg        zerolog.Logger

	deviceID string
	setters  map[string]func(v any) (any, bool)
}

func New(store *state.Store, pub Publisher, dev device.API, maint *sched.Maintenance, resolve func(string) (string, error), broadcast func(string, map[string]any), lg zerolog.Logger) *Reconciler {
	r := &Reconciler{
		store:     store,
		pub:       pub,
		dev:       dev,
		maint:     maint,
		resolve:   resolve,
		broadcast: broadcast,
		lg:        lg.With().Str("component", "shadow").Logger(),
	}
	r.setters = map[string]func(v any) (any, bool){
		"CurrentURL":            r.setCurrentURL,
		"TimeZone":              r.setTimeZone,
		"LogLevel":              r.setLogLevel,
		"UploadLogTimeInterval": r.setUploadLogInterval,
		"RebootTime":            r.setRebootTime,
		"CheckTime":             r.setCheckTime,
		"OnOffTimers":           r.setOnOffTimers,
		"DeviceName":            r.passthrough("DeviceName"),
		"Volume":                r.passthrough("Volume"),
	}

	// mirror locally-originated changes into the reported shadow; cloud-
	// originated ones are already confirmed by the delta path
	store.Subscribe(func(a state.Action) {
		if a.FromCloud || r.DeviceID() == "" {
			return
		}
		r.publishReported(map[string]any{a.Key: a.Value}, nil)
	})
	return r
}

// SetDeviceID arms outbound shadow publishing; before activation there is no
// thing name to publish under.
func (r *Reconciler) SetDeviceID(id string) { r.deviceID = id }

func (r *Reconciler) DeviceID() string { return r.deviceID }

type shadowDoc struct {
	State map[string]any `json:"state"`
}

// HandleMessage routes one shadow-topic message: get responses carry the
// delta under state.desired, delta pushes carry it under state directly.
func (r *Reconciler) HandleMessage(topic string, payload []byte) {
	if !strings.Contains(topic, "/get") {
		r.HandleDelta(payload)
		return
	}
	var doc struct {
		State struct {
			Desired map[string]any `json:"desired"`
		} `json:"state"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		r.lg.Warn().Err(err).Msg("malformed shadow document, ignored")
		return
	}
	if len(doc.State.Desired) == 0 {
		return
	}
	wrapped, _ := json.Marshal(shadowDoc{State: doc.State.Desired})
	r.HandleDelta(wrapped)
}

// HandleDelta processes one desired-state delta document.
func (r *Reconciler) HandleDelta(payload []byte) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var doc shadowDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		r.lg.Warn().Err(err).Msg("malformed shadow delta, ignored")
		return
	}
	if doc.State == nil {
		return
	}

	reported := make(map[string]any)
	stillDesired := make(map[string]any)
	var afterPublish []func()

	r.applySpecial(doc.State, reported, &afterPublish)

	for key, val := range doc.State {
		if key == legacyDroppedKey {
			continue
		}
		set, known := r.setters[key]
		if !known {
			stillDesired[key] = val
			r.lg.Warn().Str("key", key).Msg("no local handler for desired key")
			continue
		}
		if out, changed := set(val); changed {
			reported[key] = out
		}
	}

	// silent when there is nothing new to confirm
	if len(reported) > 0 {
		var desired map[string]any
		if len(stillDesired) > 0 {
			desired = stillDesired
		}
		r.publishReported(reported, desired)
	}
	for _, fn := range afterPublish {
		fn()
	}
}

// applySpecial handles the keys with bespoke logic and strips them from the
// generic pass.
func (r *Reconciler) applySpecial(st map[string]any, reported map[string]any, after *[]func()) {
	if v, ok := st["channel"]; ok {
		delete(st, "channel")
		r.applyChannel(v, reported)
	}
	if v, ok := st["Proxy"]; ok {
		delete(st, "Proxy")
		// deep-equal guard: an identical proxy must not cost a reboot
		if !r.store.Equal("Proxy", v) {
			r.store.Dispatch(state.Action{Key: "Proxy", Value: v, FromCloud: true})
			reported["Proxy"] = v
			*after = append(*after, func() {
				time.AfterFunc(proxyRebootDelay, func() {
					if err := r.dev.Reboot(); err != nil {
						r.lg.Error().Err(err).Msg("proxy reboot")
					}
				})
			})
		}
	}
	if v, ok := st["WebPlayerURL"]; ok {
		delete(st, "WebPlayerURL")
		if r.store.Dispatch(state.Action{Key: "WebPlayerURL", Value: v, FromCloud: true}) {
			reported["WebPlayerURL"] = v
			r.broadcast("webPlayerUrlChanged", map[string]any{"url": v})
		}
	}
	if v, ok := st["Resolution"]; ok {
		delete(st, "Resolution")
		if r.store.Dispatch(state.Action{Key: "Resolution", Value: v, FromCloud: true}) {
			reported["Resolution"] = v
		}
	}
	if v, ok := st["checkLabels"]; ok {
		delete(st, "checkLabels")
		// fire-and-forget to the content surface, never reported
		r.broadcast("checkLabels", map[string]any{"value": v})
	}
}

func (r *Reconciler) applyChannel(v any, reported map[string]any) {
	name, _ := v.(string)
	if name == "" {
		return
	}
	resolved, err := r.resolve(name)
	if err != nil {
		r.lg.Error().Err(err).Str("channel", name).Msg("resolve channel")
		return
	}
	changed := r.store.Dispatch(state.Action{Key: "channel", Value: name, FromCloud: true})
	r.store.Dispatch(state.Action{Key: "channelUrl", Value: resolved, FromCloud: true})
	if changed {
		reported["channel"] = name
		r.broadcast("channelUpdated", map[string]any{"channel": name, "url": resolved})
	}
}

// -------- generic setters --------

func (r *Reconciler) passthrough(key string) func(any) (any, bool) {
	return func(v any) (any, bool) {
		return v, r.store.Dispatch(state.Action{Key: key, Value: v, FromCloud: true})
	}
}

func (r *Reconciler) setCurrentURL(v any) (any, bool) {
	raw, _ := v.(string)
	if raw == "" {
		return nil, false
	}
	resolved := raw
	if !strings.HasPrefix(raw, displayOnlyURLPrefix) {
		out, err := r.resolve(raw)
		if err != nil {
			r.lg.Error().Err(err).Str("url", raw).Msg("resolve deployment url")
			return nil, false
		}
		resolved = out
	}
	return resolved, r.store.Dispatch(state.Action{Key: "CurrentURL", Value: resolved, FromCloud: true})
}

func (r *Reconciler) setTimeZone(v any) (any, bool) {
	name, _ := v.(string)
	code := timeZoneCode(name)
	if code == "" {
		r.lg.Warn().Str("timeZone", name).Msg("unknown time zone, ignored")
		return nil, false
	}
	return code, r.store.Dispatch(state.Action{Key: "TimeZone", Value: code, FromCloud: true})
}

func (r *Reconciler) setLogLevel(v any) (any, bool) {
	lvl := normalizeLogLevel(fmt.Sprint(v))
	return lvl, r.store.Dispatch(state.Action{Key: "LogLevel", Value: lvl, FromCloud: true})
}

func (r *Reconciler) setUploadLogInterval(v any) (any, bool) {
	minutes := asInt(v)
	if minutes <= 0 {
		return nil, false
	}
	changed := r.store.Dispatch(state.Action{Key: "UploadLogTimeInterval", Value: minutes, FromCloud: true})
	if changed {
		r.maint.ApplyLogUploadInterval(minutes)
	}
	return minutes, changed
}

func (r *Reconciler) setRebootTime(v any) (any, bool) {
	tod, _ := v.(string)
	changed := r.store.Dispatch(state.Action{Key: "RebootTime", Value: tod, FromCloud: true})
	if changed {
		r.maint.ApplyRebootTime(tod)
	}
	return tod, changed
}

func (r *Reconciler) setCheckTime(v any) (any, bool) {
	tod, _ := v.(string)
	changed := r.store.Dispatch(state.Action{Key: "CheckTime", Value: tod, FromCloud: true})
	if changed {
		r.maint.ApplyCheckTime(tod)
	}
	return tod, changed
}

func (r *Reconciler) setOnOffTimers(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var timers []sched.OnOffTimer
	if err := json.Unmarshal(raw, &timers); err != nil {
		r.lg.Warn().Err(err).Msg("malformed on/off timers, ignored")
		return nil, false
	}
	changed := r.store.Dispatch(state.Action{Key: "OnOffTimers", Value: string(raw), FromCloud: true})
	if changed {
		r.maint.ApplyOnOffTimers(timers)
	}
	return v, changed
}

// -------- outbound --------

func (r *Reconciler) publishReported(reported, desired map[string]any) {
	if r.deviceID == "" {
		return
	}
	st := map[string]any{"reported": reported}
	if desired != nil {
		st["desired"] = desired
	} else {
		st["desired"] = nil
	}
	if err := r.pub.Publish(topics.ShadowUpdate(r.deviceID), map[string]any{"state": st}); err != nil {
		r.lg.Error().Err(err).Msg("publish shadow update")
	}
	r.broadcast("shadowUpdated", map[string]any{"reported": reported})
}

// ReportBootState pushes the whole local state as reported once after boot,
// so desired/reported converge after a reboot lost in-memory context.
func (r *Reconciler) ReportBootState() {
	snap := r.store.Snapshot()
	if len(snap) == 0 {
		return
	}
	r.publishReported(snap, nil)
}

// -------- value transforms --------

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func normalizeLogLevel(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "trace", "debug":
		return "debug"
	case "info", "information":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error", "fatal":
		return "error"
	}
	return "info"
}

// timeZoneCode maps the cloud's display names onto IANA codes; an already
// valid IANA name passes through.
func timeZoneCode(name string) string {
	if name == "" {
		return ""
	}
	if code, ok := tzDisplayNames[name]; ok {
		return code
	}
	if _, err := time.LoadLocation(name); err == nil {
		return name
	}
	return ""
}

var tzDisplayNames = map[string]string{
	"Eastern Standard Time":   "America/New_York",
	"Central Standard Time":   "America/Chicago",
	"Mountain Standard Time":  "America/Denver",
	"Pacific Standard Time":   "America/Los_Angeles",
	"GMT Standard Time":       "Europe/London",
	"W. Europe Standard Time": "Europe/Berlin",
}
