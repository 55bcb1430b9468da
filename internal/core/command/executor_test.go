package command

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage-agent/internal/core/device"
	"signage-agent/internal/core/sched"
	"signage-agent/internal/core/state"
	"signage-agent/internal/core/status"
)

type fakePub struct {
	mu        sync.Mutex
	err       error
	published []struct {
		topic string
		body  any
	}
}

func (p *fakePub) Publish(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, struct {
		topic string
		body  any
	}{topic, v})
	return nil
}

func (p *fakePub) acks(t *testing.T) []map[string]any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, pub := range p.published {
		if pub.topic == "fwi/comp-1/command" {
			out = append(out, pub.body.(map[string]any))
		}
	}
	return out
}

type rig struct {
	exec  *Executor
	pub   *fakePub
	dev   *device.Fake
	store *state.Store

	mu         sync.Mutex
	broadcasts []string
	bodies     []map[string]any
	menuCloses int
	uploads    int
	channels   []string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		pub:   &fakePub{},
		dev:   device.NewFake("SER-1"),
		store: state.New(zerolog.Nop()),
	}
	board := status.New()
	s := sched.New(sched.RealClock(), r.dev, zerolog.Nop())
	maint := sched.NewMaintenance(s, r.dev, board, 0, func() {}, zerolog.Nop())
	r.exec = New(r.pub, r.dev, board, maint, r.store,
		func(msgType string, body map[string]any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.broadcasts = append(r.broadcasts, msgType)
			r.bodies = append(r.bodies, body)
		},
		func() { r.menuCloses++ },
		func() { r.uploads++ },
		func(name string) { r.channels = append(r.channels, name) },
		zerolog.Nop())
	r.exec.SetCompanyID("comp-1")
	return r
}

// -------- dispatch --------

func TestRebootConfirmsThenReboots(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"Reboot","id":"cmd-1"}}`))

	assert.Equal(t, 1, r.dev.Reboots)
	assert.Equal(t, 1, r.menuCloses)
	acks := r.pub.acks(t)
	require.Len(t, acks, 1)
	assert.Equal(t, "CONFIRMED", acks[0]["status"])
	assert.Equal(t, "cmd-1", acks[0]["id"])
}

func TestClearCacheRestartsApp(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"ClearCache","id":"cmd-2"}}`))

	assert.Equal(t, 1, r.dev.Restarts)
	assert.Contains(t, r.broadcasts, "clearCache")
	acks := r.pub.acks(t)
	require.Len(t, acks, 1)
	assert.Equal(t, "CONFIRMED", acks[0]["status"])
}

func TestLogMessageTriggersUpload(t *testing.T) {
	r := newRig(t)
	r.exec.Handle([]byte(`{"log":{"commandName":"UploadLogs"}}`))
	assert.Equal(t, 1, r.uploads)
}

func TestChannelMessageSetsChannel(t *testing.T) {
	r := newRig(t)
	r.exec.Handle([]byte(`{"channel":"spring-menu"}`))
	assert.Equal(t, []string{"spring-menu"}, r.channels)
}

func TestUnknownCommandForwardedVerbatim(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"ShowOverlay","attributes":{"x":1}}}`))

	require.Equal(t, []string{"playerCommand"}, r.broadcasts)
	cmd := r.bodies[0]["command"].(map[string]any)
	assert.Equal(t, "ShowOverlay", cmd["commandName"])
	assert.Empty(t, r.pub.acks(t), "forwarded commands are not acked here")
}

func TestCheckDeploymentBroadcastsOnly(t *testing.T) {
	r := newRig(t)
	r.exec.Handle([]byte(`{"command":{"commandName":"CheckDeployment"}}`))
	assert.Equal(t, []string{"checkDeployment"}, r.broadcasts)
	assert.Empty(t, r.pub.acks(t))
}

func TestSendReaderIdFallsBackToSerial(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"SendReaderId"}}`))

	require.Len(t, r.pub.published, 1)
	assert.Equal(t, "fwi/comp-1/attributes", r.pub.published[0].topic)
	body := r.pub.published[0].body.(map[string]any)
	assert.Equal(t, "SER-1", body["readerId"])
}

// -------- RunScript --------

func TestRunScriptMatchesCaseInsensitively(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"RunScript","id":"rs-1",
		"attributes":{"AccessCode":"1234","URL":"https://x","RotationAngle":90}}}`))

	assert.Equal(t, "1234", r.store.Get("AccessCode"))
	assert.Equal(t, "https://x", r.store.Get("CurrentURL"))
	assert.Equal(t, 90.0, r.store.Get("RotationAngle"))
	acks := r.pub.acks(t)
	require.Len(t, acks, 1)
	assert.Equal(t, "SUCCESS", acks[0]["status"])
}

func TestRunScriptUnknownAttributesFail(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"RunScript","id":"rs-2",
		"attributes":{"bogus":"x"}}}`))

	acks := r.pub.acks(t)
	require.Len(t, acks, 1)
	assert.Equal(t, "FAIL", acks[0]["status"])
}

func TestRunScriptOnOffPairExpandsAllWeek(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"RunScript","id":"rs-3",
		"attributes":{"TimeOn":"08:00","TimeOff":"20:00"}}}`))

	acks := r.pub.acks(t)
	require.Len(t, acks, 1)
	assert.Equal(t, "SUCCESS", acks[0]["status"])
}

// -------- robustness --------

func TestMalformedCommandIgnored(t *testing.T) {
	r := newRig(t)

	assert.NotPanics(t, func() {
		r.exec.Handle([]byte("not json"))
		r.exec.Handle(nil)
		r.exec.Handle([]byte(`{}`))
	})
	assert.Empty(t, r.pub.acks(t))
	assert.Zero(t, r.dev.Reboots)
}

func TestGeneratedIDWhenMissing(t *testing.T) {
	r := newRig(t)

	r.exec.Handle([]byte(`{"command":{"commandName":"Reboot"}}`))

	acks := r.pub.acks(t)
	require.Len(t, acks, 1)
	assert.Len(t, acks[0]["id"], 16, "missing id is replaced by a generated one")
}
