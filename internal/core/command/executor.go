// Package command executes cloud-issued player commands and the generic
// RunScript remote-procedure mechanism, and acknowledges confirmable commands
// back to the cloud exactly once per instance.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signage-agent/internal/core/conn"
	"signage-agent/internal/core/device"
	"signage-agent/internal/core/sched"
	"signage-agent/internal/core/state"
	"signage-agent/internal/core/status"
	"signage-agent/internal/core/topics"
	"signage-agent/pkg/rand"
)

// Confirmation is the ack status reported to the cloud.
type Confirmation string

const (
	Confirmed Confirmation = "CONFIRMED"
	Succeeded Confirmation = "SUCCESS"
	Failed    Confirmation = "FAIL"
)

// confirmRetryDelay paces the confirm retry while the device is online but
// the connection is down. The loop is deliberately uncapped: as long as the
// device is online the ack must eventually land.
const confirmRetryDelay = 5 * time.Second

// Payload is one player command instance.
type Payload struct {
	CommandName string         `json:"commandName"`
	ID          string         `json:"id,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Message is the command-shaped cloud message.
type Message struct {
	Command *Payload `json:"command,omitempty"`
	Log     *Payload `json:"log,omitempty"`
	Channel string   `json:"channel,omitempty"`
}

type Publisher interface {
	Publish(topic string, v any) error
}

type Executor struct {
	pub        Publisher
	dev        device.API
	board      *status.Board
	maint      *sched.Maintenance
	store      *state.Store
	broadcast  func(msgType string, payload map[string]any)
	closeMenu  func()
	uploadLogs func()
	setChannel func(name string)
	lg         zerolog.Logger

	companyID string
}

func New(pub Publisher, dev device.API, board *status.Board, maint *sched.Maintenance, store *state.Store, broadcast func(string, map[string]any), closeMenu, uploadLogs func(), setChannel func(string), lg zerolog.Logger) *Executor {
	return &Executor{
		pub:        pub,
		dev:        dev,
		board:      board,
		maint:      maint,
		store:      store,
		broadcast:  broadcast,
		closeMenu:  closeMenu,
		uploadLogs: uploadLogs,
		setChannel: setChannel,
		lg:         lg.With().Str("component", "command").Logger(),
	}
}

// SetCompanyID arms the confirm topic once the tenant is known.
func (e *Executor) SetCompanyID(id string) { e.companyID = id }

// Handle processes one command-shaped message.
func (e *Executor) Handle(payload []byte) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.lg.Warn().Err(err).Msg("malformed command payload, ignored")
		return
	}

	switch {
	case msg.Log != nil:
		e.uploadLogs()
	case msg.Command != nil:
		e.dispatch(*msg.Command, payload)
	case msg.Channel != "":
		e.setChannel(msg.Channel)
	}
}

func (e *Executor) dispatch(cmd Payload, raw []byte) {
	if cmd.ID == "" {
		cmd.ID = rand.ID16()
	}
	e.lg.Info().Str("command", cmd.CommandName).Str("id", cmd.ID).Msg("command received")

	switch cmd.CommandName {
	case "RunScript":
		if err := e.runScript(cmd.Attributes); err != nil {
			e.lg.Error().Err(err).Msg("run script")
			e.Confirm(cmd, Failed)
			return
		}
		e.Confirm(cmd, Succeeded)

	case "ClearCache":
		// full clear restarts the app; an open settings menu would leave a
		// corrupted capture behind as its backdrop
		e.closeMenu()
		e.broadcast("clearCache", nil)
		e.Confirm(cmd, Confirmed)
		if err := e.dev.RestartApp(); err != nil {
			e.lg.Error().Err(err).Msg("restart after cache clear")
			e.Confirm(cmd, Failed)
		}

	case "Reboot":
		e.closeMenu()
		e.Confirm(cmd, Confirmed)
		if err := e.dev.Reboot(); err != nil {
			e.lg.Error().Err(err).Msg("reboot command")
			e.Confirm(cmd, Failed)
		}

	case "CheckDeployment":
		e.broadcast("checkDeployment", nil)

	case "SendReaderId":
		e.sendReaderID()

	default:
		// unknown commands belong to the content player; forward verbatim
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		e.broadcast("playerCommand", body)
	}
}

// runScript applies a RunScript call. Attribute keys arrive with whatever
// casing the producing cloud component used, so everything is lower-cased
// before matching.
func (e *Executor) runScript(attrs map[string]any) error {
	norm := make(map[string]any, len(attrs))
	for k, v := range attrs {
		norm[strings.ToLower(k)] = v
	}

	applied := false
	if v, ok := norm["accesscode"]; ok {
		e.store.Dispatch(state.Action{Key: "AccessCode", Value: v})
		applied = true
	}
	if v, ok := norm["url"]; ok {
		e.store.Dispatch(state.Action{Key: "CurrentURL", Value: v})
		applied = true
	}
	if v, ok := norm["rotationangle"]; ok {
		e.store.Dispatch(state.Action{Key: "RotationAngle", Value: v})
		applied = true
	}
	if v, ok := norm["checktime"]; ok {
		e.maint.ApplyCheckTime(fmt.Sprint(v))
		applied = true
	}
	if v, ok := norm["reboottime"]; ok {
		e.maint.ApplyRebootTime(fmt.Sprint(v))
		applied = true
	}
	on, hasOn := norm["timeon"]
	off, hasOff := norm["timeoff"]
	if hasOn && hasOff {
		e.maint.ApplyOnOffTimers([]sched.OnOffTimer{{
			Days:    []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"},
			OnTime:  fmt.Sprint(on),
			OffTime: fmt.Sprint(off),
		}})
		applied = true
	}

	if !applied {
		return fmt.Errorf("no recognized attributes in %v", attrs)
	}
	return nil
}

func (e *Executor) sendReaderID() {
	readerID := e.store.GetString("ReaderId")
	if readerID == "" {
		readerID = e.dev.SerialNumber()
	}
	if err := e.pub.Publish(topics.Attributes(e.companyID), map[string]any{"readerId": readerID}); err != nil {
		e.lg.Error().Err(err).Msg("send reader id")
	}
}

// Confirm acknowledges one command instance. With no live connection and the
// device still online, the ack retries every 5s until it lands; going
// offline abandons it.
func (e *Executor) Confirm(cmd Payload, st Confirmation) {
	ack := map[string]any{
		"command": cmd.CommandName,
		"id":      cmd.ID,
		"status":  string(st),
	}
	err := e.pub.Publish(topics.Command(e.companyID), ack)
	if err == nil {
		return
	}
	if !errors.Is(err, conn.ErrNoConnection) {
		e.lg.Error().Err(err).Str("command", cmd.CommandName).Msg("confirm")
		return
	}

	go func() {
		for e.board.Online() {
			time.Sleep(confirmRetryDelay)
			if err := e.pub.Publish(topics.Command(e.companyID), ack); err == nil {
				return
			} else if !errors.Is(err, conn.ErrNoConnection) {
				e.lg.Error().Err(err).Str("command", cmd.CommandName).Msg("confirm retry")
				return
			}
		}
		e.lg.Warn().Str("command", cmd.CommandName).Msg("confirm abandoned, device offline")
	}()
}
