// Package router dispatches every inbound cloud message. Topic matching wins
// over payload shape; payload-shape discrimination runs in a fixed precedence
// order and must never panic, whatever arrives.
package router

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// ProvisionHandler consumes provisioning and activation responses.
type ProvisionHandler interface {
	HandleProvisionMessage(payload []byte)
	HandleActivateMessage(payload []byte)
}

// ShadowHandler consumes shadow get responses and deltas.
type ShadowHandler interface {
	HandleMessage(topic string, payload []byte)
}

// CommandHandler consumes command-shaped messages.
type CommandHandler interface {
	Handle(payload []byte)
}

type Router struct {
	provision ProvisionHandler
	shadow    ShadowHandler
	command   CommandHandler
	broadcast func(msgType string, payload map[string]any)
	lg        zerolog.Logger
}

func New(p ProvisionHandler, s ShadowHandler, c CommandHandler, broadcast func(string, map[string]any), lg zerolog.Logger) *Router {
	return &Router{
		provision: p,
		shadow:    s,
		command:   c,
		broadcast: broadcast,
		lg:        lg.With().Str("component", "router").Logger(),
	}
}

// Handle dispatches one message. An absent payload is an empty document,
// never a parse error.
func (r *Router) Handle(topic string, payload []byte) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	switch {
	case strings.Contains(topic, "provision"):
		r.provision.HandleProvisionMessage(payload)
		return
	case strings.Contains(topic, "activate"):
		r.provision.HandleActivateMessage(payload)
		return
	case strings.Contains(topic, "shadow"):
		r.shadow.HandleMessage(topic, payload)
		return
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		r.lg.Warn().Err(err).Str("topic", topic).Msg("unparseable payload, ignored")
		return
	}

	switch {
	case has(body, "command") || has(body, "log"):
		r.command.Handle(payload)

	case has(body, "channel") && has(body, "version") && has(body, "url"):
		// structured channel-update notice for the outside world; no local
		// state changes
		r.broadcast("channelUpdated", body)

	case has(body, "channel"):
		r.command.Handle(payload)

	case has(body, "status"):
		// activation responses sometimes arrive on differently-named topics
		r.provision.HandleActivateMessage(payload)

	case has(body, "token"), has(body, "processed"):
		// broker chatter, deliberately ignored

	default:
		r.lg.Warn().Str("topic", topic).Msg("unhandled message")
	}
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
