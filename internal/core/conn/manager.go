// Package conn owns the single MQTT-over-WSS session to the cloud and the
// credential plumbing around it. At most one live connection exists per
// process; every other component goes through the Manager to reach it.
package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"signage-agent/internal/adapters/cognito"
	"signage-agent/internal/config"
	"signage-agent/internal/core/device"
	"signage-agent/internal/core/sched"
	"signage-agent/internal/core/status"
)

// ErrNoConnection is returned for publish/subscribe with no live session.
var ErrNoConnection = errors.New("no live connection")

const (
	keepAlive        = 15 * time.Second
	maxReconnectWait = 30 * time.Second
	publishWait      = 10 * time.Second

	// tokenRefreshTask supersedes itself: a later refresh schedule always
	// replaces an earlier one because the name never changes.
	tokenRefreshTask = "refresh session token"
	tokenRefreshLead = 5 * time.Minute
)

// Connection is the opaque handle to one MQTT session. clientId is the
// serial number (guest), the invite code (manual provisioning) or the
// deviceId (authenticated).
type Connection struct {
	client   mqtt.Client
	clientID string
	host     string
	region   string

	mu     sync.Mutex
	creds  cognito.Credentials
	topics []string
}

func (c *Connection) credsSnapshot() cognito.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

func (c *Connection) brokerURL() string {
	return presignWSS(c.host, c.region, c.credsSnapshot(), time.Now())
}

// Publish sends v as JSON with QoS 1. A nil v publishes an empty document.
func (c *Connection) Publish(topic string, v any) error {
	payload := encodePayload(v)
	tok := c.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(publishWait) {
		return fmt.Errorf("publish %s: %w", topic, ErrNetwork)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe adds topics at QoS 1 and remembers them for resubscription on
// reconnect.
func (c *Connection) Subscribe(topics ...string) error {
	c.mu.Lock()
	c.topics = append(c.topics, topics...)
	c.mu.Unlock()
	return c.subscribe(topics)
}

func (c *Connection) subscribe(topics []string) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 1
	}
	tok := c.client.SubscribeMultiple(filters, nil)
	if !tok.WaitTimeout(publishWait) {
		return fmt.Errorf("subscribe: %w", ErrNetwork)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *Connection) resubscribeAll() error {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	return c.subscribe(topics)
}

// Manager enforces the single-connection invariant and runs the credential
// lifecycle: endpoint discovery, open, rotation, refresh, teardown.
type Manager struct {
	cfg   config.Config
	http  *http.Client
	dev   device.API
	board *status.Board
	sched *sched.Scheduler
	lg    zerolog.Logger

	onMessage    func(topic string, payload []byte)
	probeNetwork func()

	mu   sync.Mutex
	conn *Connection
}

func NewManager(cfg config.Config, dev device.API, board *status.Board, sch *sched.Scheduler, lg zerolog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		http:  &http.Client{Timeout: 30 * time.Second},
		dev:   dev,
		board: board,
		sched: sch,
		lg:    lg.With().Str("component", "conn").Logger(),
	}
}

// SetMessageHandler wires inbound messages to the router. Must be set before
// the first Open.
func (m *Manager) SetMessageHandler(fn func(topic string, payload []byte)) { m.onMessage = fn }

// SetNetworkProbe wires the "am I still online" re-check run after a drop.
func (m *Manager) SetNetworkProbe(fn func()) { m.probeNetwork = fn }

// Open establishes the MQTT-over-WSS session. Idempotent: with a live
// connection already up it returns that handle untouched, whatever the
// arguments say.
func (m *Manager) Open(clientID string, creds cognito.Credentials, ep Endpoints) (*Connection, error) {
	m.mu.Lock()
	if m.conn != nil {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	c := &Connection{
		clientID: clientID,
		host:     ep.EndpointAddress,
		region:   ep.Region,
		creds:    creds,
	}
	m.conn = c
	m.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectWait).
		SetOnConnectHandler(func(mqtt.Client) {
			m.lg.Info().Str("clientId", clientID).Msg("connected")
			m.board.SetConnected(true)
			if m.board.Activated() && m.board.Online() {
				m.board.SetCloudConnected(true)
			}
			if err := c.resubscribeAll(); err != nil {
				m.lg.Error().Err(err).Msg("resubscribe")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.lg.Warn().Err(err).Msg("connection lost")
			m.board.SetConnected(false)
			m.board.SetCloudConnected(false)
			if m.probeNetwork != nil {
				m.probeNetwork()
			}
		}).
		// paho re-reads Servers before each attempt; presign with whatever
		// credentials are current so a rotation takes effect without a drop.
		SetReconnectingHandler(func(_ mqtt.Client, o *mqtt.ClientOptions) {
			if u, err := neturl.Parse(c.brokerURL()); err == nil {
				o.Servers = []*neturl.URL{u}
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if m.onMessage != nil {
				m.onMessage(msg.Topic(), msg.Payload())
			}
		})

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	if !tok.WaitTimeout(publishWait + keepAlive) {
		m.Teardown()
		return nil, fmt.Errorf("connect %s: %w", ep.EndpointAddress, ErrNetwork)
	}
	if err := tok.Error(); err != nil {
		m.Teardown()
		return nil, fmt.Errorf("connect %s: %w", ep.EndpointAddress, err)
	}
	return c, nil
}

// Current returns the live connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Publish sends on the live connection.
func (m *Manager) Publish(topic string, v any) error {
	c := m.Current()
	if c == nil {
		return ErrNoConnection
	}
	return c.Publish(topic, v)
}

// Subscribe adds topics on the live connection.
func (m *Manager) Subscribe(topics ...string) error {
	c := m.Current()
	if c == nil {
		return ErrNoConnection
	}
	return c.Subscribe(topics...)
}

// Rotate swaps the WebSocket signing credentials in place. The live socket
// keeps running; the next (re)connect signs with the new set. Used once when
// activation escalates the session from guest to authenticated.
func (m *Manager) Rotate(creds cognito.Credentials) {
	c := m.Current()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	m.lg.Info().Msg("connection credentials rotated")
}

// ScheduleTokenRefresh arms refresh for five minutes before the session
// token expires. Rescheduling always supersedes the previous arm.
func (m *Manager) ScheduleTokenRefresh(idToken string, refresh func()) {
	exp, err := cognito.TokenExpiry(idToken)
	if err != nil {
		m.lg.Error().Err(err).Msg("token expiry")
		return
	}
	m.sched.ScheduleAt(tokenRefreshTask, exp.Add(-tokenRefreshLead), refresh)
}

// Teardown closes the live connection, if any, and clears the handle.
// Idempotent; always safe to call on an error path.
func (m *Manager) Teardown() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.client.Disconnect(250)
	m.board.SetConnected(false)
	m.board.SetCloudConnected(false)
	m.lg.Info().Str("clientId", c.clientID).Msg("connection torn down")
}

func encodePayload(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	if b, ok := v.([]byte); ok {
		return b
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
