// Package agent is the top-level session bootstrap: it decides at boot
// whether to provision or to open the authenticated session, owns the
// last-resort liveness watchdog, and carries the small cross-component
// actions (log upload trigger, network probe, restart) the core calls back
// into.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"signage-agent/internal/adapters/cognito"
	"signage-agent/internal/config"
	"signage-agent/internal/core/command"
	"signage-agent/internal/core/conn"
	"signage-agent/internal/core/device"
	"signage-agent/internal/core/provision"
	"signage-agent/internal/core/router"
	"signage-agent/internal/core/sched"
	"signage-agent/internal/core/shadow"
	"signage-agent/internal/core/state"
	"signage-agent/internal/core/status"
	"signage-agent/internal/core/topics"
)

const (
	// handshake probe cadence and budget; exhausting it restarts the app.
	// This is the system's last-resort liveness guarantee.
	handshakeProbe    = 5 * time.Second
	handshakeAttempts = 36

	restartDelay = 1 * time.Second
)

// Broadcaster fans {type, ...payload} messages out to the UI/content surface.
type Broadcaster interface {
	Broadcast(msgType string, payload map[string]any)
}

type Agent struct {
	cfg   config.Config
	dev   device.API
	ident device.Identity
	board *status.Board
	store *state.Store
	sch   *sched.Scheduler
	hub   Broadcaster
	lg    zerolog.Logger

	cog   *cognito.Client
	mgr   *conn.Manager
	maint *sched.Maintenance
	ctrl  *provision.Controller
	rec   *shadow.Reconciler
	exec  *command.Executor
	rtr   *router.Router

	handshook atomic.Bool
	probe     *http.Client
}

// New wires the whole connectivity core. hub may not be nil; resolve maps a
// deployment URL to its playable form and belongs to the content layer.
func New(cfg config.Config, dev device.API, board *status.Board, sch *sched.Scheduler, hub Broadcaster, resolve func(string) (string, error), lg zerolog.Logger) *Agent {
	a := &Agent{
		cfg:   cfg,
		dev:   dev,
		ident: device.ReadIdentity(dev),
		board: board,
		store: state.New(lg),
		sch:   sch,
		hub:   hub,
		lg:    lg.With().Str("component", "agent").Logger(),
		cog:   cognito.New(lg),
		probe: &http.Client{Timeout: 10 * time.Second},
	}

	a.mgr = conn.NewManager(cfg, dev, board, sch, lg)
	a.maint = sched.NewMaintenance(sch, dev, board, cfg.RebootJitter, a.UploadLogs, lg)
	a.rec = shadow.New(a.store, a.mgr, dev, a.maint, resolve, hub.Broadcast, lg)
	a.exec = command.New(a.mgr, dev, board, a.maint, a.store, hub.Broadcast, a.CloseSettingsMenu, a.UploadLogs, a.SetChannel, lg)
	a.ctrl = provision.NewController(cfg, a.mgr, a.cog, dev, a.ident, board, a.Restart, a.StartAuthenticatedSession, lg)
	a.rtr = router.New(a.ctrl, a.rec, a.exec, hub.Broadcast, lg)

	a.mgr.SetMessageHandler(a.rtr.Handle)
	a.mgr.SetNetworkProbe(a.ProbeNetwork)
	return a
}

// Controller exposes the provisioning controller to the delivery layer (the
// invite-code entry point).
func (a *Agent) Controller() *provision.Controller { return a.ctrl }

// Start boots the session: authenticated when a persisted activated identity
// exists, auto-provisioning otherwise.
func (a *Agent) Start(ctx context.Context) {
	a.ProbeNetwork()
	go a.watchdog()

	if _, ok := provision.LoadIdentity(a.dev); ok && provision.Activated(a.dev) {
		a.board.SetActivated(true)
		a.StartAuthenticatedSession()
		return
	}
	if err := a.ctrl.AutoProvision(ctx); err != nil {
		a.lg.Error().Err(err).Msg("auto provisioning failed; waiting for invite code")
	}
}

// StartAuthenticatedSession opens the long-lived non-activation-scoped
// session keyed by deviceId and subscribes the operational topic set.
func (a *Agent) StartAuthenticatedSession() {
	ctx := context.Background()
	id, ok := provision.LoadIdentity(a.dev)
	if !ok {
		a.lg.Error().Msg("authenticated session without identity")
		return
	}

	ep, ok := a.mgr.CachedEndpoints()
	if !ok {
		var err error
		if ep, err = a.mgr.FetchEndpoints(ctx); err != nil {
			a.lg.Error().Err(err).Msg("endpoints for session")
			return
		}
	}

	sess, creds, err := a.authenticate(ctx, id, ep)
	if err != nil {
		a.lg.Error().Err(err).Msg("authenticated session")
		return
	}

	if _, err := a.mgr.Open(id.DeviceID, creds, ep); err != nil {
		a.lg.Error().Err(err).Msg("open session connection")
		return
	}
	a.mgr.ScheduleTokenRefresh(sess.IDToken, func() { a.refreshSession(id, ep) })

	a.rec.SetDeviceID(id.DeviceID)
	a.exec.SetCompanyID(id.CompanyID)

	err = a.mgr.Subscribe(
		topics.Broadcast(id.CompanyID),
		topics.Device(id.CompanyID, id.DeviceID),
		topics.P2P(id.CompanyID),
		topics.ShadowGetResponses(id.DeviceID),
		topics.ShadowUpdateDelta(id.DeviceID),
	)
	if err != nil {
		a.lg.Error().Err(err).Msg("subscribe session topics")
	}

	// pull pending desired state, then let the cloud see where we are
	if err := a.mgr.Publish(topics.ShadowGet(id.DeviceID), nil); err != nil {
		a.lg.Error().Err(err).Msg("shadow get")
	}
	a.rec.ReportBootState()

	if a.board.Online() {
		a.board.SetCloudConnected(true)
	}
}

func (a *Agent) authenticate(ctx context.Context, id provision.Identity, ep conn.Endpoints) (cognito.Session, cognito.Credentials, error) {
	password, err := id.Password()
	if err != nil {
		return cognito.Session{}, cognito.Credentials{}, err
	}
	sess, err := a.cog.Authenticate(ctx, ep.Region, id.CognitoClientID, id.DeviceID, password)
	if err != nil {
		if errors.Is(err, cognito.ErrUnknownUser) {
			// the cloud-side identity is gone; wipe and start over
			a.lg.Warn().Msg("device user deleted cloud-side, resetting")
			if werr := a.dev.DeleteAllSettings(); werr != nil {
				a.lg.Error().Err(werr).Msg("wipe settings")
			}
			a.Restart()
		}
		return cognito.Session{}, cognito.Credentials{}, err
	}
	creds, err := a.cog.AuthenticatedCredentials(ctx, ep.Region, id.CognitoUserPoolID, ep.CognitoFedPoolID, sess)
	if err != nil {
		return cognito.Session{}, cognito.Credentials{}, err
	}
	return sess, creds, nil
}

// refreshSession re-authenticates before token expiry and rotates the live
// connection's signing credentials in place.
func (a *Agent) refreshSession(id provision.Identity, ep conn.Endpoints) {
	sess, creds, err := a.authenticate(context.Background(), id, ep)
	if err != nil {
		a.lg.Error().Err(err).Msg("session refresh")
		return
	}
	a.mgr.Rotate(creds)
	a.mgr.ScheduleTokenRefresh(sess.IDToken, func() { a.refreshSession(id, ep) })
}

// -------- callbacks the core hands around --------

// UploadLogs triggers a log upload. Formatting and transport are the log
// layer's business; the core only announces the moment and the topic.
func (a *Agent) UploadLogs() {
	id, ok := provision.LoadIdentity(a.dev)
	if !ok {
		return
	}
	a.hub.Broadcast("uploadLogs", map[string]any{"topic": topics.Logs(id.CompanyID)})
	if err := a.mgr.Publish(topics.Logs(id.CompanyID), map[string]any{
		"deviceId": id.DeviceID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		a.lg.Error().Err(err).Msg("announce log upload")
	}
}

// CloseSettingsMenu asks the UI to close the settings menu before a
// destructive command repaints the screen.
func (a *Agent) CloseSettingsMenu() {
	a.hub.Broadcast("closeSettingsMenu", nil)
}

// SetChannel forwards a bare channel-switch command into the reconciler's
// channel path.
func (a *Agent) SetChannel(name string) {
	a.rec.HandleDelta([]byte(`{"state":{"channel":` + jsonString(name) + `}}`))
}

// Restart schedules a process restart shortly after the current callback
// unwinds.
func (a *Agent) Restart() {
	a.lg.Warn().Msg("process restart scheduled")
	time.AfterFunc(restartDelay, func() {
		if err := a.dev.RestartApp(); err != nil {
			a.lg.Error().Err(err).Msg("restart app")
		}
	})
}

// ProbeNetwork re-checks plain connectivity and records it on the board.
func (a *Agent) ProbeNetwork() {
	url := conn.EndpointsURL(a.cfg.Environment, a.cfg.CloudEnv)
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return
	}
	resp, err := a.probe.Do(req)
	online := err == nil
	if resp != nil {
		resp.Body.Close()
	}
	a.board.SetOnline(online)
}

// MarkHandshake records a content-surface handshake; the watchdog resets.
func (a *Agent) MarkHandshake() { a.handshook.Store(true) }

// watchdog restarts the app if the content surface never completes its
// handshake: 36 probes at 5s is the three-minute budget after which the only
// safe move on unattended hardware is a restart.
func (a *Agent) watchdog() {
	for attempts := 0; attempts < handshakeAttempts; attempts++ {
		time.Sleep(handshakeProbe)
		if a.handshook.Load() {
			return
		}
	}
	a.lg.Error().Msg("content surface handshake never completed, restarting")
	if err := a.dev.RestartApp(); err != nil {
		a.lg.Error().Err(err).Msg("watchdog restart")
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
