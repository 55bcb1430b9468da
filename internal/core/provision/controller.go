// Package provision runs the two provisioning state machines (auto by serial
// number, manual by invite code) and the activation escalation that turns a
// provisioned identity into an authenticated, tenant-scoped session.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"signage-agent/internal/adapters/cognito"
	"signage-agent/internal/config"
	"signage-agent/internal/core/conn"
	"signage-agent/internal/core/device"
	"signage-agent/internal/core/status"
	"signage-agent/internal/core/topics"
)

const (
	inviteFetchDelay    = 5 * time.Second
	inviteFetchAttempts = 3

	// uiAffordanceDelay lets the settings UI show the "activated" state
	// before the activation-scoped connection is torn down.
	uiAffordanceDelay = 750 * time.Millisecond
)

// Transport is the slice of the connection manager the controller drives.
type Transport interface {
	FetchEndpoints(ctx context.Context) (conn.Endpoints, error)
	RetryFetchEndpoints(ctx context.Context, delay time.Duration, attempts uint) (conn.Endpoints, error)
	Open(clientID string, creds cognito.Credentials, ep conn.Endpoints) (*conn.Connection, error)
	Publish(topic string, v any) error
	Subscribe(topics ...string) error
	Rotate(creds cognito.Credentials)
	Teardown()
}

// Authenticator is the slice of the Cognito client the controller drives.
type Authenticator interface {
	GuestCredentials(ctx context.Context, region, fedPoolID string) (cognito.Credentials, error)
	Authenticate(ctx context.Context, region, clientID, username, password string) (cognito.Session, error)
	AuthenticatedCredentials(ctx context.Context, region, userPoolID, fedPoolID string, sess cognito.Session) (cognito.Credentials, error)
}

type provisionRequest struct {
	Env             string   `json:"env"`
	HardwareNumbers []string `json:"hardwareNumbers"`
	PlayerType      string   `json:"playerType"`
	MakeModel       string   `json:"makeModel"`
	OS              string   `json:"os"`
	PlayerVersion   string   `json:"playerVersion"`
}

type activateRequest struct {
	Env        string `json:"env"`
	InviteCode string `json:"inviteCode,omitempty"`
	TopicID    string `json:"topicId,omitempty"`
	DeviceID   string `json:"deviceId"`
	Principal  string `json:"principal"`
	CompanyID  string `json:"companyId"`
}

// Version is the agent software version reported at provisioning time.
var Version = "dev"

type Controller struct {
	cfg   config.Config
	t     Transport
	auth  Authenticator
	dev   device.API
	ident device.Identity
	board *status.Board
	lg    zerolog.Logger

	// restart schedules a process restart; onActivated hands control to the
	// session bootstrap once the activation connection is gone.
	restart     func()
	onActivated func()

	inviteCode string
	endpoints  conn.Endpoints
	session    cognito.Session
}

func NewController(cfg config.Config, t Transport, auth Authenticator, dev device.API, ident device.Identity, board *status.Board, restart, onActivated func(), lg zerolog.Logger) *Controller {
	return &Controller{
		cfg:         cfg,
		t:           t,
		auth:        auth,
		dev:         dev,
		ident:       ident,
		board:       board,
		restart:     restart,
		onActivated: onActivated,
		lg:          lg.With().Str("component", "provision").Logger(),
	}
}

// AutoProvision runs serial-number provisioning. The track stays inProgress
// after the publish; only the cloud response (or an error) moves it.
func (c *Controller) AutoProvision(ctx context.Context) error {
	c.board.SetTrack(status.AutoProvisioning, status.InProgress)

	ep, err := c.t.FetchEndpoints(ctx)
	if err != nil {
		return c.fail(status.AutoProvisioning, "fetch endpoints", err)
	}
	c.endpoints = ep

	creds, err := c.auth.GuestCredentials(ctx, ep.Region, ep.CognitoFedPoolID)
	if err != nil {
		return c.fail(status.AutoProvisioning, "guest credentials", err)
	}
	if _, err := c.t.Open(c.ident.SerialNumber, creds, ep); err != nil {
		return c.fail(status.AutoProvisioning, "open connection", err)
	}
	if err := c.t.Subscribe(topics.ProvisionFor(c.ident.SerialNumber)); err != nil {
		return c.fail(status.AutoProvisioning, "subscribe", err)
	}
	if err := c.t.Publish(topics.Provision, c.request()); err != nil {
		return c.fail(status.AutoProvisioning, "publish", err)
	}
	return nil
}

// ProvisionWithInviteCode runs manual provisioning keyed by a human-entered
// 6-character code. Unlike the auto path it marks awaitingResponse right
// after the publish; the UI distinguishes the two, so the asymmetry stays.
func (c *Controller) ProvisionWithInviteCode(ctx context.Context, code string) error {
	c.board.SetTrack(status.InviteCodeProvisioning, status.InProgress)
	c.inviteCode = code

	ep, err := c.t.RetryFetchEndpoints(ctx, inviteFetchDelay, inviteFetchAttempts)
	if err != nil {
		return c.fail(status.InviteCodeProvisioning, "fetch endpoints", err)
	}
	c.endpoints = ep

	creds, err := c.auth.GuestCredentials(ctx, ep.Region, ep.CognitoFedPoolID)
	if err != nil {
		return c.fail(status.InviteCodeProvisioning, "guest credentials", err)
	}
	if _, err := c.t.Open(code, creds, ep); err != nil {
		return c.fail(status.InviteCodeProvisioning, "open connection", err)
	}
	if err := c.t.Subscribe(topics.ProvisionFor(code)); err != nil {
		return c.fail(status.InviteCodeProvisioning, "subscribe", err)
	}
	if err := c.t.Publish(topics.Provision, c.request()); err != nil {
		return c.fail(status.InviteCodeProvisioning, "publish", err)
	}
	c.board.SetTrack(status.InviteCodeProvisioning, status.AwaitingResponse)
	return nil
}

func (c *Controller) request() provisionRequest {
	return provisionRequest{
		Env:             c.cfg.Environment,
		HardwareNumbers: []string{c.ident.SerialNumber},
		PlayerType:      c.cfg.PlayerType,
		MakeModel:       c.ident.Manufacturer + " " + c.ident.Model,
		OS:              runtime.GOOS,
		PlayerVersion:   Version,
	}
}

// HandleProvisionMessage correlates a provisioning response structurally:
// success payloads carry deviceId, error payloads carry error.
func (c *Controller) HandleProvisionMessage(payload []byte) {
	var resp Identity
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.lg.Warn().Err(err).Msg("malformed provisioning payload, ignored")
		return
	}

	if resp.Error != "" {
		c.applyErrorCode(resp.Error)
		return
	}
	if resp.DeviceID == "" {
		c.lg.Warn().Msg("provisioning payload with neither deviceId nor error, ignored")
		return
	}

	if err := SaveIdentity(c.dev, resp); err != nil {
		c.lg.Error().Err(err).Msg("persist identity")
	}

	if c.inviteCode != "" && c.board.Track(status.InviteCodeProvisioning) == status.AwaitingResponse {
		c.board.SetTrack(status.InviteCodeProvisioning, status.Success)
		c.Activate(context.Background(), resp, c.inviteCode)
		return
	}
	c.board.SetTrack(status.AutoProvisioning, status.Success)
	c.Activate(context.Background(), resp, "")
}

// Activate escalates the guest session to the authenticated identity and
// publishes the activation request.
//
// A failure mid-flight logs and leaves the activating track unresolved on
// purpose: the settings UI's timeout/retry behavior depends on the track not
// reaching a terminal state here.
func (c *Controller) Activate(ctx context.Context, id Identity, inviteCode string) {
	track := status.AutoActivating
	if inviteCode != "" {
		track = status.InviteCodeActivating
	}
	c.board.SetTrack(track, status.InProgress)

	password, err := id.Password()
	if err != nil {
		c.lg.Error().Err(err).Msg("activate: device key")
		return
	}

	sess, err := c.auth.Authenticate(ctx, c.endpoints.Region, id.CognitoClientID, id.DeviceID, password)
	if err != nil {
		if errors.Is(err, cognito.ErrUnknownUser) {
			c.invalidateIdentity()
			return
		}
		c.lg.Error().Err(err).Msg("activate: authenticate")
		return
	}
	c.session = sess

	creds, err := c.auth.AuthenticatedCredentials(ctx, c.endpoints.Region, id.CognitoUserPoolID, c.endpoints.CognitoFedPoolID, sess)
	if err != nil {
		c.lg.Error().Err(err).Msg("activate: credentials")
		return
	}
	c.t.Rotate(creds)

	topicID := inviteCode
	if topicID == "" {
		topicID = c.ident.SerialNumber
	}
	if err := c.t.Subscribe(topics.ActivateFor(topicID)); err != nil {
		c.lg.Error().Err(err).Msg("activate: subscribe")
		return
	}

	req := activateRequest{
		Env:       c.cfg.Environment,
		DeviceID:  id.DeviceID,
		Principal: creds.IdentityID,
		CompanyID: id.CompanyID,
	}
	if inviteCode != "" {
		req.InviteCode = inviteCode
	} else {
		req.TopicID = topicID
	}
	if err := c.t.Publish(topics.Activate, req); err != nil {
		c.lg.Error().Err(err).Msg("activate: publish")
	}
}

// HandleActivateMessage processes activation responses and cloud-side
// deactivation.
func (c *Controller) HandleActivateMessage(payload []byte) {
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.lg.Warn().Err(err).Msg("malformed activation payload, ignored")
		return
	}

	switch {
	case resp.Error != "":
		c.applyErrorCode(resp.Error)

	case resp.Status == "activated":
		track := status.AutoActivating
		if c.inviteCode != "" {
			track = status.InviteCodeActivating
		}
		c.board.SetTrack(track, status.Success)
		time.AfterFunc(uiAffordanceDelay, func() {
			if err := SetActivated(c.dev); err != nil {
				c.lg.Error().Err(err).Msg("persist activated flag")
			}
			c.board.SetActivated(true)
			c.t.Teardown()
			if c.onActivated != nil {
				c.onActivated()
			}
		})

	case resp.Status == "deleted":
		c.invalidateIdentity()

	default:
		c.lg.Warn().Str("status", resp.Status).Msg("unhandled activation status")
	}
}

// Session returns the user-pool session from the last activation, for token
// refresh scheduling by the bootstrap.
func (c *Controller) Session() cognito.Session { return c.session }

// invalidateIdentity is the permanent reset path: the cloud identity is gone,
// so every persisted setting goes with it and the process restarts clean.
func (c *Controller) invalidateIdentity() {
	c.lg.Warn().Msg("cloud identity invalidated, wiping local state")
	if err := c.dev.DeleteAllSettings(); err != nil {
		c.lg.Error().Err(err).Msg("wipe settings")
	}
	c.board.ResetTracks()
	c.board.SetActivated(false)
	if c.restart != nil {
		c.restart()
	}
}

// applyErrorCode maps cloud error codes onto track transitions.
func (c *Controller) applyErrorCode(code string) {
	switch code {
	case "hardwareNumberError":
		c.board.SetTrack(status.AutoProvisioning, status.Error)
		c.t.Teardown()
	case "inviteCodeError":
		c.board.SetTrack(status.InviteCodeProvisioning, status.Error)
		c.t.Teardown()
	case "activationError":
		// no teardown: the UI may still offer the invite-code fallback on
		// this connection
		c.board.SetTrack(status.AutoActivating, status.Error)
		c.board.SetTrack(status.InviteCodeActivating, status.Error)
	case "notPendingState":
		// device already mid-provisioning cloud-side; keep the connection so
		// a late cloud message can still resolve the track
		c.board.SetTrack(status.AutoProvisioning, status.Error)
	default:
		c.lg.Warn().Str("error", code).Msg("unhandled provisioning error code")
	}
}

// fail marks a track error, tears the connection down and returns err.
func (c *Controller) fail(track status.TrackName, op string, err error) error {
	c.lg.Error().Err(err).Str("op", op).Msg("provisioning failed")
	c.board.SetTrack(track, status.Error)
	c.t.Teardown()
	return err
}
