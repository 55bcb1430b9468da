package provision

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage-agent/internal/adapters/cognito"
	"signage-agent/internal/config"
	"signage-agent/internal/core/conn"
	"signage-agent/internal/core/device"
	"signage-agent/internal/core/status"
	"signage-agent/pkg/secret"
)

// -------- fakes --------

type published struct {
	topic string
	body  any
}

type fakeTransport struct {
	mu         sync.Mutex
	endpoints  conn.Endpoints
	fetchErr   error
	published  []published
	subscribed []string
	opened     []string
	rotations  int
	teardowns  int
}

func (f *fakeTransport) FetchEndpoints(context.Context) (conn.Endpoints, error) {
	return f.endpoints, f.fetchErr
}

func (f *fakeTransport) RetryFetchEndpoints(ctx context.Context, _ time.Duration, _ uint) (conn.Endpoints, error) {
	return f.FetchEndpoints(ctx)
}

func (f *fakeTransport) Open(clientID string, _ cognito.Credentials, _ conn.Endpoints) (*conn.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, clientID)
	return nil, nil
}

func (f *fakeTransport) Publish(topic string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, body: v})
	return nil
}

func (f *fakeTransport) Subscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topics...)
	return nil
}

func (f *fakeTransport) Rotate(cognito.Credentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
}

func (f *fakeTransport) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

func (f *fakeTransport) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func (f *fakeTransport) lastPublished(t *testing.T, topic string) any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i].body
		}
	}
	t.Fatalf("nothing published to %s", topic)
	return nil
}

type fakeAuth struct {
	authErr error
}

func (f *fakeAuth) GuestCredentials(context.Context, string, string) (cognito.Credentials, error) {
	return cognito.Credentials{AccessKeyID: "guest-ak", IdentityID: "guest-id"}, nil
}

func (f *fakeAuth) Authenticate(_ context.Context, _, _, username, password string) (cognito.Session, error) {
	if f.authErr != nil {
		return cognito.Session{}, f.authErr
	}
	return cognito.Session{IDToken: "id-token-" + username + "-" + password}, nil
}

func (f *fakeAuth) AuthenticatedCredentials(context.Context, string, string, string, cognito.Session) (cognito.Credentials, error) {
	return cognito.Credentials{AccessKeyID: "auth-ak", IdentityID: "principal-1"}, nil
}

type rig struct {
	ctrl      *Controller
	t         *fakeTransport
	dev       *device.Fake
	board     *status.Board
	restarts  int
	activated atomic.Int32
}

func newRig() *rig {
	r := &rig{
		t:     &fakeTransport{endpoints: conn.Endpoints{Region: "us-east-1", CognitoFedPoolID: "fed-1"}},
		dev:   device.NewFake("ABC123"),
		board: status.New(),
	}
	cfg := config.Config{Environment: "prod", PlayerType: "SignagePlayer"}
	r.ctrl = NewController(cfg, r.t, &fakeAuth{}, r.dev, device.ReadIdentity(r.dev), r.board,
		func() { r.restarts++ }, func() { r.activated.Add(1) }, zerolog.Nop())
	return r
}

func provisionPayload(t *testing.T) []byte {
	t.Helper()
	key, err := secret.Encrypt("device-password", "comp-1")
	require.NoError(t, err)
	raw, err := json.Marshal(Identity{
		DeviceID:          "dev-1",
		CompanyID:         "comp-1",
		Key:               key,
		CognitoUserPoolID: "pool-1",
		CognitoClientID:   "client-1",
	})
	require.NoError(t, err)
	return raw
}

// -------- auto provisioning --------

func TestAutoProvisionPublishesAndStaysInProgress(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))

	assert.Equal(t, status.InProgress, r.board.Track(status.AutoProvisioning),
		"auto path stays inProgress until the response arrives")
	assert.Equal(t, []string{"ABC123"}, r.t.opened)
	assert.Contains(t, r.t.subscribed, "fwi/provision/ABC123")

	req := r.t.lastPublished(t, "fwi/provision").(provisionRequest)
	assert.Equal(t, []string{"ABC123"}, req.HardwareNumbers)
	assert.Equal(t, "prod", req.Env)
}

func TestAutoProvisionSuccessTriggersActivation(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))

	r.ctrl.HandleProvisionMessage(provisionPayload(t))

	assert.Equal(t, status.Success, r.board.Track(status.AutoProvisioning))
	assert.Equal(t, status.InProgress, r.board.Track(status.AutoActivating))
	assert.Equal(t, 1, r.t.rotations, "credentials rotated in place for activation")
	assert.Contains(t, r.t.subscribed, "fwi/activate/ABC123")

	act := r.t.lastPublished(t, "fwi/activate").(activateRequest)
	assert.Equal(t, "dev-1", act.DeviceID)
	assert.Equal(t, "comp-1", act.CompanyID)
	assert.Equal(t, "principal-1", act.Principal)
	assert.Equal(t, "ABC123", act.TopicID)
	assert.Empty(t, act.InviteCode)

	saved, ok := LoadIdentity(r.dev)
	require.True(t, ok)
	assert.Equal(t, "dev-1", saved.DeviceID)
}

func TestActivatedResponsePersistsAndTearsDown(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))
	r.ctrl.HandleProvisionMessage(provisionPayload(t))

	r.ctrl.HandleActivateMessage([]byte(`{"status":"activated"}`))
	assert.Equal(t, status.Success, r.board.Track(status.AutoActivating))

	// onActivated fires last, so once it has run the whole sequence is done
	require.Eventually(t, func() bool {
		return r.activated.Load() == 1
	}, 3*time.Second, 20*time.Millisecond, "session bootstrap handed off after the UI delay")
	assert.True(t, Activated(r.dev), "activated flag persisted")
	assert.True(t, r.board.Activated())
	assert.Equal(t, 1, r.t.teardownCount())
}

func TestDeletedResponseWipesAndRestarts(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))
	r.ctrl.HandleProvisionMessage(provisionPayload(t))

	r.ctrl.HandleActivateMessage([]byte(`{"status":"deleted"}`))

	assert.True(t, r.dev.WipedAll)
	assert.Equal(t, 1, r.restarts)
	assert.Equal(t, status.Idle, r.board.Track(status.AutoProvisioning))
}

// -------- invite code --------

func TestInviteCodeMarksAwaitingResponse(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.ProvisionWithInviteCode(context.Background(), "A1B2C3"))

	assert.Equal(t, status.AwaitingResponse, r.board.Track(status.InviteCodeProvisioning))
	assert.Equal(t, []string{"A1B2C3"}, r.t.opened, "invite code is the clientId")
	assert.Contains(t, r.t.subscribed, "fwi/provision/A1B2C3")
}

func TestInviteCodeSuccessActivatesWithCode(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.ProvisionWithInviteCode(context.Background(), "A1B2C3"))
	r.ctrl.HandleProvisionMessage(provisionPayload(t))

	assert.Equal(t, status.Success, r.board.Track(status.InviteCodeProvisioning))
	assert.Equal(t, status.InProgress, r.board.Track(status.InviteCodeActivating))

	act := r.t.lastPublished(t, "fwi/activate").(activateRequest)
	assert.Equal(t, "A1B2C3", act.InviteCode)
	assert.Empty(t, act.TopicID)
	assert.Contains(t, r.t.subscribed, "fwi/activate/A1B2C3")
}

// -------- error codes --------

func TestHardwareNumberErrorTearsDown(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))
	r.ctrl.HandleProvisionMessage([]byte(`{"error":"hardwareNumberError"}`))

	assert.Equal(t, status.Error, r.board.Track(status.AutoProvisioning))
	assert.Equal(t, 1, r.t.teardowns)
}

func TestNotPendingStateKeepsConnection(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))
	r.ctrl.HandleProvisionMessage([]byte(`{"error":"notPendingState"}`))

	assert.Equal(t, status.Error, r.board.Track(status.AutoProvisioning))
	assert.Zero(t, r.t.teardowns, "connection must stay up so a late response can land")

	// the documented exception: a late success may still resolve the track
	r.ctrl.HandleProvisionMessage(provisionPayload(t))
	assert.Equal(t, status.Success, r.board.Track(status.AutoProvisioning))
}

func TestActivationErrorMarksBothTracksWithoutTeardown(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))
	r.ctrl.HandleActivateMessage([]byte(`{"error":"activationError"}`))

	assert.Equal(t, status.Error, r.board.Track(status.AutoActivating))
	assert.Equal(t, status.Error, r.board.Track(status.InviteCodeActivating))
	assert.Zero(t, r.t.teardowns)
}

// -------- identity invalidation --------

func TestUnknownUserWipesAndRestarts(t *testing.T) {
	r := newRig()
	auth := &fakeAuth{authErr: cognito.ErrUnknownUser}
	r.ctrl = NewController(config.Config{Environment: "prod"}, r.t, auth, r.dev,
		device.ReadIdentity(r.dev), r.board, func() { r.restarts++ }, nil, zerolog.Nop())

	require.NoError(t, r.ctrl.AutoProvision(context.Background()))
	r.ctrl.HandleProvisionMessage(provisionPayload(t))

	assert.True(t, r.dev.WipedAll)
	assert.Equal(t, 1, r.restarts)
}

// -------- protocol robustness --------

func TestMalformedPayloadsAreIgnored(t *testing.T) {
	r := newRig()
	require.NoError(t, r.ctrl.AutoProvision(context.Background()))

	r.ctrl.HandleProvisionMessage([]byte("not json"))
	r.ctrl.HandleProvisionMessage([]byte(`{}`))
	r.ctrl.HandleActivateMessage([]byte("not json"))

	assert.Equal(t, status.InProgress, r.board.Track(status.AutoProvisioning))
}
