package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNetwork marks transport-level failures the caller may retry.
var ErrNetwork = errors.New("network error")

// settingsKeyEndpoints is where the fetched endpoints persist across boots.
const settingsKeyEndpoints = "aws.endpoints"

// Endpoints is the per-tenant-environment cloud endpoint set. Fetched once
// per boot and never mutated afterwards.
type Endpoints struct {
	Region            string `json:"region"`
	EndpointAddress   string `json:"endpointAddress"`
	CognitoUserPoolID string `json:"cognitoUserPoolId"`
	CognitoFedPoolID  string `json:"cognitoFedPoolId"`
	CognitoClientID   string `json:"cognitoClientId"`
}

// EndpointsURL builds the well-known per-environment discovery URL:
// https://api[-env].<cloudEnv>.com/common/v1/endpoints, where prod drops the
// env suffix from the host.
func EndpointsURL(environment, cloudEnv string) string {
	host := "api"
	if environment != "" && environment != "prod" {
		host += "-" + environment
	}
	return fmt.Sprintf("https://%s.%s.com/common/v1/endpoints", host, cloudEnv)
}

// FetchEndpoints does the single discovery GET and persists the result.
func (m *Manager) FetchEndpoints(ctx context.Context) (Endpoints, error) {
	url := EndpointsURL(m.cfg.Environment, m.cfg.CloudEnv)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Endpoints{}, fmt.Errorf("request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return Endpoints{}, fmt.Errorf("%w: fetch endpoints: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Endpoints{}, fmt.Errorf("%w: fetch endpoints: http %d", ErrNetwork, resp.StatusCode)
	}

	var ep Endpoints
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return Endpoints{}, fmt.Errorf("decode endpoints: %w", err)
	}

	raw, _ := json.Marshal(ep)
	if err := m.dev.SetSetting(settingsKeyEndpoints, string(raw)); err != nil {
		m.lg.Error().Err(err).Msg("persist endpoints")
	}
	m.lg.Info().Str("region", ep.Region).Str("iot", ep.EndpointAddress).Msg("endpoints fetched")
	return ep, nil
}

// RetryFetchEndpoints retries FetchEndpoints at a fixed delay, not an
// exponential backoff, and gives up after attempts. Only the invite-code
// path uses it; auto-provisioning surfaces the first failure to its track.
func (m *Manager) RetryFetchEndpoints(ctx context.Context, delay time.Duration, attempts uint) (Endpoints, error) {
	if attempts == 0 {
		attempts = 1
	}
	var ep Endpoints
	op := func() error {
		var err error
		ep, err = m.FetchEndpoints(ctx)
		return err
	}
	pol := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, pol); err != nil {
		return Endpoints{}, err
	}
	return ep, nil
}

// CachedEndpoints loads the endpoints persisted by an earlier boot.
func (m *Manager) CachedEndpoints() (Endpoints, bool) {
	raw, ok := m.dev.Setting(settingsKeyEndpoints)
	if !ok {
		return Endpoints{}, false
	}
	var ep Endpoints
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return Endpoints{}, false
	}
	return ep, true
}
