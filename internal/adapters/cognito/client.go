// Package cognito is a thin client for the two Cognito services the cloud
// fronts identity with: the federated identity pool (guest and tenant-scoped
// AWS credentials) and the user pool (device username/password sessions).
package cognito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrUnknownUser means the cloud-side device user was deleted out from under
// us. Callers treat it as permanent identity invalidation, never as a retry.
var ErrUnknownUser = errors.New("cognito: user does not exist")

// Credentials is one set of temporary AWS credentials.
type Credentials struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	Expiry       time.Time
	IdentityID   string
}

// Session is an authenticated user-pool session.
type Session struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

type Client struct {
	http *http.Client
	lg   zerolog.Logger
}

func New(lg zerolog.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		lg:   lg.With().Str("adapter", "cognito").Logger(),
	}
}

// GuestCredentials resolves an unauthenticated federated identity and
// exchanges it for guest credentials.
func (c *Client) GuestCredentials(ctx context.Context, region, fedPoolID string) (Credentials, error) {
	id, err := c.getID(ctx, region, fedPoolID, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("guest identity: %w", err)
	}
	creds, err := c.credentialsForIdentity(ctx, region, id, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("guest credentials: %w", err)
	}
	return creds, nil
}

// Authenticate opens a user-pool session with deviceId/password.
func (c *Client) Authenticate(ctx context.Context, region, clientID, username, password string) (Session, error) {
	in := map[string]any{
		"AuthFlow": "USER_PASSWORD_AUTH",
		"ClientId": clientID,
		"AuthParameters": map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
	}
	var out struct {
		AuthenticationResult struct {
			IdToken      string
			AccessToken  string
			RefreshToken string
			ExpiresIn    int
		}
	}
	url := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/", region)
	err := c.post(ctx, url, "AWSCognitoIdentityProviderService.InitiateAuth", in, &out)
	if err != nil {
		return Session{}, fmt.Errorf("initiate auth: %w", err)
	}
	r := out.AuthenticationResult
	return Session{
		IDToken:      r.IdToken,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}, nil
}

// AuthenticatedCredentials exchanges a session's ID token for credentials
// scoped to the tenant's identity pool.
func (c *Client) AuthenticatedCredentials(ctx context.Context, region, userPoolID, fedPoolID string, sess Session) (Credentials, error) {
	logins := map[string]string{
		loginsKey(region, userPoolID): sess.IDToken,
	}
	id, err := c.getID(ctx, region, fedPoolID, logins)
	if err != nil {
		return Credentials{}, fmt.Errorf("authenticated identity: %w", err)
	}
	creds, err := c.credentialsForIdentity(ctx, region, id, logins)
	if err != nil {
		return Credentials{}, fmt.Errorf("authenticated credentials: %w", err)
	}
	return creds, nil
}

// loginsKey is the identity-pool logins map key for a user pool.
func loginsKey(region, userPoolID string) string {
	return fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// TokenExpiry reads the exp claim of a Cognito JWT. The signature is not
// verified; we only schedule our own refresh from it.
func TokenExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}

// -------- wire plumbing --------

func (c *Client) getID(ctx context.Context, region, poolID string, logins map[string]string) (string, error) {
	in := map[string]any{"IdentityPoolId": poolID}
	if len(logins) > 0 {
		in["Logins"] = logins
	}
	var out struct{ IdentityId string }
	url := fmt.Sprintf("https://cognito-identity.%s.amazonaws.com/", region)
	if err := c.post(ctx, url, "AWSCognitoIdentityService.GetId", in, &out); err != nil {
		return "", err
	}
	return out.IdentityId, nil
}

func (c *Client) credentialsForIdentity(ctx context.Context, region, identityID string, logins map[string]string) (Credentials, error) {
	in := map[string]any{"IdentityId": identityID}
	if len(logins) > 0 {
		in["Logins"] = logins
	}
	var out struct {
		IdentityId  string
		Credentials struct {
			AccessKeyId  string
			SecretKey    string
			SessionToken string
			Expiration   float64
		}
	}
	url := fmt.Sprintf("https://cognito-identity.%s.amazonaws.com/", region)
	if err := c.post(ctx, url, "AWSCognitoIdentityService.GetCredentialsForIdentity", in, &out); err != nil {
		return Credentials{}, err
	}
	return Credentials{
		AccessKeyID:  out.Credentials.AccessKeyId,
		SecretKey:    out.Credentials.SecretKey,
		SessionToken: out.Credentials.SessionToken,
		Expiry:       time.Unix(int64(out.Credentials.Expiration), 0),
		IdentityID:   out.IdentityId,
	}, nil
}

// post speaks the AWS JSON 1.1 protocol and maps modeled errors.
func (c *Client) post(ctx context.Context, url, target string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", target)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var ae struct {
			Type    string `json:"__type"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &ae)
		if strings.Contains(ae.Type, "UserNotFoundException") {
			return ErrUnknownUser
		}
		return fmt.Errorf("%s: http %d: %s %s", target, resp.StatusCode, ae.Type, ae.Message)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
