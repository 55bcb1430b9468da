package provision

import (
	"encoding/json"
	"fmt"

	"signage-agent/internal/core/device"
	"signage-agent/pkg/secret"
)

const (
	settingsKeyIdentity  = "device.identity"
	settingsKeyActivated = "device.activated"
)

// Identity is the cloud-issued permanent device identity. Created once by
// the provisioning response, persisted, and deleted only when the cloud
// deactivates the device.
type Identity struct {
	DeviceID          string `json:"deviceId"`
	CompanyID         string `json:"companyId"`
	Key               string `json:"key"`
	CognitoUserPoolID string `json:"cognitoUserPoolId"`
	CognitoClientID   string `json:"cognitoClientId"`
	Error             string `json:"error,omitempty"`
}

// Password decrypts the cloud-issued key; the companyId is the key material
// on both sides.
func (id Identity) Password() (string, error) {
	pw, err := secret.Decrypt(id.Key, id.CompanyID)
	if err != nil {
		return "", fmt.Errorf("decrypt device key: %w", err)
	}
	return pw, nil
}

// LoadIdentity reads the persisted identity, if the device has one.
func LoadIdentity(dev device.API) (Identity, bool) {
	raw, ok := dev.Setting(settingsKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	var id Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return Identity{}, false
	}
	return id, id.DeviceID != ""
}

// SaveIdentity persists the identity.
func SaveIdentity(dev device.API, id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return dev.SetSetting(settingsKeyIdentity, string(raw))
}

// Activated reports the persisted activation flag.
func Activated(dev device.API) bool {
	v, _ := dev.Setting(settingsKeyActivated)
	return v == "true"
}

// SetActivated persists the activation flag.
func SetActivated(dev device.API) error {
	return dev.SetSetting(settingsKeyActivated, "true")
}
