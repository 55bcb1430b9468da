// Package device is the narrow seam between the agent and the hardware it
// runs on. Everything below this interface (vendor SDKs, display buses,
// firmware flashing) is out of the agent's hands.
package device

// API is the hardware collaborator. Implementations live per platform; the
// agent never talks to hardware any other way.
type API interface {
	SerialNumber() string
	Model() string
	Manufacturer() string
	FirmwareVersion() string

	Reboot() error
	RestartApp() error
	TurnDisplay(on bool) error

	CheckForSoftwareUpdate() error
	UpdateSoftware() error
	CheckForFirmwareUpdate() error
	UpdateFirmware() error

	// Persisted key/value settings. Setting returns ok=false for a key that
	// was never written.
	Setting(key string) (value string, ok bool)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
	DeleteAllSettings() error
}

// Identity is the read-only hardware identity, fixed for process lifetime.
type Identity struct {
	SerialNumber    string `json:"serialNumber"`
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmwareVersion"`
}

// ReadIdentity snapshots the identity once at boot.
func ReadIdentity(api API) Identity {
	return Identity{
		SerialNumber:    api.SerialNumber(),
		Manufacturer:    api.Manufacturer(),
		Model:           api.Model(),
		FirmwareVersion: api.FirmwareVersion(),
	}
}
