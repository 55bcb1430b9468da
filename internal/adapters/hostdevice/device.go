// Package hostdevice implements the hardware collaborator for a plain Linux
// host. Vendor builds (SoC players, smart displays) replace this package with
// their own device.API; the agent core does not change.
package hostdevice

import (
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"signage-agent/internal/adapters/settings"
)

type Device struct {
	serial   string
	model    string
	firmware string
	store    *settings.Store
	lg       zerolog.Logger
}

// New builds the host device. serialOverride wins over the machine id, which
// keeps dev boxes addressable without flashing anything.
func New(serialOverride string, store *settings.Store, lg zerolog.Logger) *Device {
	serial := serialOverride
	if serial == "" {
		if b, err := os.ReadFile("/etc/machine-id"); err == nil {
			serial = strings.ToUpper(strings.TrimSpace(string(b)))
		}
	}
	host, _ := os.Hostname()
	return &Device{
		serial:   serial,
		model:    host,
		firmware: "host",
		store:    store,
		lg:       lg.With().Str("adapter", "hostdevice").Logger(),
	}
}

func (d *Device) SerialNumber() string    { return d.serial }
func (d *Device) Model() string           { return d.model }
func (d *Device) Manufacturer() string    { return "generic" }
func (d *Device) FirmwareVersion() string { return d.firmware }

func (d *Device) Reboot() error {
	d.lg.Warn().Msg("reboot requested")
	return exec.Command("systemctl", "reboot").Start()
}

// RestartApp exits nonzero and relies on the process supervisor to respawn.
func (d *Device) RestartApp() error {
	d.lg.Warn().Msg("app restart requested")
	os.Exit(3)
	return nil
}

func (d *Device) TurnDisplay(on bool) error {
	d.lg.Info().Bool("on", on).Msg("display power")
	arg := "0"
	if on {
		arg = "1"
	}
	return exec.Command("vcgencmd", "display_power", arg).Start()
}

func (d *Device) CheckForSoftwareUpdate() error {
	d.lg.Info().Msg("software update check")
	return nil
}

func (d *Device) UpdateSoftware() error {
	d.lg.Info().Msg("software update")
	return nil
}

func (d *Device) CheckForFirmwareUpdate() error {
	d.lg.Info().Msg("firmware update check")
	return nil
}

func (d *Device) UpdateFirmware() error {
	d.lg.Info().Msg("firmware update")
	return nil
}

func (d *Device) Setting(key string) (string, bool) { return d.store.Get(key) }
func (d *Device) SetSetting(key, value string) error {
	return d.store.Set(key, value)
}
func (d *Device) DeleteSetting(key string) error { return d.store.Delete(key) }
func (d *Device) DeleteAllSettings() error       { return d.store.DeleteAll() }
