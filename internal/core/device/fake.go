package device

import "sync"

// Fake is an in-memory API implementation for tests and bench rigs.
type Fake struct {
	mu       sync.Mutex
	Serial   string
	Settings map[string]string

	Reboots    int
	Restarts   int
	DisplayOn  bool
	DisplayOps int
	SWChecks   int
	FWChecks   int
	WipedAll   bool
}

func NewFake(serial string) *Fake {
	return &Fake{Serial: serial, Settings: make(map[string]string)}
}

func (f *Fake) SerialNumber() string    { return f.Serial }
func (f *Fake) Model() string           { return "fake-model" }
func (f *Fake) Manufacturer() string    { return "fake-co" }
func (f *Fake) FirmwareVersion() string { return "1.0.0" }

func (f *Fake) Reboot() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reboots++
	return nil
}

// RebootCount reads Reboots under the lock, for asserting against
// reboots triggered from another goroutine.
func (f *Fake) RebootCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reboots
}

func (f *Fake) RestartApp() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restarts++
	return nil
}

func (f *Fake) TurnDisplay(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisplayOn = on
	f.DisplayOps++
	return nil
}

func (f *Fake) CheckForSoftwareUpdate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SWChecks++
	return nil
}

func (f *Fake) UpdateSoftware() error { return nil }

func (f *Fake) CheckForFirmwareUpdate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FWChecks++
	return nil
}

func (f *Fake) UpdateFirmware() error { return nil }

func (f *Fake) Setting(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Settings[key]
	return v, ok
}

func (f *Fake) SetSetting(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Settings[key] = value
	return nil
}

func (f *Fake) DeleteSetting(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Settings, key)
	return nil
}

func (f *Fake) DeleteAllSettings() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Settings = make(map[string]string)
	f.WipedAll = true
	return nil
}
