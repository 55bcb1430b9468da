// Package topics holds the exact cloud topic strings. Nothing else in the
// repo builds a topic by hand.
package topics

import "fmt"

const (
	Provision = "fwi/provision"
	Activate  = "fwi/activate"
)

// ProvisionFor is the per-device provisioning response topic; id is the
// serial number or the invite code.
func ProvisionFor(id string) string { return Provision + "/" + id }

// ActivateFor is the per-device activation response topic.
func ActivateFor(id string) string { return Activate + "/" + id }

func Broadcast(companyID string) string  { return fmt.Sprintf("fwi/%s/broadcast", companyID) }
func Attributes(companyID string) string { return fmt.Sprintf("fwi/%s/attributes", companyID) }
func Command(companyID string) string    { return fmt.Sprintf("fwi/%s/command", companyID) }
func Logs(companyID string) string       { return fmt.Sprintf("fwi/%s/logs", companyID) }
func P2P(companyID string) string        { return fmt.Sprintf("fwi/%s/p2p", companyID) }

func Device(companyID, deviceID string) string {
	return fmt.Sprintf("fwi/%s/%s", companyID, deviceID)
}

func ShadowGet(deviceID string) string {
	return fmt.Sprintf("$aws/things/%s/shadow/get", deviceID)
}

func ShadowGetResponses(deviceID string) string {
	return fmt.Sprintf("$aws/things/%s/shadow/get/#", deviceID)
}

func ShadowUpdate(deviceID string) string {
	return fmt.Sprintf("$aws/things/%s/shadow/update", deviceID)
}

func ShadowUpdateDelta(deviceID string) string {
	return fmt.Sprintf("$aws/things/%s/shadow/update/delta", deviceID)
}
