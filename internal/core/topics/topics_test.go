package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicStrings(t *testing.T) {
	assert.Equal(t, "fwi/provision/ABC123", ProvisionFor("ABC123"))
	assert.Equal(t, "fwi/activate/ABC123", ActivateFor("ABC123"))
	assert.Equal(t, "fwi/comp-1/broadcast", Broadcast("comp-1"))
	assert.Equal(t, "fwi/comp-1/attributes", Attributes("comp-1"))
	assert.Equal(t, "fwi/comp-1/command", Command("comp-1"))
	assert.Equal(t, "fwi/comp-1/logs", Logs("comp-1"))
	assert.Equal(t, "fwi/comp-1/p2p", P2P("comp-1"))
	assert.Equal(t, "fwi/comp-1/dev-1", Device("comp-1", "dev-1"))
	assert.Equal(t, "$aws/things/dev-1/shadow/get", ShadowGet("dev-1"))
	assert.Equal(t, "$aws/things/dev-1/shadow/get/#", ShadowGetResponses("dev-1"))
	assert.Equal(t, "$aws/things/dev-1/shadow/update", ShadowUpdate("dev-1"))
	assert.Equal(t, "$aws/things/dev-1/shadow/update/delta", ShadowUpdateDelta("dev-1"))
}
