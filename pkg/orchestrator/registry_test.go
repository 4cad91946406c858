package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladys-project/gladys/pkg/types"
)

func TestRegistryRegisterAndHeartbeat(t *testing.T) {
	r := NewRegistry()
	id := r.Register("", "sensor.clock", "localhost:9001", types.Capabilities{Transport: types.TransportEvent})
	require.NotEmpty(t, id)

	cmds, err := r.Heartbeat(id, types.StateActive, "")
	require.NoError(t, err)
	assert.Empty(t, cmds)

	c, ok := r.Resolve(id, "")
	require.True(t, ok)
	assert.Equal(t, types.StateActive, c.State)
}

func TestRegistryHeartbeatUnknownComponent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Heartbeat("does-not-exist", types.StateActive, "")
	assert.Error(t, err)
}

// TestHeartbeatArgsPreservation verifies that every key in a SendCommand
// call's args appears bit-identical in exactly one subsequent Heartbeat
// response's PendingCommand.args.
func TestHeartbeatArgsPreservation(t *testing.T) {
	r := NewRegistry()
	id := r.Register("", "sensor.clock", "localhost:9001", types.Capabilities{})

	args := map[string]any{"reload_path": "/etc/gladys/sensors.yaml", "retries": float64(3)}
	cmdID, err := r.SendCommand(id, types.CommandReload, args)
	require.NoError(t, err)
	require.NotEmpty(t, cmdID)

	cmds, err := r.Heartbeat(id, types.StateActive, "")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, cmdID, cmds[0].ID)
	assert.Equal(t, types.CommandReload, cmds[0].Command)
	assert.Equal(t, args, cmds[0].Args)

	// A second heartbeat after the command was drained must not redeliver it.
	cmds, err = r.Heartbeat(id, types.StateActive, "")
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestRegistryMarkDead(t *testing.T) {
	r := NewRegistry()
	id := r.Register("", "sensor.clock", "localhost:9001", types.Capabilities{})

	dead := r.MarkDead(0) // zero deadline: everything not just-registered is stale
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0])

	c, ok := r.Resolve(id, "")
	require.True(t, ok)
	assert.Equal(t, types.StateDead, c.State)
}

func TestRegistryUnregisterRemoves(t *testing.T) {
	r := NewRegistry()
	id := r.Register("", "sensor.clock", "localhost:9001", types.Capabilities{})
	r.Unregister(id)

	_, ok := r.Resolve(id, "")
	assert.False(t, ok)
}
