// Package orchestrator implements the Event Orchestrator: single ingress for
// events, coordinating salience evaluation, persistence, slow-path dispatch,
// subscriber fan-out, and sensor lifecycle.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gladys-project/gladys/pkg/types"
)

// Registry is the orchestrator's exclusively-owned runtime sensor/subsystem
// record set, mutex-guarded since it is read and written from multiple
// goroutines.
type Registry struct {
	mu         sync.Mutex
	components map[string]*types.ComponentRegistration
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*types.ComponentRegistration)}
}

// Register inserts or updates a component, returning its assigned id (the
// caller-provided id if set, else a newly generated one).
func (r *Registry) Register(id, componentType, address string, caps types.Capabilities) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	existing, ok := r.components[id]
	now := time.Now()
	if ok {
		existing.Type = componentType
		existing.Address = address
		existing.Capabilities = caps
		existing.State = types.StateActive
		existing.LastHeartbeat = now
		return id
	}
	r.components[id] = &types.ComponentRegistration{
		ID:            id,
		Type:          componentType,
		Address:       address,
		Capabilities:  caps,
		State:         types.StateActive,
		LastHeartbeat: now,
	}
	return id
}

// Unregister removes a component entirely.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, id)
}

// Heartbeat updates liveness state/error and drains the component's pending
// command queue, returning those commands to be propagated verbatim to the
// caller.
func (r *Registry) Heartbeat(id string, state types.ComponentState, errorMsg string) ([]types.PendingCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[id]
	if !ok {
		return nil, fmt.Errorf("component %s not registered", id)
	}
	c.State = state
	c.LastError = errorMsg
	c.LastHeartbeat = time.Now()

	cmds := c.PendingCommands
	c.PendingCommands = nil
	return cmds, nil
}

// SendCommand enqueues a command for delivery on the target's next
// heartbeat; it returns once queued, not once executed.
func (r *Registry) SendCommand(targetID string, command types.Command, args map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[targetID]
	if !ok {
		return "", fmt.Errorf("component %s not registered", targetID)
	}
	cmd := types.PendingCommand{ID: uuid.NewString(), Command: command, Args: args}
	c.PendingCommands = append(c.PendingCommands, cmd)
	return cmd.ID, nil
}

// Resolve looks a component up by id, or by type if id is empty (returning a
// component of that type whatever its state; when several match, which one
// is returned is not defined).
func (r *Registry) Resolve(id, componentType string) (*types.ComponentRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		c, ok := r.components[id]
		return c, ok
	}
	for _, c := range r.components {
		if c.Type == componentType {
			return c, true
		}
	}
	return nil, false
}

// Snapshot returns a copy of every registered component, for status/health
// reporting and the dead-sensor scanner.
func (r *Registry) Snapshot() []types.ComponentRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.ComponentRegistration, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, *c)
	}
	return out
}

// MarkDead transitions components whose last heartbeat exceeds deadAfter
// into the DEAD state; it does not remove them (Unregister is explicit).
func (r *Registry) MarkDead(deadAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var marked []string
	for id, c := range r.components {
		if c.State == types.StateDead {
			continue
		}
		if now.Sub(c.LastHeartbeat) > deadAfter {
			c.State = types.StateDead
			marked = append(marked, id)
		}
	}
	return marked
}
