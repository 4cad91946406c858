// Package proto defines the wire messages exchanged over the Orchestrator's
// gRPC boundary. Message shapes mirror pkg/types directly — the domain
// types already carry the json tags a protoc-gen-go message would — and
// free-form map fields (Event.structured_payload, PendingCommand.args) are
// passed through structpb for wire-safety validation before they are
// handed to the JSON codec, without requiring generated descriptor code.
package proto

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gladys-project/gladys/pkg/types"
)

// ValidatePayload confirms a free-form map is representable as a protobuf
// Struct (the same value universe — null, bool, number, string, list,
// nested struct — the wire format promises callers across languages), and
// returns the normalized form. This is the structpb-backed substitute for a
// generated message's static type checking on a google.protobuf.Struct
// field.
func ValidatePayload(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("payload is not wire-representable: %w", err)
	}
	return s.AsMap(), nil
}

// RequestMetadata is the envelope every RPC carries.
type RequestMetadata = types.RequestMetadata

// PublishEventRequest wraps a single sensor-emitted event.
type PublishEventRequest struct {
	Metadata RequestMetadata `json:"metadata"`
	Event    types.Event     `json:"event"`
}

// PublishEventResponse is the per-event ack. Accepted is false with
// ErrorMessage "queue_full" when the queue rejects the event under
// backpressure, and true otherwise; a later persistence failure does not
// reach the ack.
type PublishEventResponse struct {
	EventID      string `json:"event_id"`
	Accepted     bool   `json:"accepted"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PublishEventsRequest is one frame of the PublishEvents client stream.
type PublishEventsRequest struct {
	Metadata RequestMetadata `json:"metadata"`
	Event    types.Event     `json:"event"`
}

// SubscribeRequest opens a server-streaming subscription.
type SubscribeRequest struct {
	Metadata       RequestMetadata `json:"metadata"`
	SubscriberID   string          `json:"subscriber_id"`
	SourceFilters  []string        `json:"source_filters,omitempty"`
	EventTypes     []string        `json:"event_types,omitempty"`
}

// SubscribeResponse is one frame of the Subscribe server stream — a single
// forwarded event.
type SubscribeResponse struct {
	Event types.Event `json:"event"`
}

// RegisterComponentRequest registers or updates a sensor/subsystem.
type RegisterComponentRequest struct {
	Metadata     RequestMetadata    `json:"metadata"`
	ID           string             `json:"id,omitempty"`
	Type         string             `json:"type"`
	Address      string             `json:"address"`
	Capabilities types.Capabilities `json:"capabilities"`
}

type RegisterComponentResponse struct {
	ID string `json:"id"`
}

type UnregisterComponentRequest struct {
	Metadata RequestMetadata `json:"metadata"`
	ID       string          `json:"id"`
}

type UnregisterComponentResponse struct{}

// HeartbeatRequest is the sensor's liveness report.
type HeartbeatRequest struct {
	Metadata RequestMetadata       `json:"metadata"`
	ID       string                `json:"id"`
	State    types.ComponentState  `json:"state"`
	ErrorMsg string                `json:"error_msg,omitempty"`
	Metrics  map[string]any        `json:"metrics,omitempty"`
}

// HeartbeatResponse carries zero or more commands the sensor MUST execute
// and report back on the following heartbeat.
type HeartbeatResponse struct {
	Acknowledged    bool                   `json:"acknowledged"`
	PendingCommands []types.PendingCommand `json:"pending_commands,omitempty"`
}

type SendCommandRequest struct {
	Metadata RequestMetadata `json:"metadata"`
	TargetID string          `json:"target_id"`
	Command  types.Command   `json:"command"`
	Args     map[string]any  `json:"args,omitempty"`
}

type SendCommandResponse struct {
	CommandID string `json:"command_id"`
}

// ResolveComponentRequest looks a component up by exact id, or by type when
// ID is empty (first match).
type ResolveComponentRequest struct {
	Metadata RequestMetadata `json:"metadata"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
}

type ResolveComponentResponse struct {
	Found        bool                       `json:"found"`
	Registration *types.ComponentRegistration `json:"registration,omitempty"`
}

type ProvideFeedbackRequest struct {
	Metadata   RequestMetadata `json:"metadata"`
	EventID    string          `json:"event_id"`
	Positive   bool            `json:"positive"`
	ResponseID string          `json:"response_id,omitempty"`
	ResponseText string        `json:"response_text,omitempty"`
}

type ProvideFeedbackResponse struct {
	Accepted           bool     `json:"accepted"`
	AffectedHeuristicIDs []string `json:"affected_heuristic_ids,omitempty"`
	ErrorMessage       string   `json:"error_message,omitempty"`
}

type SystemStatusRequest struct {
	Metadata RequestMetadata `json:"metadata"`
}

type SystemStatusResponse struct {
	QueueDepth      int64                        `json:"queue_depth"`
	QueueDropped    int64                        `json:"queue_dropped"`
	PendingOutcomes int64                        `json:"pending_outcomes"`
	Subscribers     int64                        `json:"subscribers"`
	Components      []types.ComponentRegistration `json:"components"`
}

type HealthRequest struct {
	Metadata RequestMetadata `json:"metadata"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type HealthDetailsRequest struct {
	Metadata RequestMetadata `json:"metadata"`
}

type HealthDetailsResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
