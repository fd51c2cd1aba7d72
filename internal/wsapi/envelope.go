// Package wsapi implements StreamKit's WebSocket control plane: one
// connection per client, JSON envelopes carrying requests/responses/events,
// correlation-id matching, and per-session event broadcast (spec.md §6).
package wsapi

import "encoding/json"

// Envelope types, per spec.md §6.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Request/response payload kinds.
const (
	KindCreateSession  = "CreateSession"
	KindDestroySession = "DestroySession"
	KindListSessions   = "ListSessions"
	KindGetPipeline    = "GetPipeline"
	KindAddNode        = "AddNode"
	KindRemoveNode     = "RemoveNode"
	KindConnect        = "Connect"
	KindDisconnect     = "Disconnect"
	KindTuneNode       = "TuneNode"
	KindTuneNodeAsync  = "TuneNodeAsync"
	KindValidateBatch  = "ValidateBatch"
	KindApplyBatch     = "ApplyBatch"
	KindError          = "Error"
)

// Event payload kinds.
const (
	KindStateUpdate    = "StateUpdate"
	KindStatsSnapshot  = "StatsSnapshot"
	KindTelemetryEvent = "TelemetryEvent"
)

// Envelope is the outer JSON object exchanged over the control websocket.
// Responses carry the request's CorrelationID; events carry none. Clients
// are expected to ignore unknown Kind values rather than disconnect.
type Envelope struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Payload       Payload `json:"payload"`
}

// Payload is a flattened union of every request/response/event shape.
// Only the fields relevant to Kind are populated; this mirrors the
// teacher's single flattened protocol.Message rather than a tagged Go
// union, since the wire format itself is one flat JSON object per spec.md.
type Payload struct {
	Kind string `json:"kind"`

	// CreateSession request.
	YAML string `json:"yaml,omitempty"`
	Name string `json:"name,omitempty"`

	// Session targeting, used by most request kinds.
	SessionID string `json:"session_id,omitempty"`

	// AddNode / RemoveNode / TuneNode.
	NodeID   string          `json:"node_id,omitempty"`
	NodeKind string          `json:"node_kind,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`

	// Connect / Disconnect.
	FromNode string `json:"from_node,omitempty"`
	FromPin  string `json:"from_pin,omitempty"`
	ToNode   string `json:"to_node,omitempty"`
	ToPin    string `json:"to_pin,omitempty"`
	Mode     string `json:"mode,omitempty"`

	// ValidateBatch / ApplyBatch.
	Ops []OpPayload `json:"ops,omitempty"`

	// Responses.
	Sessions []SessionInfo `json:"sessions,omitempty"`
	Pipeline *PipelineView `json:"pipeline,omitempty"`
	Error    string        `json:"error,omitempty"`

	// Events.
	NodeState *NodeStateEvent `json:"node_state,omitempty"`
	Stats     *StatsEvent     `json:"stats,omitempty"`
	Telemetry *TelemetryEvt   `json:"telemetry,omitempty"`
}

// OpPayload is one entry of a ValidateBatch/ApplyBatch op sequence, mirrored
// field-for-field from engine.Op's wire-relevant subset.
type OpPayload struct {
	Kind string `json:"kind"`

	NodeID   string          `json:"node_id,omitempty"`
	NodeKind string          `json:"node_kind,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`

	FromNode string `json:"from_node,omitempty"`
	FromPin  string `json:"from_pin,omitempty"`
	ToNode   string `json:"to_node,omitempty"`
	ToPin    string `json:"to_pin,omitempty"`
	Mode     string `json:"mode,omitempty"`

	TuneMessage json.RawMessage `json:"tune_message,omitempty"`
}

// SessionInfo is the ListSessions response entry.
type SessionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// PipelineView is the GetPipeline response body: the compiled plan
// re-expressed for JSON rather than reusing pipeline.Pipeline's internal
// ordered-map representation directly.
type PipelineView struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Mode        string             `json:"mode"`
	Nodes       []PipelineNodeView `json:"nodes"`
	Connections []ConnectionView   `json:"connections"`
}

// PipelineNodeView is one entry of PipelineView.Nodes.
type PipelineNodeView struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ConnectionView is one entry of PipelineView.Connections.
type ConnectionView struct {
	FromNode string `json:"from_node"`
	FromPin  string `json:"from_pin"`
	ToNode   string `json:"to_node"`
	ToPin    string `json:"to_pin"`
	Mode     string `json:"mode"`
}

// NodeStateEvent mirrors node.StateUpdate for the wire.
type NodeStateEvent struct {
	SessionID  string `json:"session_id"`
	NodeID     string `json:"node_id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Attempt    *int   `json:"attempt,omitempty"`
}

// StatsEvent mirrors node.StatsSnapshot for the wire.
type StatsEvent struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Errored   uint64 `json:"errored"`
	Discarded uint64 `json:"discarded"`
	Final     bool   `json:"final,omitempty"`
}

// TelemetryEvt mirrors node.TelemetryEvent for the wire (named Evt to avoid
// colliding with the node package's own TelemetryEvent type).
type TelemetryEvt struct {
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func errorResponse(correlationID, message string) Envelope {
	return Envelope{
		Type:          TypeResponse,
		CorrelationID: correlationID,
		Payload:       Payload{Kind: KindError, Error: message},
	}
}
