package node

import "encoding/json"

// ControlMessageType discriminates messages sent to a worker's dedicated
// control channel.
type ControlMessageType string

const (
	ControlUpdateParams ControlMessageType = "update_params"
	ControlStart        ControlMessageType = "start"
	ControlShutdown     ControlMessageType = "shutdown"
)

// ControlMessage is one message on a node's control channel. Messages to one
// node are observed in send order.
type ControlMessage struct {
	Type   ControlMessageType
	Params json.RawMessage // meaningful iff Type == ControlUpdateParams
}

// StatsSnapshot is a per-node throughput counter snapshot, throttled to
// roughly one update per fixed interval with a terminal force_send flush.
type StatsSnapshot struct {
	NodeID    string
	Received  uint64
	Sent      uint64
	Errored   uint64
	Discarded uint64
	Final     bool
}

// TelemetryEvent is an arbitrary JSON event tagged with a type, routed to
// the session-level bus and broadcast to subscribed control connections.
type TelemetryEvent struct {
	NodeID    string
	EventType string
	Payload   json.RawMessage
}
