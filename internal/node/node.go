package node

import (
	"context"
	"encoding/json"

	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

// InitContext is handed to a dynamic node's Initialize step so it can probe
// the external world (e.g. a MoQ catalog) before the engine commits to a
// pin set and spawns channels.
type InitContext struct {
	NodeID    string
	SessionID string
	Params    json.RawMessage
}

// OutputSender is the pin-keyed handle a running node uses to emit packets.
// Send blocks under Reliable backpressure; the engine's output router
// applies BestEffort drop-oldest semantics transparently to the caller.
type OutputSender interface {
	NodeName() string
	Send(ctx context.Context, pinName string, pkt ptype.Packet) error
}

// Context is everything a worker's Run method needs: input receivers keyed
// by declared pin name, a control channel, an output sender, cancellation,
// and the observability fan-in channels.
type Context struct {
	NodeID    string
	SessionID string

	Inputs  map[string]<-chan ptype.Packet
	Control <-chan ControlMessage
	Output  OutputSender

	BatchSize int

	// Done is closed when the session's cancellation token fires; workers
	// must check it at every suspension point.
	Done <-chan struct{}

	StateTx     chan<- StateUpdate
	StatsTx     chan<- StatsSnapshot
	TelemetryTx chan<- TelemetryEvent
}

// TakeInput returns the receiver for an input pin and true, or false if
// that pin had no wired channel when the node was spawned.
func (c Context) TakeInput(name string) (<-chan ptype.Packet, bool) {
	ch, ok := c.Inputs[name]
	return ch, ok
}

// ProcessorNode is the worker contract every node kind implements.
type ProcessorNode interface {
	InputPins() []pin.InputPin
	OutputPins() []pin.OutputPin
	Run(ctx Context) error
}

// ContentTyped is an optional capability: nodes whose output's concrete
// content type is only known after construction (e.g. a container muxer
// configured for a specific codec) implement this to report it.
type ContentTyped interface {
	ContentType() string
}

// Initializer is an optional capability: dynamic nodes that must probe the
// external world to learn their true pin set implement this. The engine
// calls it once, after construction and before spawning, and treats a
// failing call as NoChange (falls back to the node's static pins).
type Initializer interface {
	Initialize(ctx context.Context, init InitContext) (pin.Update, error)
}

// ParamUpdater is an optional capability: nodes that accept hot parameter
// updates implement this. A rejected update must leave the node's prior
// configuration in effect and should log a warning through the node's own
// logger; the engine does not retry or surface the rejection beyond that.
type ParamUpdater interface {
	UpdateParams(params json.RawMessage) error
}

// SelfReporting is an optional capability: nodes that manage their own
// Ready/Running/Recovering transitions over ctx.StateTx (typically a
// source node gated behind a Start control message, or one that cycles
// through Recovering on reconnect) implement this so the engine's worker
// loop skips its generic post-construction Running emission and leaves
// the entire Running transition to the node itself.
type SelfReporting interface {
	ReportsOwnState()
}

// Factory constructs one node instance from user-supplied params. It must
// validate params and return a Configuration error if they're invalid.
type Factory func(params json.RawMessage) (ProcessorNode, error)
