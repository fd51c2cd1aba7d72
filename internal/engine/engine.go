// Package engine spawns and supervises the worker goroutines that execute a
// compiled pipeline, and implements the live dynamic-mutation API
// (AddNode/RemoveNode/Connect/Disconnect/TuneNode/ValidateBatch/ApplyBatch).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// ShutdownGrace bounds how long Shutdown waits for worker goroutines to
// reach a terminal state before the engine is torn down regardless.
const ShutdownGrace = 10 * time.Second

// Engine owns one compiled pipeline's live node graph. Its lock is held
// only for the brief mutations below (map inserts/removes and the plan
// clone for ValidateBatch); it must never be held across a worker
// round-trip — see spec.md's GetPipeline tail-latency note, adapted in
// DESIGN.md.
type Engine struct {
	mu       sync.Mutex
	plan     *pipeline.Pipeline
	registry *registry.Registry
	profile  Profile
	log      *slog.Logger

	nodes map[string]*liveNode

	cancel      context.CancelFunc
	done        <-chan struct{}
	stateTx     chan node.StateUpdate
	statsTx     chan node.StatsSnapshot
	telemetryTx chan node.TelemetryEvent
}

// New constructs an Engine for plan without spawning any workers yet; call
// Start to spawn the initial node set.
func New(plan *pipeline.Pipeline, reg *registry.Registry, profile Profile, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		plan:        plan,
		registry:    reg,
		profile:     profile,
		log:         log,
		nodes:       make(map[string]*liveNode),
		cancel:      cancel,
		done:        ctx.Done(),
		stateTx:     make(chan node.StateUpdate, 256),
		statsTx:     make(chan node.StatsSnapshot, 256),
		telemetryTx: make(chan node.TelemetryEvent, 256),
	}
	return e
}

// StateUpdates exposes the state-transition fan-in for session-level
// observers (control-plane telemetry broadcast).
func (e *Engine) StateUpdates() <-chan node.StateUpdate { return e.stateTx }
func (e *Engine) Stats() <-chan node.StatsSnapshot       { return e.statsTx }
func (e *Engine) Telemetry() <-chan node.TelemetryEvent  { return e.telemetryTx }

// Start instantiates, initializes, and spawns every node in the compiled
// plan, then wires every connection.
func (e *Engine) Start(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	var err error
	e.plan.Nodes.Each(func(id string, _ pipeline.Node) { ids = append(ids, id) })
	for _, id := range ids {
		n, _ := e.plan.Nodes.Get(id)
		if err = e.addNodeLocked(ctx, sessionID, id, n.Kind, n.Params); err != nil {
			return err
		}
	}
	for _, c := range e.plan.Connections {
		if err = e.connectLocked(c.FromNode, c.FromPin, c.ToNode, c.ToPin, c.Mode); err != nil {
			return err
		}
	}
	for _, ln := range e.nodes {
		e.runNode(sessionID, ln, e.batchSize())
	}
	return nil
}

func (e *Engine) batchSize() int {
	switch e.profile {
	case ProfileLowLatency:
		return 1
	case ProfileHighThroughput:
		return 32
	default:
		return 8
	}
}

// Shutdown cancels every worker's Done signal and waits up to
// ShutdownGrace for all of them to report a terminal state.
func (e *Engine) Shutdown() {
	e.cancel()

	e.mu.Lock()
	pending := make([]*liveNode, 0, len(e.nodes))
	for _, ln := range e.nodes {
		pending = append(pending, ln)
	}
	e.mu.Unlock()

	deadline := time.After(ShutdownGrace)
	for _, ln := range pending {
		select {
		case <-ln.done:
		case <-deadline:
			e.log.Warn("shutdown grace period exceeded, some workers may still be running")
			return
		}
	}
}

// addNodeLocked constructs, initializes, and registers a node without
// spawning its worker goroutine (callers spawn once wiring is complete, to
// avoid exposing not-yet-connected input channels).
func (e *Engine) addNodeLocked(ctx context.Context, sessionID, id, kind string, params []byte) error {
	if _, exists := e.nodes[id]; exists {
		return streamkiterr.Conflictf(id, "node already exists")
	}
	info, err := e.registry.Lookup(kind)
	if err != nil {
		return err
	}
	impl, err := info.Factory(params)
	if err != nil {
		return streamkiterr.Configurationf(id, "construct node: %v", err)
	}

	ln := newLiveNode(id, kind, impl, e.statsTx)
	e.sendState(node.StateUpdate{NodeID: id, State: node.StateInitializing})

	if initializer, ok := impl.(node.Initializer); ok {
		update, err := initializer.Initialize(ctx, node.InitContext{NodeID: id, SessionID: sessionID, Params: params})
		if err != nil {
			e.log.Warn("node initialize failed, falling back to static pins", "node", id, "kind", kind, "err", err)
		} else if update.Changed {
			ln.dynamicInputs = update.Inputs
			ln.dynamicOutputs = update.Outputs
		}
	}

	e.nodes[id] = ln
	return nil
}

// connectLocked verifies pin compatibility and cardinality, then allocates
// the bounded channel joining the two nodes. Note: a node's Run loop
// receives its Inputs map once at spawn time, so Connect against an
// already-running node only reaches it on an input pin whose channel
// already existed at spawn (inputChan reuses that channel); a pin first
// wired after spawn, or re-wired after Disconnect removed its channel, is
// not seen by the running node until RemoveNode+AddNode.
func (e *Engine) connectLocked(fromNode, fromPin, toNode, toPin string, mode pipeline.ConnectionMode) error {
	from, ok := e.nodes[fromNode]
	if !ok {
		return streamkiterr.NotFoundf(fromNode, "unknown source node")
	}
	to, ok := e.nodes[toNode]
	if !ok {
		return streamkiterr.NotFoundf(toNode, "unknown destination node")
	}

	outPin, err := findOutputPin(from.effectiveOutputs(), fromPin)
	if err != nil {
		return err
	}
	inPin, err := findInputPin(to.effectiveInputs(), toPin)
	if err != nil {
		return err
	}

	// A Passthrough output (e.g. core::pacer's "out") declares no type of
	// its own: it forwards whatever flows into its own input pin unchanged.
	// Resolve it against that upstream type before checking compatibility —
	// Accepts never compares Passthrough itself (see ptype.Accepts).
	producedType := outPin.ProducesType
	if producedType.Variant == ptype.VariantPassthrough {
		resolved, ok := from.resolvedInputType()
		if !ok {
			return streamkiterr.Validationf(fromNode+"."+fromPin, "passthrough output has no resolvable upstream input type yet")
		}
		producedType = resolved
	}
	if !acceptsAny(inPin.AcceptsTypes, producedType) {
		return streamkiterr.Validationf(toNode+"."+toPin, "incompatible packet types on connection from %s.%s", fromNode, fromPin)
	}
	if inPin.Cardinality == pin.One && to.inputs[toPin] != nil {
		return streamkiterr.Conflictf(toNode+"."+toPin, "input pin already connected")
	}

	// A Broadcast output pin's fan-out buffer is sized independently of the
	// consuming node's own input capacity (spec.md §4.3's two buffer
	// tiers); a One-cardinality pin just uses the input tier directly.
	capacity := inputCapacity(e.profile)
	if outPin.Cardinality == pin.Broadcast {
		capacity = distributorCapacity(e.profile)
	}
	ch := to.inputChan(toPin, capacity)
	to.inputTypes[toPin] = producedType

	sub := &subscriber{ch: ch, mode: mode, toNode: toNode, toPin: toPin, recvStats: to.stats}
	from.router.distributor(fromPin, e.log).add(sub)
	return nil
}

// acceptsAny reports whether produced is compatible with at least one of
// the input pin's declared accepted types.
func acceptsAny(accepted []ptype.PacketType, produced ptype.PacketType) bool {
	for _, required := range accepted {
		if ptype.Accepts(required, produced) {
			return true
		}
	}
	return false
}

func findOutputPin(pins []pin.OutputPin, name string) (pin.OutputPin, error) {
	for _, p := range pins {
		if p.Name == name {
			return p, nil
		}
	}
	return pin.OutputPin{}, streamkiterr.NotFoundf(name, "output pin not declared")
}

func findInputPin(pins []pin.InputPin, name string) (pin.InputPin, error) {
	for _, p := range pins {
		if p.Name == name {
			return p, nil
		}
	}
	return pin.InputPin{}, streamkiterr.NotFoundf(name, "input pin not declared")
}
