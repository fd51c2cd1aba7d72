package engine

import (
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

// liveNode is one spawned instance: the worker goroutine, its control
// channel, its output router, and the input channels wired to it by
// connections from other nodes.
type liveNode struct {
	id   string
	kind string
	impl node.ProcessorNode

	// dynamicInputs/dynamicOutputs override impl's statically declared pins
	// when Initialize returned a Changed pin.Update (e.g. a MoQ subscriber
	// that only knows its per-track pins after probing the catalog).
	dynamicInputs  []pin.InputPin
	dynamicOutputs []pin.OutputPin

	router *outputRouter
	ctrl   chan node.ControlMessage
	stats  *statsThrottler

	// inputs holds the channel for each declared/inferred input pin. The
	// connecting distributor owns the send side; the node's Run loop only
	// ever sees the receive side via node.Context.Inputs.
	inputs map[string]chan ptype.Packet

	// inputTypes records, per input pin, the actual PacketType flowing into
	// it once connected (the upstream's resolved produced type). A node
	// whose own output pin declares ptype.Passthrough() is resolved against
	// this at connect time — see resolvedInputType.
	inputTypes map[string]ptype.PacketType

	done   chan struct{} // closed when Run returns
	runErr error
}

func newLiveNode(id, kind string, impl node.ProcessorNode, statsTx chan<- node.StatsSnapshot) *liveNode {
	stats := newStatsThrottler(id, statsTx)
	return &liveNode{
		id:         id,
		kind:       kind,
		impl:       impl,
		router:     newOutputRouter(id, stats),
		ctrl:       make(chan node.ControlMessage, 4),
		stats:      stats,
		inputs:     make(map[string]chan ptype.Packet),
		inputTypes: make(map[string]ptype.PacketType),
		done:       make(chan struct{}),
	}
}

// effectiveInputs returns ln's dynamic pin override if Initialize supplied
// one, else impl's statically declared input pins.
func (ln *liveNode) effectiveInputs() []pin.InputPin {
	if ln.dynamicInputs != nil {
		return ln.dynamicInputs
	}
	return ln.impl.InputPins()
}

// effectiveOutputs mirrors effectiveInputs for output pins.
func (ln *liveNode) effectiveOutputs() []pin.OutputPin {
	if ln.dynamicOutputs != nil {
		return ln.dynamicOutputs
	}
	return ln.impl.OutputPins()
}

// resolvedInputType reports the actual PacketType flowing into ln's sole
// input pin, for resolving a ptype.Passthrough() output declaration at
// connect time. A node with zero or more than one input pin has no single
// upstream type to pass through, so this only succeeds for the common
// one-in/one-out passthrough shape (e.g. core::pacer).
func (ln *liveNode) resolvedInputType() (ptype.PacketType, bool) {
	inputs := ln.effectiveInputs()
	if len(inputs) != 1 {
		return ptype.PacketType{}, false
	}
	t, ok := ln.inputTypes[inputs[0].Name]
	return t, ok
}

// inputChan returns ln's channel for pinName, creating it with capacity cap
// on first use. Called once per incoming connection during wiring.
func (ln *liveNode) inputChan(pinName string, capacity int) chan ptype.Packet {
	ch, ok := ln.inputs[pinName]
	if !ok {
		ch = make(chan ptype.Packet, capacity)
		ln.inputs[pinName] = ch
	}
	return ch
}

// contextInputs builds the receive-only view node.Context requires.
func (ln *liveNode) contextInputs() map[string]<-chan ptype.Packet {
	out := make(map[string]<-chan ptype.Packet, len(ln.inputs))
	for name, ch := range ln.inputs {
		out[name] = ch
	}
	return out
}

func (e *Engine) runNode(sessionID string, ln *liveNode, batchSize int) {
	nctx := node.Context{
		NodeID:      ln.id,
		SessionID:   sessionID,
		Inputs:      ln.contextInputs(),
		Control:     ln.ctrl,
		Output:      ln.router,
		BatchSize:   batchSize,
		Done:        e.done,
		StateTx:     e.stateTx,
		StatsTx:     e.statsTx,
		TelemetryTx: e.telemetryTx,
	}

	go func() {
		defer close(ln.done)
		defer ln.router.closeAll()
		defer ln.stats.flush(true)

		// A self-reporting node (e.g. a Ready/Start-gated source, or one
		// that cycles through Recovering) emits its own Running transition
		// at the point it actually starts doing work; emitting a generic
		// one here would race ahead of — or duplicate — that signal.
		if _, selfReporting := ln.impl.(node.SelfReporting); !selfReporting {
			e.sendState(node.StateUpdate{NodeID: ln.id, State: node.StateRunning})
		}
		err := ln.impl.Run(nctx)
		ln.runErr = err

		reason := node.StopCompleted
		state := node.StateStopped
		var failReason string
		if err != nil {
			state = node.StateFailed
			failReason = err.Error()
			ln.stats.erroredN(1)
			e.log.Warn("node run returned error", "node", ln.id, "kind", ln.kind, "err", err)
		}
		e.sendState(node.StateUpdate{NodeID: ln.id, State: state, Reason: reason, FailReason: failReason})
	}()
}

func (e *Engine) sendState(u node.StateUpdate) {
	select {
	case e.stateTx <- u:
	case <-e.done:
	}
}
