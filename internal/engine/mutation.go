package engine

import (
	"context"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// OpKind names one dynamic mutation operation, mirroring spec.md §4.3's
// live-engine API.
type OpKind string

const (
	OpAddNode    OpKind = "add_node"
	OpRemoveNode OpKind = "remove_node"
	OpConnect    OpKind = "connect"
	OpDisconnect OpKind = "disconnect"
	OpTuneNode   OpKind = "tune_node"
)

// Op is one entry of a mutation batch. Only the fields relevant to Kind are
// read.
type Op struct {
	Kind OpKind

	NodeID   string
	NodeKind string
	Params   []byte

	FromNode, FromPin string
	ToNode, ToPin     string
	Mode              pipeline.ConnectionMode

	TuneMessage []byte
}

// RemoveGrace bounds how long RemoveNode waits for the removed worker to
// report a terminal state before tearing down its channels anyway.
const RemoveGrace = 5 * time.Second

// AddNode instantiates, initializes, wires no connections yet, and spawns a
// new node. The reply completes when the spawn step finishes, not when the
// worker itself reaches a terminal state.
func (e *Engine) AddNode(ctx context.Context, sessionID string, op Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.addNodeLocked(ctx, sessionID, op.NodeID, op.NodeKind, op.Params); err != nil {
		return err
	}
	e.runNode(sessionID, e.nodes[op.NodeID], e.batchSize())
	e.plan.Nodes.Set(op.NodeID, pipeline.Node{Kind: op.NodeKind, Params: op.Params})
	return nil
}

// RemoveNode signals Shutdown to the node's control channel, waits up to
// RemoveGrace for it to reach a terminal state, then tears down its
// channels and removes it from the live set.
func (e *Engine) RemoveNode(id string) error {
	e.mu.Lock()
	ln, ok := e.nodes[id]
	if !ok {
		e.mu.Unlock()
		return streamkiterr.NotFoundf(id, "node not found")
	}
	delete(e.nodes, id)
	e.plan.Nodes.Delete(id)
	e.mu.Unlock()

	select {
	case ln.ctrl <- node.ControlMessage{Type: node.ControlShutdown}:
	default:
		e.log.Warn("control channel full, shutdown signal dropped", "node", id)
	}

	select {
	case <-ln.done:
	case <-time.After(RemoveGrace):
		e.log.Warn("remove_node grace period exceeded", "node", id)
	}
	ln.router.closeAll()
	return nil
}

// Connect wires a new connection between two already-spawned nodes.
func (e *Engine) Connect(op Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(op.FromNode, op.FromPin, op.ToNode, op.ToPin, op.Mode); err != nil {
		return err
	}
	e.plan.Connections = append(e.plan.Connections, pipeline.Connection{
		FromNode: op.FromNode, FromPin: op.FromPin, ToNode: op.ToNode, ToPin: op.ToPin, Mode: op.Mode,
	})
	return nil
}

// Disconnect removes a connection. Packets already in flight at the moment
// of removal may be dropped at the sender boundary.
func (e *Engine) Disconnect(op Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	from, ok := e.nodes[op.FromNode]
	if !ok {
		return streamkiterr.NotFoundf(op.FromNode, "unknown source node")
	}
	d := from.router.distributor(op.FromPin, e.log)
	d.remove(op.ToNode, op.ToPin)

	if to, ok := e.nodes[op.ToNode]; ok {
		delete(to.inputs, op.ToPin)
	}

	kept := e.plan.Connections[:0]
	for _, c := range e.plan.Connections {
		if c.FromNode == op.FromNode && c.FromPin == op.FromPin && c.ToNode == op.ToNode && c.ToPin == op.ToPin {
			continue
		}
		kept = append(kept, c)
	}
	e.plan.Connections = kept
	return nil
}

// TuneNode forwards an inlined params object to a node's control channel as
// an UpdateParams message.
func (e *Engine) TuneNode(id string, params []byte) error {
	e.mu.Lock()
	ln, ok := e.nodes[id]
	e.mu.Unlock()
	if !ok {
		return streamkiterr.NotFoundf(id, "node not found")
	}
	select {
	case ln.ctrl <- node.ControlMessage{Type: node.ControlUpdateParams, Params: params}:
		return nil
	default:
		return streamkiterr.Runtimef(id, "control channel full, tune_node dropped")
	}
}

// ValidateBatch runs ops against a disposable shadow copy of the live plan,
// without touching the real engine, so a caller can confirm a sequence is
// admissible before committing to ApplyBatch.
func (e *Engine) ValidateBatch(ops []Op) error {
	e.mu.Lock()
	shadowPlan := e.plan.Clone()
	reg := e.registry
	e.mu.Unlock()

	shadow, err := newShadowEngine(shadowPlan, reg)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := shadow.apply(op); err != nil {
			return err
		}
	}
	return nil
}

// ApplyBatch validates the full ops sequence, then applies it to the live
// engine. Each step is observable in order as it lands; if validation fails
// nothing is applied. If a step fails after validation passed, the batch
// stops there and the steps already applied stay applied: nothing is rolled
// back.
func (e *Engine) ApplyBatch(ctx context.Context, sessionID string, ops []Op) error {
	if err := e.ValidateBatch(ops); err != nil {
		return err
	}
	for i, op := range ops {
		var err error
		switch op.Kind {
		case OpAddNode:
			err = e.AddNode(ctx, sessionID, op)
		case OpRemoveNode:
			err = e.RemoveNode(op.NodeID)
		case OpConnect:
			err = e.Connect(op)
		case OpDisconnect:
			err = e.Disconnect(op)
		case OpTuneNode:
			err = e.TuneNode(op.NodeID, op.TuneMessage)
		default:
			err = streamkiterr.Validationf("", "unknown op kind %q", op.Kind)
		}
		if err != nil {
			return streamkiterr.Runtimef("", "batch step %d (%s) failed after %d prior steps applied: %v", i, op.Kind, i, err)
		}
	}
	return nil
}
