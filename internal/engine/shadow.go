package engine

import (
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// shadowNode is the plan-level (no live instance) view of a node ValidateBatch
// checks a mutation sequence against: its declared pins and which input
// pins are currently occupied.
type shadowNode struct {
	kind            string
	inputs          []pin.InputPin
	outputs         []pin.OutputPin
	connectedInputs map[string]bool

	// inputTypes mirrors liveNode.inputTypes, so a batch that wires a
	// Passthrough output resolves the same way connectLocked resolves it
	// on the live engine.
	inputTypes map[string]ptype.PacketType
}

// resolvedInputType mirrors liveNode.resolvedInputType for the shadow replay.
func (s shadowNode) resolvedInputType() (ptype.PacketType, bool) {
	if len(s.inputs) != 1 {
		return ptype.PacketType{}, false
	}
	t, ok := s.inputTypes[s.inputs[0].Name]
	return t, ok
}

// shadowEngine replays a mutation batch against a disposable clone of the
// live plan using only registry-declared pin shapes, never constructing a
// real node.Factory instance. This keeps ValidateBatch free of any
// side effect a real construction could have (e.g. opening a network
// connection in a transport node's Initialize).
type shadowEngine struct {
	plan     *pipeline.Pipeline
	registry *registry.Registry
	nodes    map[string]shadowNode
}

// newShadowEngine seeds a shadowEngine with the declared pins of every node
// already in plan and the occupancy of every existing connection, so a
// batch that references pre-existing nodes/pins validates correctly.
func newShadowEngine(plan *pipeline.Pipeline, reg *registry.Registry) (*shadowEngine, error) {
	s := &shadowEngine{plan: plan, registry: reg, nodes: make(map[string]shadowNode)}
	var seedErr error
	plan.Nodes.Each(func(id string, n pipeline.Node) {
		if seedErr != nil {
			return
		}
		info, err := reg.Lookup(n.Kind)
		if err != nil {
			seedErr = err
			return
		}
		s.nodes[id] = shadowNode{kind: n.Kind, inputs: info.Inputs, outputs: info.Outputs, connectedInputs: map[string]bool{}, inputTypes: map[string]ptype.PacketType{}}
	})
	if seedErr != nil {
		return nil, seedErr
	}
	for _, c := range plan.Connections {
		if to, ok := s.nodes[c.ToNode]; ok {
			to.connectedInputs[c.ToPin] = true
		}
	}
	return s, nil
}

func (s *shadowEngine) apply(op Op) error {
	switch op.Kind {
	case OpAddNode:
		return s.addNode(op.NodeID, op.NodeKind)
	case OpRemoveNode:
		return s.removeNode(op.NodeID)
	case OpConnect:
		return s.connect(op.FromNode, op.FromPin, op.ToNode, op.ToPin)
	case OpDisconnect:
		return s.disconnect(op.ToNode, op.ToPin)
	case OpTuneNode:
		if _, ok := s.nodes[op.NodeID]; !ok {
			return streamkiterr.NotFoundf(op.NodeID, "node not found")
		}
		return nil
	default:
		return streamkiterr.Validationf("", "unknown op kind %q", op.Kind)
	}
}

func (s *shadowEngine) addNode(id, kind string) error {
	if _, exists := s.nodes[id]; exists {
		return streamkiterr.Conflictf(id, "node already exists")
	}
	info, err := s.registry.Lookup(kind)
	if err != nil {
		return err
	}
	s.nodes[id] = shadowNode{kind: kind, inputs: info.Inputs, outputs: info.Outputs, connectedInputs: map[string]bool{}, inputTypes: map[string]ptype.PacketType{}}
	return nil
}

func (s *shadowEngine) removeNode(id string) error {
	if _, ok := s.nodes[id]; !ok {
		return streamkiterr.NotFoundf(id, "node not found")
	}
	delete(s.nodes, id)
	return nil
}

func (s *shadowEngine) connect(fromNode, fromPin, toNode, toPin string) error {
	from, ok := s.nodes[fromNode]
	if !ok {
		return streamkiterr.NotFoundf(fromNode, "unknown source node")
	}
	to, ok := s.nodes[toNode]
	if !ok {
		return streamkiterr.NotFoundf(toNode, "unknown destination node")
	}

	var outPin *pin.OutputPin
	for i := range from.outputs {
		if from.outputs[i].Name == fromPin {
			outPin = &from.outputs[i]
			break
		}
	}
	if outPin == nil {
		return streamkiterr.NotFoundf(fromPin, "output pin not declared")
	}
	var inPin *pin.InputPin
	for i := range to.inputs {
		if to.inputs[i].Name == toPin {
			inPin = &to.inputs[i]
			break
		}
	}
	if inPin == nil {
		return streamkiterr.NotFoundf(toPin, "input pin not declared")
	}

	producedType := outPin.ProducesType
	if producedType.Variant == ptype.VariantPassthrough {
		resolved, ok := from.resolvedInputType()
		if !ok {
			return streamkiterr.Validationf(fromNode+"."+fromPin, "passthrough output has no resolvable upstream input type yet")
		}
		producedType = resolved
	}
	if !acceptsAny(inPin.AcceptsTypes, producedType) {
		return streamkiterr.Validationf(toNode+"."+toPin, "incompatible packet types")
	}
	if inPin.Cardinality == pin.One && to.connectedInputs[toPin] {
		return streamkiterr.Conflictf(toNode+"."+toPin, "input pin already connected")
	}
	to.connectedInputs[toPin] = true
	to.inputTypes[toPin] = producedType
	return nil
}

func (s *shadowEngine) disconnect(toNode, toPin string) error {
	to, ok := s.nodes[toNode]
	if !ok {
		return streamkiterr.NotFoundf(toNode, "unknown destination node")
	}
	delete(to.connectedInputs, toPin)
	return nil
}
