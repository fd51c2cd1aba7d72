// Package pin defines the named, typed input and output ports a
// ProcessorNode declares.
package pin

import "github.com/streamkit-io/streamkit/internal/ptype"

// Cardinality controls how many upstream connections a pin tolerates and
// how an output pin fans out.
type Cardinality string

const (
	// One input pins require exactly one incoming connection while Running.
	One Cardinality = "one"
	// Broadcast output pins fan out to every subscriber.
	Broadcast Cardinality = "broadcast"
)

// InputPin is one named, typed input port on a node.
type InputPin struct {
	Name         string
	AcceptsTypes []ptype.PacketType
	Cardinality  Cardinality
}

// OutputPin is one named, typed output port on a node.
type OutputPin struct {
	Name         string
	ProducesType ptype.PacketType
	Cardinality  Cardinality
}

// Update is returned by a dynamic node's Initialize step.
type Update struct {
	Changed bool
	Inputs  []InputPin
	Outputs []OutputPin
}

// NoChange is the Update a node returns when its static pin declaration
// already describes its pins correctly.
var NoChange = Update{}
