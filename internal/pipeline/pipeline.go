// Package pipeline defines the canonical, compiled pipeline representation:
// the shape the compiler emits and the engine consumes.
package pipeline

import (
	"encoding/json"
)

// Mode selects whether a pipeline expects runtime mutation (Dynamic) or
// terminates when its source completes (OneShot).
type Mode string

const (
	Dynamic Mode = "dynamic"
	OneShot Mode = "oneshot"
)

// ConnectionMode controls a connection's full-buffer behavior.
type ConnectionMode string

const (
	Reliable   ConnectionMode = "reliable"
	BestEffort ConnectionMode = "best_effort"
)

// Node is one entry in the canonical pipeline's node map.
type Node struct {
	Kind   string
	Params json.RawMessage
}

// Connection is one typed channel between an output pin and an input pin.
type Connection struct {
	FromNode string
	FromPin  string
	ToNode   string
	ToPin    string
	Mode     ConnectionMode
}

// Pipeline is the canonical, validated execution plan: the output of the
// compiler and the input to the engine.
type Pipeline struct {
	Name        string
	Description string
	ModeValue   Mode
	// Nodes preserves user declaration order; order is significant for
	// deterministic GetPipeline responses.
	Nodes       *NodeMap
	Connections []Connection
}

// Mode returns the pipeline's execution mode, defaulting to Dynamic.
func (p *Pipeline) Mode() Mode {
	if p.ModeValue == "" {
		return Dynamic
	}
	return p.ModeValue
}

// Clone returns a deep-enough copy for shadow-plan mutation simulation
// (ValidateBatch): node params are shared (treated as immutable once
// compiled) but the node map and connection slice are independent.
func (p *Pipeline) Clone() *Pipeline {
	cp := &Pipeline{
		Name:        p.Name,
		Description: p.Description,
		ModeValue:   p.ModeValue,
		Nodes:       p.Nodes.Clone(),
		Connections: append([]Connection(nil), p.Connections...),
	}
	return cp
}
