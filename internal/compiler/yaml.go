// Package compiler turns a user-facing YAML/JSON pipeline definition (the
// "steps" linear form or the "nodes" DAG form) into the canonical
// pipeline.Pipeline the engine executes. Grounded on the original
// implementation's crates/api/src/yaml.rs.
package compiler

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// step is one entry of the simplified linear "steps" form.
type step struct {
	Kind   string     `yaml:"kind" json:"kind"`
	Params yamlParams `yaml:"params" json:"params"`
}

// yamlParams holds a node's params as JSON, converted from any YAML value.
type yamlParams json.RawMessage

func (p *yamlParams) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil || v == nil {
		return err
	}
	b, err := json.Marshal(v)
	*p = b
	return err
}

// needsDependency is a single `needs` entry: either a bare node name or
// `{node, mode}`.
type needsDependency struct {
	node string
	mode pipeline.ConnectionMode
}

// userNode is one entry of the DAG "nodes" mapping.
type userNode struct {
	Kind   string          `yaml:"kind" json:"kind"`
	Params yamlParams `yaml:"params" json:"params"`
	Needs  needsList  `yaml:"needs" json:"needs"`
}

// needsList normalizes the `needs` field's three accepted shapes (absent,
// single, list — each element itself either a bare string or an object)
// into a single ordered slice.
type needsList []needsDependency

func (n *needsList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*n = needsList{{node: s, mode: pipeline.Reliable}}
		return nil
	case yaml.MappingNode:
		dep, err := decodeNeedsMapping(value)
		if err != nil {
			return err
		}
		*n = needsList{dep}
		return nil
	case yaml.SequenceNode:
		out := make(needsList, 0, len(value.Content))
		for _, item := range value.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				var s string
				if err := item.Decode(&s); err != nil {
					return err
				}
				out = append(out, needsDependency{node: s, mode: pipeline.Reliable})
			case yaml.MappingNode:
				dep, err := decodeNeedsMapping(item)
				if err != nil {
					return err
				}
				out = append(out, dep)
			default:
				return fmt.Errorf("needs: unsupported list element kind")
			}
		}
		*n = out
		return nil
	case 0:
		*n = nil
		return nil
	default:
		return fmt.Errorf("needs: unsupported node kind")
	}
}

func decodeNeedsMapping(value *yaml.Node) (needsDependency, error) {
	var raw struct {
		Node string `yaml:"node"`
		Mode string `yaml:"mode"`
	}
	if err := value.Decode(&raw); err != nil {
		return needsDependency{}, err
	}
	mode := pipeline.Reliable
	if raw.Mode == "best_effort" {
		mode = pipeline.BestEffort
	}
	return needsDependency{node: raw.Node, mode: mode}, nil
}

// rawTop is the untagged union of the two top-level YAML shapes. yaml.v3
// doesn't preserve mapping order through a plain map, so `nodes` is decoded
// as a raw *yaml.Node and walked pairwise to preserve declaration order,
// which the mixer num_inputs / pin-inference algorithm depends on.
type rawTop struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Mode        string    `yaml:"mode"`
	Steps       *[]step   `yaml:"steps"`
	Nodes       *yaml.Node `yaml:"nodes"`
}

// Compile parses raw YAML (or JSON, which is a YAML subset) bytes and
// compiles it into a canonical pipeline.Pipeline.
func Compile(raw []byte, reg *registry.Registry) (*pipeline.Pipeline, error) {
	var top rawTop
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return nil, streamkiterr.Validationf("", "parse pipeline document: %v", err)
	}

	mode := pipeline.Dynamic
	switch top.Mode {
	case "", "dynamic":
		mode = pipeline.Dynamic
	case "oneshot":
		mode = pipeline.OneShot
	default:
		return nil, streamkiterr.Validationf("mode", "unknown pipeline mode %q", top.Mode)
	}

	hasSteps := top.Steps != nil
	hasNodes := top.Nodes != nil
	if hasSteps == hasNodes {
		return nil, streamkiterr.Validationf("", "pipeline must set exactly one of 'steps' or 'nodes'")
	}

	if hasSteps {
		return compileSteps(top.Name, top.Description, mode, *top.Steps)
	}
	return compileDAG(top.Name, top.Description, mode, top.Nodes)
}

func compileSteps(name, description string, mode pipeline.Mode, steps []step) (*pipeline.Pipeline, error) {
	if len(steps) == 0 {
		return nil, streamkiterr.Validationf("", "pipeline must declare at least one node")
	}

	nodes := pipeline.NewNodeMap()
	var connections []pipeline.Connection

	for i, s := range steps {
		nodeName := fmt.Sprintf("step_%d", i)
		if i > 0 {
			connections = append(connections, pipeline.Connection{
				FromNode: fmt.Sprintf("step_%d", i-1),
				FromPin:  "out",
				ToNode:   nodeName,
				ToPin:    "in",
				Mode:     pipeline.Reliable,
			})
		}
		nodes.Set(nodeName, pipeline.Node{Kind: s.Kind, Params: json.RawMessage(s.Params)})
	}

	return &pipeline.Pipeline{Name: name, Description: description, ModeValue: mode, Nodes: nodes, Connections: connections}, nil
}

// dagNode is the order-preserving decode of one `nodes` map entry.
type dagNode struct {
	id   string
	node userNode
}

func decodeDAGNodes(mapping *yaml.Node) ([]dagNode, error) {
	if mapping.Kind != yaml.MappingNode {
		return nil, streamkiterr.Validationf("nodes", "'nodes' must be a mapping")
	}
	out := make([]dagNode, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode, valNode := mapping.Content[i], mapping.Content[i+1]
		var id string
		if err := keyNode.Decode(&id); err != nil {
			return nil, streamkiterr.Validationf("nodes", "node id: %v", err)
		}
		var un userNode
		if err := valNode.Decode(&un); err != nil {
			return nil, streamkiterr.Validationf(id, "decode node: %v", err)
		}
		out = append(out, dagNode{id: id, node: un})
	}
	return out, nil
}

func compileDAG(name, description string, mode pipeline.Mode, mapping *yaml.Node) (*pipeline.Pipeline, error) {
	entries, err := decodeDAGNodes(mapping)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, streamkiterr.Validationf("", "pipeline must declare at least one node")
	}

	byID := make(map[string]userNode, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		byID[e.id] = e.node
		order = append(order, e.id)
	}

	// 1. Validate references.
	for _, e := range entries {
		for _, dep := range e.node.Needs {
			if _, ok := byID[dep.node]; !ok {
				return nil, streamkiterr.Validationf(e.id, "unknown dependency %q", dep.node)
			}
		}
	}

	// 2. Cycle detection with bidirectional-kind exemption.
	if err := detectCycles(order, byID); err != nil {
		return nil, err
	}

	// 3. Pin inference + connection emission.
	var connections []pipeline.Connection
	incoming := make(map[string]int, len(entries))
	for _, e := range entries {
		deps := e.node.Needs
		for idx, dep := range deps {
			toPin := "in"
			if len(deps) > 1 {
				toPin = fmt.Sprintf("in_%d", idx)
			}
			connections = append(connections, pipeline.Connection{
				FromNode: dep.node,
				FromPin:  "out",
				ToNode:   e.id,
				ToPin:    toPin,
				Mode:     dep.mode,
			})
		}
		incoming[e.id] = len(deps)
	}

	// 4. num_inputs injection for audio::mixer.
	nodes := pipeline.NewNodeMap()
	for _, e := range entries {
		un := e.node
		params := json.RawMessage(un.Params)
		if un.Kind == "audio::mixer" && mode != pipeline.Dynamic && incoming[e.id] > 1 {
			params, err = injectNumInputs(params, incoming[e.id])
			if err != nil {
				return nil, streamkiterr.Validationf(e.id, "inject num_inputs: %v", err)
			}
		}
		nodes.Set(e.id, pipeline.Node{Kind: un.Kind, Params: params})
	}

	return &pipeline.Pipeline{Name: name, Description: description, ModeValue: mode, Nodes: nodes, Connections: connections}, nil
}

// injectNumInputs sets params.num_inputs = count unless the user already set
// a non-null value.
func injectNumInputs(params json.RawMessage, count int) (json.RawMessage, error) {
	m := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, err
		}
	}
	if existing, ok := m["num_inputs"]; ok && existing != nil {
		return params, nil
	}
	m["num_inputs"] = count
	return json.Marshal(m)
}

// detectCycles runs a DFS over the dependency edge set {dep -> dependent}
// and rejects any cycle unless at least one node on it has a bidirectional
// kind.
func detectCycles(order []string, byID map[string]userNode) error {
	adjacency := make(map[string][]string, len(order))
	for _, id := range order {
		adjacency[id] = nil
	}
	for _, id := range order {
		for _, dep := range byID[id].Needs {
			adjacency[dep.node] = append(adjacency[dep.node], id)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(order))
	var path []string

	var dfs func(n string) ([]string, bool)
	dfs = func(n string) ([]string, bool) {
		color[n] = gray
		path = append(path, n)
		for _, next := range adjacency[n] {
			switch color[next] {
			case white:
				if cyc, found := dfs(next); found {
					return cyc, true
				}
			case gray:
				startIdx := 0
				for i, p := range path {
					if p == next {
						startIdx = i
						break
					}
				}
				cyc := append([]string(nil), path[startIdx:]...)
				return cyc, true
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return nil, false
	}

	for _, id := range order {
		if color[id] != white {
			continue
		}
		if cyc, found := dfs(id); found {
			hasBidirectional := false
			for _, n := range cyc {
				if registry.BidirectionalKinds[byID[n].Kind] {
					hasBidirectional = true
					break
				}
			}
			if !hasBidirectional {
				return streamkiterr.Validationf(strings.Join(cyc, ","),
					"Circular dependency detected: %s", strings.Join(cyc, " -> "))
			}
		}
	}
	return nil
}
