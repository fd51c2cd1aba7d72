package compiler

import (
	"strings"
	"testing"

	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/registry"
)

func TestCompileStepsLinear(t *testing.T) {
	doc := []byte(`
name: demo
steps:
  - kind: audio::gain
    params: {db: 3}
  - kind: transport::http::publish
    params: {url: "http://example.com"}
`)
	p, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.Nodes.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", p.Nodes.Len())
	}
	if len(p.Connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(p.Connections))
	}
	c := p.Connections[0]
	if c.FromPin != "out" || c.ToPin != "in" {
		t.Fatalf("unexpected pin inference: %+v", c)
	}
}

func TestCompileDAGSingleNeed(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  src:
    kind: transport::http::fetch
  gain:
    kind: audio::gain
    needs: src
`)
	p, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(p.Connections) != 1 || p.Connections[0].ToPin != "in" {
		t.Fatalf("expected single 'in' pin, got %+v", p.Connections)
	}
}

func TestCompileDAGFanIn(t *testing.T) {
	doc := []byte(`
name: demo
mode: oneshot
nodes:
  a:
    kind: transport::http::fetch
  b:
    kind: transport::http::fetch
  mix:
    kind: audio::mixer
    needs: [a, b]
`)
	p, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(p.Connections) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(p.Connections))
	}
	pins := map[string]bool{}
	for _, c := range p.Connections {
		pins[c.ToPin] = true
	}
	if !pins["in_0"] || !pins["in_1"] {
		t.Fatalf("expected in_0/in_1 pins, got %+v", p.Connections)
	}
	mixNode, ok := p.Nodes.Get("mix")
	if !ok {
		t.Fatal("mix node missing")
	}
	if !strings.Contains(string(mixNode.Params), `"num_inputs":2`) {
		t.Fatalf("expected injected num_inputs, got %s", mixNode.Params)
	}
}

func TestCompileDAGFanInDynamicNotInjected(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  a:
    kind: transport::http::fetch
  b:
    kind: transport::http::fetch
  mix:
    kind: audio::mixer
    needs: [a, b]
`)
	p, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mixNode, _ := p.Nodes.Get("mix")
	if strings.Contains(string(mixNode.Params), "num_inputs") {
		t.Fatalf("dynamic pipelines must not get num_inputs injected, got %s", mixNode.Params)
	}
}

func TestCompileUnknownDependencyRejected(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  gain:
    kind: audio::gain
    needs: ghost
`)
	_, err := Compile(doc, registry.New())
	if err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestCompileSelfReferenceNeedsRejected(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  a:
    kind: audio::gain
    needs: a
`)
	_, err := Compile(doc, registry.New())
	if err == nil {
		t.Fatal("expected circular dependency error for self-reference")
	}
}

func TestCompileCircularNeedsRejected(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  a:
    kind: audio::gain
    needs: b
  b:
    kind: audio::gain
    needs: a
`)
	_, err := Compile(doc, registry.New())
	if err == nil {
		t.Fatal("expected circular dependency error")
	}
}

func TestCompileCircularExemptForBidirectionalKind(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  a:
    kind: transport::moq::peer
    needs: b
  b:
    kind: audio::gain
    needs: a
`)
	p, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("expected bidirectional-kind cycle to be admitted, got error: %v", err)
	}
	if p.Nodes.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", p.Nodes.Len())
	}
}

func TestCompileRequiresExactlyOneForm(t *testing.T) {
	_, err := Compile([]byte(`name: demo`), registry.New())
	if err == nil {
		t.Fatal("expected error when neither steps nor nodes is set")
	}

	_, err = Compile([]byte(`
name: demo
steps:
  - kind: audio::gain
nodes:
  a:
    kind: audio::gain
`), registry.New())
	if err == nil {
		t.Fatal("expected error when both steps and nodes are set")
	}
}

func TestCompileIdempotent(t *testing.T) {
	doc := []byte(`
name: demo
steps:
  - kind: audio::gain
  - kind: audio::gain
`)
	p1, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p2, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p1.Nodes.Len() != p2.Nodes.Len() || len(p1.Connections) != len(p2.Connections) {
		t.Fatal("expected stable compilation across repeated calls")
	}
}

func TestCompileBestEffortModePreserved(t *testing.T) {
	doc := []byte(`
name: demo
nodes:
  a:
    kind: transport::http::fetch
  b:
    kind: audio::gain
    needs:
      - node: a
        mode: best_effort
`)
	p, err := Compile(doc, registry.New())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.Connections[0].Mode != pipeline.BestEffort {
		t.Fatalf("expected best_effort connection mode, got %v", p.Connections[0].Mode)
	}
}
