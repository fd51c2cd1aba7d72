package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/streamkit-io/streamkit/internal/engine"
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/registry"
)

type noopNode struct{}

func (noopNode) InputPins() []pin.InputPin   { return nil }
func (noopNode) OutputPins() []pin.OutputPin { return nil }
func (noopNode) Run(ctx node.Context) error  { <-ctx.Done; return nil }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(registry.KindInfo{
		Kind:    "test::noop",
		Factory: func(json.RawMessage) (node.ProcessorNode, error) { return noopNode{}, nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func testPlan() *pipeline.Pipeline {
	nodes := pipeline.NewNodeMap()
	nodes.Set("n1", pipeline.Node{Kind: "test::noop"})
	return &pipeline.Pipeline{Name: "demo", Nodes: nodes}
}

func TestManagerCreateListDestroy(t *testing.T) {
	m := NewManager(testRegistry(t), engine.ProfileBalanced, Limits{}, nil)

	id, err := m.Create(context.Background(), testPlan(), "demo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list := m.List()
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected 1 listed session with id %s, got %+v", id, list)
	}

	if _, err := m.Get(id); err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := m.Destroy(id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := m.Get(id); err == nil {
		t.Fatal("expected not-found after destroy")
	}
}

func TestManagerEnforcesSessionCap(t *testing.T) {
	m := NewManager(testRegistry(t), engine.ProfileBalanced, Limits{MaxConcurrentSessions: 1}, nil)

	if _, err := m.Create(context.Background(), testPlan(), "a"); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := m.Create(context.Background(), testPlan(), "b"); err == nil {
		t.Fatal("expected resource error once max_concurrent_sessions is reached")
	}
}

func TestManagerDestroyUnknownReturnsNotFound(t *testing.T) {
	m := NewManager(testRegistry(t), engine.ProfileBalanced, Limits{}, nil)
	if err := m.Destroy("does-not-exist"); err == nil {
		t.Fatal("expected not-found destroying an unknown session")
	}
}

func TestSessionGetPipelineReflectsPlan(t *testing.T) {
	m := NewManager(testRegistry(t), engine.ProfileBalanced, Limits{}, nil)
	id, err := m.Create(context.Background(), testPlan(), "demo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.GetPipeline().Name != "demo" {
		t.Fatalf("expected pipeline name 'demo', got %q", sess.GetPipeline().Name)
	}
}
