package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
)

// fakeSource emits a fixed number of text packets on "out" then returns.
type fakeSource struct {
	count int
}

func (f *fakeSource) InputPins() []pin.InputPin   { return nil }
func (f *fakeSource) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.Text(), Cardinality: pin.Broadcast}}
}
func (f *fakeSource) Run(ctx node.Context) error {
	for i := 0; i < f.count; i++ {
		if err := ctx.Output.Send(context.Background(), "out", ptype.NewTextPacket("hello", nil)); err != nil {
			return err
		}
	}
	return nil
}

// fakeSink records every packet it receives on "in" until the channel closes.
type fakeSink struct {
	received chan ptype.Packet
}

func (f *fakeSink) InputPins() []pin.InputPin {
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{ptype.Text()}, Cardinality: pin.One}}
}
func (f *fakeSink) OutputPins() []pin.OutputPin { return nil }
func (f *fakeSink) Run(ctx node.Context) error {
	in, _ := ctx.TakeInput("in")
	for pkt := range in {
		select {
		case f.received <- pkt:
		case <-ctx.Done:
			return nil
		}
	}
	return nil
}

func buildTwoNodeEngine(t *testing.T, count int) (*Engine, *fakeSink) {
	t.Helper()
	reg := registry.New()
	sink := &fakeSink{received: make(chan ptype.Packet, count+1)}

	if err := reg.Register(registry.KindInfo{
		Kind:    "test::source",
		Factory: func(json.RawMessage) (node.ProcessorNode, error) { return &fakeSource{count: count}, nil },
	}); err != nil {
		t.Fatalf("register source: %v", err)
	}
	if err := reg.Register(registry.KindInfo{
		Kind:    "test::sink",
		Factory: func(json.RawMessage) (node.ProcessorNode, error) { return sink, nil },
	}); err != nil {
		t.Fatalf("register sink: %v", err)
	}

	nodes := pipeline.NewNodeMap()
	nodes.Set("src", pipeline.Node{Kind: "test::source"})
	nodes.Set("dst", pipeline.Node{Kind: "test::sink"})
	plan := &pipeline.Pipeline{
		Name:  "test",
		Nodes: nodes,
		Connections: []pipeline.Connection{
			{FromNode: "src", FromPin: "out", ToNode: "dst", ToPin: "in", Mode: pipeline.Reliable},
		},
	}

	e := New(plan, reg, ProfileBalanced, nil)
	if err := e.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e, sink
}

func TestEngineDeliversPacketsEndToEnd(t *testing.T) {
	_, sink := buildTwoNodeEngine(t, 5)
	for i := 0; i < 5; i++ {
		select {
		case <-sink.received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

// TestNodeStateTransitionsInitializingThenRunning verifies the documented
// state machine order (Initializing -> Running -> Stopped) for a plain
// node that does not implement node.SelfReporting: the engine must emit
// Initializing at construction and Running only once the worker goroutine
// actually invokes Run, never the reverse.
func TestNodeStateTransitionsInitializingThenRunning(t *testing.T) {
	e, sink := buildTwoNodeEngine(t, 1)
	_ = sink

	seen := map[string][]node.State{}
	deadline := time.After(time.Second)
	for {
		select {
		case u := <-e.StateUpdates():
			seen[u.NodeID] = append(seen[u.NodeID], u.State)
			if len(seen["src"]) >= 2 && len(seen["dst"]) >= 2 {
				goto done
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state transitions, got %+v", seen)
		}
	}
done:
	for _, id := range []string{"src", "dst"} {
		states := seen[id]
		if len(states) < 2 || states[0] != node.StateInitializing || states[1] != node.StateRunning {
			t.Fatalf("node %s: expected [Initializing, Running, ...] got %v", id, states)
		}
	}
}

func TestConnectRejectsDuplicateOneCardinality(t *testing.T) {
	e, _ := buildTwoNodeEngine(t, 0)
	err := e.Connect(Op{Kind: OpConnect, FromNode: "src", FromPin: "out", ToNode: "dst", ToPin: "in"})
	if err == nil {
		t.Fatal("expected conflict connecting a second source to a One-cardinality input pin")
	}
}

func TestConnectRejectsIncompatibleTypes(t *testing.T) {
	reg := registry.New()
	_ = reg.Register(registry.KindInfo{
		Kind:    "test::binsource",
		Factory: func(json.RawMessage) (node.ProcessorNode, error) { return &binSource{}, nil },
	})
	_ = reg.Register(registry.KindInfo{
		Kind:    "test::sink",
		Factory: func(json.RawMessage) (node.ProcessorNode, error) { return &fakeSink{received: make(chan ptype.Packet, 1)}, nil },
	})

	nodes := pipeline.NewNodeMap()
	nodes.Set("src", pipeline.Node{Kind: "test::binsource"})
	nodes.Set("dst", pipeline.Node{Kind: "test::sink"})
	plan := &pipeline.Pipeline{Name: "t", Nodes: nodes}
	e := New(plan, reg, ProfileBalanced, nil)
	if err := e.Start(context.Background(), "s"); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := e.Connect(Op{Kind: OpConnect, FromNode: "src", FromPin: "out", ToNode: "dst", ToPin: "in"})
	if err == nil {
		t.Fatal("expected incompatible-type rejection")
	}
}

type binSource struct{}

func (b *binSource) InputPins() []pin.InputPin { return nil }
func (b *binSource) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.Binary(), Cardinality: pin.Broadcast}}
}
func (b *binSource) Run(ctx node.Context) error { return nil }

func TestValidateBatchDoesNotMutateLiveEngine(t *testing.T) {
	e, _ := buildTwoNodeEngine(t, 0)
	ops := []Op{{Kind: OpAddNode, NodeID: "ghost", NodeKind: "test::source"}}
	if err := e.ValidateBatch(ops); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if e.plan.Nodes.Has("ghost") {
		t.Fatal("ValidateBatch must not mutate the live plan")
	}
}

func TestValidateBatchRejectsUnknownNode(t *testing.T) {
	e, _ := buildTwoNodeEngine(t, 0)
	ops := []Op{{Kind: OpTuneNode, NodeID: "does-not-exist"}}
	if err := e.ValidateBatch(ops); err == nil {
		t.Fatal("expected not-found validating tune_node against an unknown node")
	}
}
