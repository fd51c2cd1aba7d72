package wasmrt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// InputPins decodes the plugin-reported input pin set from its metadata.
func (p *LoadedPlugin) InputPins() ([]pin.InputPin, error) {
	if len(p.metadata.Inputs) == 0 {
		return nil, nil
	}
	var pins []pin.InputPin
	if err := json.Unmarshal(p.metadata.Inputs, &pins); err != nil {
		return nil, streamkiterr.Configurationf(p.metadata.Kind, "decode plugin input pins: %v", err)
	}
	return pins, nil
}

// OutputPins decodes the plugin-reported output pin set from its metadata.
func (p *LoadedPlugin) OutputPins() ([]pin.OutputPin, error) {
	if len(p.metadata.Outputs) == 0 {
		return nil, nil
	}
	var pins []pin.OutputPin
	if err := json.Unmarshal(p.metadata.Outputs, &pins); err != nil {
		return nil, streamkiterr.Configurationf(p.metadata.Kind, "decode plugin output pins: %v", err)
	}
	return pins, nil
}

// CreateNode asks the module to construct one instance and wraps it as a
// ProcessorNode the engine can spawn like any built-in node kind.
func (p *LoadedPlugin) CreateNode(params json.RawMessage, log *slog.Logger) (node.ProcessorNode, error) {
	id, err := p.CreateInstance(params)
	if err != nil {
		return nil, err
	}
	inputs, err := p.InputPins()
	if err != nil {
		return nil, err
	}
	outputs, err := p.OutputPins()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &wasmNode{plugin: p, instanceID: id, inputs: inputs, outputs: outputs, log: log}, nil
}

// wasmNode adapts one sandboxed plugin instance to the ProcessorNode
// contract. Every packet crossing the in/out pins is JSON-round-tripped
// through the module's linear memory — WASM plugins never see the host's
// native Packet representation directly.
type wasmNode struct {
	plugin     *LoadedPlugin
	instanceID uint32
	inputs     []pin.InputPin
	outputs    []pin.OutputPin
	log        *slog.Logger

	// inFlight tracks the dispatched goroutine of a call still running
	// against the instance, if any. Run waits for it before destroying the
	// instance: wasmer-go's single-threaded instance model means destroy and
	// a still-running process call can never safely overlap.
	inFlight sync.WaitGroup
}

func (n *wasmNode) InputPins() []pin.InputPin   { return n.inputs }
func (n *wasmNode) OutputPins() []pin.OutputPin { return n.outputs }

func (n *wasmNode) Run(ctx node.Context) error {
	defer func() {
		n.inFlight.Wait()
		if err := n.plugin.Destroy(n.instanceID); err != nil {
			n.log.Warn("wasm plugin instance destroy failed", "kind", n.plugin.metadata.Kind, "error", err)
		}
	}()

	if len(n.inputs) == 0 {
		<-ctx.Done
		return nil
	}
	inName := n.inputs[0].Name
	in, ok := ctx.TakeInput(inName)
	if !ok {
		return streamkiterr.Configurationf(n.plugin.metadata.Kind, "input pin %q not wired", inName)
	}

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			if err := n.runBlocking(ctx, func() error { return n.process(ctx, inName, pkt) }); err != nil {
				n.log.Warn("wasm plugin process failed", "kind", n.plugin.metadata.Kind, "error", err)
			}
		case <-ctx.Done:
			return nil
		case msg, ok := <-ctx.Control:
			if !ok || msg.Type == node.ControlShutdown {
				return nil
			}
		}
	}
}

// runBlocking dispatches fn — a call into the sandboxed WASM instance — onto
// its own goroutine, so this node's own select loop is never the one stalled
// on it: a Shutdown or Done still gets noticed the moment it arrives instead
// of waiting for the call to return. wasmer-go's single-threaded instance
// model still holds, since Run never starts a second call before this one's
// goroutine has delivered a result.
func (n *wasmNode) runBlocking(ctx node.Context, fn func() error) error {
	done := make(chan error, 1)
	n.inFlight.Add(1)
	go func() {
		defer n.inFlight.Done()
		done <- fn()
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done:
			return nil
		case msg, ok := <-ctx.Control:
			if !ok || msg.Type == node.ControlShutdown {
				return nil
			}
		}
	}
}

func (n *wasmNode) process(ctx node.Context, pinName string, pkt ptype.Packet) error {
	pktJSON, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	outJSON, err := n.plugin.Process(n.instanceID, pinName, pktJSON)
	if err != nil {
		return err
	}
	if len(outJSON) == 0 {
		return nil
	}
	var results []struct {
		Pin    string       `json:"pin"`
		Packet ptype.Packet `json:"packet"`
	}
	if err := json.Unmarshal(outJSON, &results); err != nil {
		return err
	}
	for _, r := range results {
		if err := ctx.Output.Send(context.Background(), r.Pin, r.Packet); err != nil {
			return nil
		}
	}
	return nil
}
