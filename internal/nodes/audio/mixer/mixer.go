// Package mixer implements the audio::mixer node kind: N RawAudio inputs
// (in_0..in_num_inputs-1) summed sample-by-sample into one output. The sum
// is not clamped.
package mixer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/nodeutil"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// Config carries the number of input pins; the compiler auto-injects this
// for non-dynamic pipelines when a mixer has more than one incoming
// connection (spec.md §4.2 rule 4).
type Config struct {
	NumInputs int `json:"num_inputs"`
}

var wildcardF32 = ptype.RawAudio(ptype.AudioFormat{SampleFormat: ptype.SampleFormatF32})

// Node sums N RawAudio input pins into a single Broadcast output.
type Node struct {
	numInputs int
	log       *slog.Logger
}

// New constructs a mixer node. num_inputs must be >= 1; in Dynamic mode
// pipelines it is ordinarily set explicitly since the compiler skips
// auto-injection there.
func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	cfg := Config{NumInputs: 2}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("mixer", "decode params: %v", err)
		}
	}
	if cfg.NumInputs < 1 {
		return nil, streamkiterr.Validationf("num_inputs", "num_inputs must be >= 1, got %d", cfg.NumInputs)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Node{numInputs: cfg.NumInputs, log: log}, nil
}

func (n *Node) InputPins() []pin.InputPin {
	pins := make([]pin.InputPin, n.numInputs)
	for i := range pins {
		pins[i] = pin.InputPin{
			Name:         fmt.Sprintf("in_%d", i),
			AcceptsTypes: []ptype.PacketType{wildcardF32},
			Cardinality:  pin.One,
		}
	}
	return pins
}

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: wildcardF32, Cardinality: pin.Broadcast}}
}

// Run reads one packet from each input pin per round and emits their
// sample-wise sum. A closed input pin ends the round-robin entirely, since
// a mixer round is only meaningful with all of its sources present.
func (n *Node) Run(ctx node.Context) error {
	inputs := make([]<-chan ptype.Packet, n.numInputs)
	for i := range inputs {
		name := fmt.Sprintf("in_%d", i)
		ch, ok := ctx.TakeInput(name)
		if !ok {
			return streamkiterr.Configurationf("mixer", "input pin %q not wired", name)
		}
		inputs[i] = ch
	}

	for {
		if nodeutil.DrainControl(ctx.Control, nil) {
			return nil
		}

		frames := make([]ptype.Packet, n.numInputs)
		for i, ch := range inputs {
			select {
			case pkt, ok := <-ch:
				if !ok {
					return nil
				}
				frames[i] = pkt
			case <-ctx.Done:
				return nil
			}
		}

		mixed := mix(frames)
		if err := ctx.Output.Send(context.Background(), "out", mixed); err != nil {
			return nil
		}
	}
}

// mix sums the sample buffers of every RawAudio frame in pkts, using the
// first packet's format and length as the reference shape. Frames shorter
// than the reference contribute silence for the remaining samples.
func mix(pkts []ptype.Packet) ptype.Packet {
	var out ptype.Packet
	var refLen int
	for i, pkt := range pkts {
		if pkt.Variant != ptype.VariantRawAudio {
			continue
		}
		if i == 0 {
			samples := append([]float32(nil), pkt.Audio.Samples()...)
			out = ptype.NewRawAudioPacket(ptype.NewAudioFrame(pkt.Audio.Format, samples))
			refLen = len(samples)
			continue
		}
		_, buf := out.Audio.MakeSamplesMut()
		src := pkt.Audio.Samples()
		n := refLen
		if len(src) < n {
			n = len(src)
		}
		for j := 0; j < n; j++ {
			buf[j] += src[j]
		}
	}
	return out
}

// Register adds the audio::mixer kind to reg. The registered pin lists
// reflect the default two-input shape; actual pin counts vary per-instance
// with num_inputs, which the registry surfaces via Dynamic.
func Register(reg *registry.Registry, log *slog.Logger) error {
	n, err := New(nil, log)
	if err != nil {
		return err
	}
	return reg.Register(registry.KindInfo{
		Kind: "audio::mixer",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"num_inputs": map[string]any{"type": "integer", "minimum": 1}},
		},
		Inputs:     n.InputPins(),
		Outputs:    n.OutputPins(),
		Categories: []string{"audio", "mixer"},
		Dynamic:    true,
	})
}
