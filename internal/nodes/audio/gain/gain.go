// Package gain implements the audio::gain node kind: a linear amplitude
// multiplier applied in place to RawAudio frames.
package gain

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/nodeutil"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const (
	minGain = 0.0
	maxGain = 4.0
)

// Config is the gain node's hot-tunable parameter set.
type Config struct {
	Gain float32 `json:"gain"`
}

func defaultConfig() Config { return Config{Gain: 1.0} }

func (c Config) validate() error {
	if math.IsNaN(float64(c.Gain)) || math.IsInf(float64(c.Gain), 0) {
		return streamkiterr.Validationf("gain", "gain must be a finite number, got %v", c.Gain)
	}
	if c.Gain < minGain || c.Gain > maxGain {
		return streamkiterr.Validationf("gain", "gain must be between %v and %v, got %v", minGain, maxGain, c.Gain)
	}
	return nil
}

var wildcardF32 = ptype.RawAudio(ptype.AudioFormat{SampleFormat: ptype.SampleFormatF32})

// Node multiplies every sample of a RawAudio frame by a configurable gain,
// applying copy-on-write so a uniquely-held buffer is mutated in place.
type Node struct {
	cfg Config
	log *slog.Logger
}

// New constructs a gain node from factory params, defaulting gain to unity.
func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	cfg := defaultConfig()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("gain", "decode params: %v", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Node{cfg: cfg, log: log}, nil
}

func (n *Node) InputPins() []pin.InputPin {
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{wildcardF32}, Cardinality: pin.One}}
}

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: wildcardF32, Cardinality: pin.Broadcast}}
}

func (n *Node) Run(ctx node.Context) error {
	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf("gain", "input pin %q not wired", "in")
	}

	for {
		select {
		case first, ok := <-in:
			if !ok {
				return nil
			}
			batch := nodeutil.BatchGreedy(first, in, ctx.BatchSize)
			for _, pkt := range batch {
				if shutdown := nodeutil.DrainControl(ctx.Control, n.applyUpdate); shutdown {
					return nil
				}
				pkt = n.apply(pkt)
				if err := ctx.Output.Send(context.Background(), "out", pkt); err != nil {
					return nil
				}
			}
		case <-ctx.Done:
			return nil
		}
	}
}

func (n *Node) apply(pkt ptype.Packet) ptype.Packet {
	if pkt.Variant != ptype.VariantRawAudio {
		return pkt
	}
	frame, samples := pkt.Audio.MakeSamplesMut()
	g := n.cfg.Gain
	for i := range samples {
		samples[i] *= g
	}
	pkt.Audio = frame
	return pkt
}

// applyUpdate validates and applies a hot parameter update, logging and
// leaving the prior configuration untouched on a rejected value.
func (n *Node) applyUpdate(raw []byte) {
	var next Config
	if err := json.Unmarshal(raw, &next); err != nil {
		n.log.Warn("rejected gain update: invalid json", "err", err)
		return
	}
	if err := next.validate(); err != nil {
		n.log.Warn("rejected gain update", "err", err)
		return
	}
	n.log.Info("updating gain", "old", n.cfg.Gain, "new", next.Gain)
	n.cfg = next
}

// Register adds the audio::gain kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	return reg.Register(registry.KindInfo{
		Kind: "audio::gain",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type":        "number",
			"default":     1.0,
			"minimum":     minGain,
			"maximum":     maxGain,
			"tunable":     true,
			"description": "Linear gain multiplier. 0.0 = mute, 1.0 = unity, 4.0 = +12dB.",
		},
		Inputs:     (&Node{}).InputPins(),
		Outputs:    (&Node{}).OutputPins(),
		Categories: []string{"audio", "filter"},
	})
}
