// Package pacer implements the core::pacer node kind: a single-input,
// single-output relay that releases packets at their real-time playback
// rate instead of as fast as the upstream produces them, so a downstream
// network sink sees steady, drift-free spacing instead of bursts.
package pacer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const (
	defaultSpeed               = 1.0
	defaultBufferSize          = 16
	defaultInitialBurstPackets = 0

	// burstSpeedFactor is how much faster the initial burst packets are
	// released, to let a downstream client build a jitter buffer quickly.
	burstSpeedFactor = 10.0

	// segmentGapReset is the arrival gap past which the burst allowance is
	// rearmed: a long gap means the stream restarted (new segment, seek,
	// reconnect), so the client's jitter buffer needs refilling again.
	segmentGapReset = 300 * time.Millisecond
)

// Config is the core::pacer node's hot-tunable parameter set.
type Config struct {
	Speed               float64 `json:"speed"`
	BufferSize          int     `json:"buffer_size"`
	InitialBurstPackets int     `json:"initial_burst_packets"`
}

func defaultConfig() Config {
	return Config{Speed: defaultSpeed, BufferSize: defaultBufferSize, InitialBurstPackets: defaultInitialBurstPackets}
}

func (c Config) validate() error {
	if c.Speed <= 0 {
		return streamkiterr.Validationf("speed", "speed must be greater than 0, got %v", c.Speed)
	}
	if c.BufferSize <= 0 {
		return streamkiterr.Validationf("buffer_size", "buffer_size must be greater than 0, got %v", c.BufferSize)
	}
	if c.InitialBurstPackets < 0 {
		return streamkiterr.Validationf("initial_burst_packets", "initial_burst_packets must not be negative, got %v", c.InitialBurstPackets)
	}
	return nil
}

// Node queues incoming packets and releases each after a delay derived from
// its own playback duration, scaled by Config.Speed. Its output pin
// declares ptype.Passthrough(): the concrete type it produces is resolved
// at connect time to whatever flows into its "in" pin, since a Node never
// changes a packet's payload or type.
type Node struct {
	cfg Config
	log *slog.Logger
}

// New validates params and constructs a core::pacer node.
func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	cfg := defaultConfig()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("core::pacer", "decode params: %v", err)
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
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{ptype.Any()}, Cardinality: pin.One}}
}

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.Passthrough(), Cardinality: pin.Broadcast}}
}

// queued is one packet sitting in the pacer's internal backlog.
type queued struct {
	pkt ptype.Packet
}

func (n *Node) Run(ctx node.Context) error {
	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf("core::pacer", "input pin %q not wired", "in")
	}

	var (
		backlog        []queued
		lastArrival    time.Time
		burstRemaining = n.cfg.InitialBurstPackets
		timer          *time.Timer
		closed         bool // true once in has closed; backlog still drains, honoring pacing
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if closed && len(backlog) == 0 {
			return nil
		}

		// Backpressure: stop pulling from in once the backlog is full,
		// instead of growing it unboundedly or dropping packets. Once in
		// has closed, never select it again — the in-flight timer for
		// backlog[0] (if any) keeps counting down rather than resetting.
		var inCh <-chan ptype.Packet
		if !closed && len(backlog) < n.cfg.BufferSize {
			inCh = in
		}
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case pkt, ok := <-inCh:
			if !ok {
				closed = true
				continue
			}
			now := time.Now()
			if !lastArrival.IsZero() && now.Sub(lastArrival) > segmentGapReset {
				burstRemaining = n.cfg.InitialBurstPackets
			}
			lastArrival = now
			backlog = append(backlog, queued{pkt: pkt})
			if timer == nil {
				timer = time.NewTimer(n.nextDelay(backlog[0].pkt, &burstRemaining))
			}

		case <-timerC:
			next := backlog[0]
			backlog = backlog[1:]
			if err := ctx.Output.Send(context.Background(), "out", next.pkt); err != nil {
				return nil
			}
			if len(backlog) > 0 {
				timer = time.NewTimer(n.nextDelay(backlog[0].pkt, &burstRemaining))
			} else {
				timer = nil
			}

		case msg, ok := <-ctx.Control:
			if !ok {
				return nil
			}
			switch msg.Type {
			case node.ControlUpdateParams:
				n.applyUpdate(msg.Params)
			case node.ControlShutdown:
				return nil
			case node.ControlStart:
			}

		case <-ctx.Done:
			return nil
		}
	}
}

// nextDelay computes how long to hold pkt before release, applying the
// configured speed and, while burstRemaining is positive, an additional
// burstSpeedFactor speedup (decrementing burstRemaining).
func (n *Node) nextDelay(pkt ptype.Packet, burstRemaining *int) time.Duration {
	base := packetDuration(pkt)
	if base <= 0 {
		return 0
	}
	speed := n.cfg.Speed
	if *burstRemaining > 0 {
		speed *= burstSpeedFactor
		*burstRemaining--
	}
	return time.Duration(float64(base) / speed)
}

// packetDuration reports how long pkt represents in playback time: the
// explicit Metadata.DurationUs if the upstream supplied one, else derived
// from an audio frame's sample count, else zero (pass through immediately
// — the packet carries no timing information to pace against).
func packetDuration(pkt ptype.Packet) time.Duration {
	if pkt.Metadata != nil && pkt.Metadata.DurationUs != nil {
		return time.Duration(*pkt.Metadata.DurationUs) * time.Microsecond
	}
	if pkt.Variant == ptype.VariantRawAudio {
		format := pkt.Audio.Format
		if format.RateHz > 0 && format.Channels > 0 {
			frames := len(pkt.Audio.Samples()) / int(format.Channels)
			return time.Duration(frames) * time.Second / time.Duration(format.RateHz)
		}
	}
	return 0
}

// applyUpdate validates and applies a hot speed update, logging and leaving
// the prior configuration untouched on a rejected value.
func (n *Node) applyUpdate(raw []byte) {
	var next Config
	if err := json.Unmarshal(raw, &next); err != nil {
		n.log.Warn("rejected pacer update: invalid json", "err", err)
		return
	}
	if next.Speed <= 0 {
		n.log.Warn("rejected pacer update: speed must be greater than 0", "speed", next.Speed)
		return
	}
	n.log.Info("updating pacer speed", "old", n.cfg.Speed, "new", next.Speed)
	n.cfg.Speed = next.Speed
}

// Register adds the core::pacer kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	return reg.Register(registry.KindInfo{
		Kind: "core::pacer",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"speed":                 map[string]any{"type": "number", "exclusiveMinimum": 0, "default": defaultSpeed, "tunable": true},
				"buffer_size":           map[string]any{"type": "integer", "minimum": 1, "default": defaultBufferSize},
				"initial_burst_packets": map[string]any{"type": "integer", "minimum": 0, "default": defaultInitialBurstPackets},
			},
		},
		Inputs:     (&Node{}).InputPins(),
		Outputs:    (&Node{}).OutputPins(),
		Categories: []string{"core", "pacing"},
	})
}
