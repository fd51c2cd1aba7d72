// Package ogg implements the containers::ogg::muxer node kind: packages
// compressed Opus packets into an Ogg container bitstream (RFC 3533 pages,
// RFC 7845 Opus headers), forcing every packet to end its own page for
// low-latency streaming at the cost of slightly higher container overhead.
package ogg

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/nodeutil"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const defaultChunkSize = 65536

// Config is the containers::ogg::muxer node's construction parameters.
type Config struct {
	StreamSerial uint32 `json:"stream_serial"`
	Channels     uint8  `json:"channels"`
	ChunkSize    int    `json:"chunk_size"`
}

func defaultConfig() Config {
	return Config{StreamSerial: 0, Channels: 1, ChunkSize: defaultChunkSize}
}

// Node muxes a stream of Opus packets into Ogg pages.
type Node struct {
	cfg Config
	log *slog.Logger
}

func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	cfg := defaultConfig()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("containers::ogg::muxer", "decode params: %v", err)
		}
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Node{cfg: cfg, log: log}, nil
}

func (n *Node) InputPins() []pin.InputPin {
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{ptype.OpusAudio()}, Cardinality: pin.One}}
}

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.Binary(), Cardinality: pin.Broadcast}}
}

func (n *Node) ContentType() string { return "audio/ogg" }

func (n *Node) Run(ctx node.Context) error {
	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf("containers::ogg::muxer", "input pin %q not wired", "in")
	}

	w := newPageWriter(n.cfg.StreamSerial)

	headPacket := opusIDHeader(n.cfg.Channels)
	if err := n.flush(ctx, w.writePacket(headPacket, 0, true)); err != nil {
		return err
	}
	tagsPacket := opusTagsPacket("streamkit")
	if err := n.flush(ctx, w.writePacket(tagsPacket, 0, true)); err != nil {
		return err
	}

	var packetCount, granule uint64
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			var payload []byte
			switch pkt.Variant {
			case ptype.VariantOpusAudio:
				payload = pkt.Opus
			case ptype.VariantBinary:
				payload = pkt.Binary
			default:
				continue
			}
			packetCount++
			granule = nextGranule(pkt, packetCount, granule)

			// Every packet ends its own page: maximizes streaming granularity
			// at the cost of per-packet Ogg framing overhead.
			if err := n.flush(ctx, w.writePacket(payload, granule, true)); err != nil {
				return err
			}
		case <-ctx.Done:
			return nil
		}
		if nodeutil.DrainControl(ctx.Control, nil) {
			return nil
		}
	}
}

func (n *Node) flush(ctx node.Context, pages [][]byte) error {
	for _, page := range pages {
		if err := ctx.Output.Send(context.Background(), "out", ptype.NewBinaryPacket(page, "audio/ogg", nil)); err != nil {
			return nil
		}
	}
	return nil
}

// nextGranule derives an Opus granule position (48kHz sample count) from
// packet metadata when present, falling back to a fixed 960-sample (20ms)
// frame assumption, matching the upstream muxer's fallback chain.
func nextGranule(pkt ptype.Packet, packetCount, prev uint64) uint64 {
	if pkt.Metadata != nil {
		if pkt.Metadata.TimestampUs != nil {
			return uint64(*pkt.Metadata.TimestampUs) * 48000 / 1_000_000
		}
		if pkt.Metadata.DurationUs != nil {
			return prev + uint64(*pkt.Metadata.DurationUs)*48000/1_000_000
		}
	}
	return 960 * packetCount
}

func opusIDHeader(channels uint8) []byte {
	b := make([]byte, 19)
	copy(b[0:8], "OpusHead")
	b[8] = 1 // version
	b[9] = channels
	binary.LittleEndian.PutUint16(b[10:12], 0) // pre-skip
	binary.LittleEndian.PutUint32(b[12:16], 48000)
	binary.LittleEndian.PutUint16(b[16:18], 0) // output gain
	b[18] = 0                                  // channel mapping family
	return b
}

func opusTagsPacket(vendor string) []byte {
	var buf bytes.Buffer
	buf.WriteString("OpusTags")
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(vendor)))
	buf.Write(lenBuf[:])
	buf.WriteString(vendor)
	binary.LittleEndian.PutUint32(lenBuf[:], 0) // 0 comments
	buf.Write(lenBuf[:])
	return buf.Bytes()
}

// Register adds the containers::ogg::muxer kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	n, err := New(nil, log)
	if err != nil {
		return err
	}
	return reg.Register(registry.KindInfo{
		Kind: "containers::ogg::muxer",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stream_serial": map[string]any{"type": "integer"},
				"channels":      map[string]any{"type": "integer", "default": 1},
				"chunk_size":    map[string]any{"type": "integer", "default": defaultChunkSize},
			},
		},
		Inputs:     n.InputPins(),
		Outputs:    n.OutputPins(),
		Categories: []string{"containers", "ogg"},
	})
}
