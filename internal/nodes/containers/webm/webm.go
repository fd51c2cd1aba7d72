// Package webm implements the containers::webm::muxer node kind: a
// minimal, non-seekable EBML/WebM muxer for an Opus audio track, built
// directly on the EBML element primitives rather than a general Matroska
// writer — live streaming never needs the seek/cue-point machinery a
// seekable writer provides.
package webm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/nodeutil"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const (
	opusPreskip      = 312 // libopus default encoder lookahead, samples at 48kHz
	timestampScaleNs = 1_000_000
	clusterTrackNum  = 1
	clusterMaxSpanMs = 5000 // open a new Cluster at least this often
)

// Config is the containers::webm::muxer node's construction parameters.
type Config struct {
	SampleRateHz uint32 `json:"sample_rate_hz"`
	Channels     uint8  `json:"channels"`
}

func defaultConfig() Config { return Config{SampleRateHz: 48000, Channels: 2} }

func (c Config) validate() error {
	if c.Channels != 1 && c.Channels != 2 {
		return streamkiterr.Validationf("channels", "unsupported channel count for Opus/WebM mapping family 0: %d", c.Channels)
	}
	return nil
}

// Node muxes a stream of Opus packets into a live WebM byte stream.
type Node struct {
	cfg Config
	log *slog.Logger
}

func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	cfg := defaultConfig()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("containers::webm::muxer", "decode params: %v", err)
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
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{ptype.OpusAudio()}, Cardinality: pin.One}}
}

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.Binary(), Cardinality: pin.Broadcast}}
}

func (n *Node) ContentType() string { return "audio/webm" }

func (n *Node) Run(ctx node.Context) error {
	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf("containers::webm::muxer", "input pin %q not wired", "in")
	}

	send := func(b []byte) bool {
		return ctx.Output.Send(context.Background(), "out", ptype.NewBinaryPacket(b, "audio/webm", nil)) == nil
	}

	if !send(n.header()) {
		return nil
	}

	var clusterOpen bool
	var clusterStartMs, clusterTimestampMs int64
	var packetCount uint64

	openCluster := func(tsMs int64) []byte {
		clusterOpen = true
		clusterStartMs = tsMs
		out := unknownSizeElement(idCluster)
		out = append(out, uintElement(idTimestamp, uint64(tsMs))...)
		return out
	}

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
			clusterTimestampMs = opusTimestampMs(pkt, packetCount)

			var out []byte
			if !clusterOpen || clusterTimestampMs-clusterStartMs >= clusterMaxSpanMs {
				out = append(out, openCluster(clusterTimestampMs)...)
			}
			relativeMs := clusterTimestampMs - clusterStartMs
			out = append(out, simpleBlock(clusterTrackNum, int16(relativeMs), payload)...)

			if !send(out) {
				return nil
			}
		case <-ctx.Done:
			return nil
		}
		if nodeutil.DrainControl(ctx.Control, nil) {
			return nil
		}
	}
}

// opusTimestampMs derives the packet's stream position in milliseconds
// from metadata when present, else assumes a fixed 20ms (960-sample) frame.
func opusTimestampMs(pkt ptype.Packet, packetCount uint64) int64 {
	if pkt.Metadata != nil && pkt.Metadata.TimestampUs != nil {
		return *pkt.Metadata.TimestampUs / 1000
	}
	return int64(packetCount-1) * 20
}

// header builds the EBML header plus the Segment's Info and Tracks
// elements: everything a decoder needs before the first Cluster arrives.
func (n *Node) header() []byte {
	ebmlHeader := element(idEBML, concat(
		uintElement(idEBMLVersion, 1),
		uintElement(idEBMLReadVersion, 1),
		uintElement(idEBMLMaxIDLength, 4),
		uintElement(idEBMLMaxSizeLength, 8),
		stringElement(idDocType, "webm"),
		uintElement(idDocTypeVersion, 2),
		uintElement(idDocTypeReadVersion, 2),
	))

	info := element(idInfo, concat(
		uintElement(idTimestampScale, timestampScaleNs),
		stringElement(idMuxingApp, "streamkit"),
		stringElement(idWritingApp, "streamkit"),
	))

	audio := element(idAudio, concat(
		floatElement(idSamplingFrequency, float64(n.cfg.SampleRateHz)),
		uintElement(idChannels, uint64(n.cfg.Channels)),
	))
	trackEntry := element(idTrackEntry, concat(
		uintElement(idTrackNumber, clusterTrackNum),
		uintElement(idTrackUID, clusterTrackNum),
		uintElement(idTrackType, 2), // 2 = audio
		stringElement(idCodecID, "A_OPUS"),
		element(idCodecPrivate, opusHeadPrivate(n.cfg.SampleRateHz, n.cfg.Channels)),
		audio,
	))
	tracks := element(idTracks, trackEntry)

	segment := unknownSizeElement(idSegment)
	return concat(ebmlHeader, segment, info, tracks)
}

// opusHeadPrivate is the same 19-byte OpusHead structure Ogg uses,
// reused verbatim as WebM's CodecPrivate per the Matroska Opus binding.
func opusHeadPrivate(sampleRateHz uint32, channels uint8) []byte {
	b := make([]byte, 19)
	copy(b[0:8], "OpusHead")
	b[8] = 1
	b[9] = channels
	le16(b[10:12], opusPreskip)
	le32(b[12:16], sampleRateHz)
	le16(b[16:18], 0)
	b[18] = 0
	return b
}

func le16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// simpleBlock encodes one SimpleBlock element carrying a single Opus
// packet at relativeTimecodeMs within the enclosing Cluster.
func simpleBlock(trackNumber uint64, relativeTimecodeMs int16, payload []byte) []byte {
	body := append([]byte{}, vint(trackNumber)...)
	body = append(body, byte(relativeTimecodeMs>>8), byte(relativeTimecodeMs))
	body = append(body, 0x80) // flags: keyframe
	body = append(body, payload...)
	return element(idSimpleBlock, body)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Register adds the containers::webm::muxer kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	n, err := New(nil, log)
	if err != nil {
		return err
	}
	return reg.Register(registry.KindInfo{
		Kind: "containers::webm::muxer",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sample_rate_hz": map[string]any{"type": "integer", "default": 48000},
				"channels":       map[string]any{"type": "integer", "enum": []int{1, 2}, "default": 2},
			},
		},
		Inputs:     n.InputPins(),
		Outputs:    n.OutputPins(),
		Categories: []string{"containers", "webm"},
	})
}
