// Package wav implements the containers::wav::demuxer node kind: a
// streaming WAV/RIFF PCM demuxer that decodes incoming Binary chunks into
// fixed-size RawAudio frames as soon as enough bytes have arrived.
//
// Unlike the upstream decoder (which leans on symphonia), WAV's container
// format is a flat RIFF chunk list with an explicit little-endian PCM or
// IEEE-float payload; a hand-rolled incremental parser over encoding/binary
// covers it without pulling in a general-purpose media demuxer.
package wav

import (
	"context"
	"encoding/binary"
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

// outputFrameSize mirrors the 20ms-at-48kHz-stereo chunking the upstream
// decoder uses so downstream Opus-oriented nodes see familiar frame sizes.
const outputFrameSize = 1920

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

type fmtChunk struct {
	audioFormat   uint16
	numChannels   uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// Node demuxes a streaming WAV byte stream into RawAudio packets.
type Node struct {
	log *slog.Logger
}

// New constructs a WAV demuxer; it takes no configuration.
func New(_ json.RawMessage, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	return &Node{log: log}, nil
}

func (n *Node) InputPins() []pin.InputPin {
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{ptype.Binary()}, Cardinality: pin.One}}
}

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{
		Name:        "out",
		ProducesType: ptype.RawAudio(ptype.AudioFormat{RateHz: 48000, Channels: 2, SampleFormat: ptype.SampleFormatF32}),
		Cardinality: pin.Broadcast,
	}}
}

func (n *Node) ContentType() string { return "audio/wav" }

func (n *Node) Run(ctx node.Context) error {
	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf("containers::wav::demuxer", "input pin %q not wired", "in")
	}

	dm := newDemuxer()
	var rechunk []float32

	emit := func(samples []float32, format fmtChunk) bool {
		frame := ptype.NewAudioFrame(ptype.AudioFormat{RateHz: format.sampleRate, Channels: format.numChannels, SampleFormat: ptype.SampleFormatF32}, samples)
		return ctx.Output.Send(context.Background(), "out", ptype.NewRawAudioPacket(frame)) == nil
	}

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				if len(rechunk) > 0 && dm.format != nil {
					emit(rechunk, *dm.format)
				}
				return nil
			}
			if pkt.Variant != ptype.VariantBinary {
				continue
			}
			samples, err := dm.feed(pkt.Binary)
			if err != nil {
				return streamkiterr.Runtimef("containers::wav::demuxer", "demux: %v", err)
			}
			if samples == nil {
				continue
			}
			rechunk = append(rechunk, samples...)
			for len(rechunk) >= outputFrameSize {
				if !emit(rechunk[:outputFrameSize], *dm.format) {
					return nil
				}
				rechunk = append([]float32(nil), rechunk[outputFrameSize:]...)
			}
		case <-ctx.Done:
			return nil
		}
		if nodeutil.DrainControl(ctx.Control, nil) {
			return nil
		}
	}
}

// demuxer accumulates bytes across Binary packets, parses the RIFF header
// once enough bytes have arrived, then decodes PCM/float sample data as it
// streams in.
type demuxer struct {
	buf        []byte
	headerDone bool
	format     *fmtChunk
	pending    []byte // bytes since the last full-sample boundary
}

func newDemuxer() *demuxer { return &demuxer{} }

// feed appends data to the demuxer's buffer and returns any newly decoded
// f32 samples, or nil if more bytes are needed before progress can be made.
func (d *demuxer) feed(data []byte) ([]float32, error) {
	d.buf = append(d.buf, data...)
	if !d.headerDone {
		consumed, format, ok, err := parseHeader(d.buf)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		d.format = &format
		d.buf = d.buf[consumed:]
		d.headerDone = true
	}
	if d.format == nil {
		return nil, nil
	}

	bytesPerSample := int(d.format.bitsPerSample) / 8
	if bytesPerSample == 0 {
		return nil, streamkiterr.Runtimef("containers::wav::demuxer", "unsupported bits_per_sample %d", d.format.bitsPerSample)
	}
	all := append(d.pending, d.buf...)
	usable := (len(all) / bytesPerSample) * bytesPerSample
	if usable == 0 {
		d.pending = all
		d.buf = nil
		return nil, nil
	}
	samples, err := decodeSamples(all[:usable], *d.format)
	if err != nil {
		return nil, err
	}
	d.pending = append([]byte(nil), all[usable:]...)
	d.buf = nil
	return samples, nil
}

// parseHeader scans buf for the "fmt " chunk and the start of "data",
// returning how many leading bytes (through the data chunk header) were
// consumed. ok is false if buf doesn't yet contain a full header.
func parseHeader(buf []byte) (consumed int, format fmtChunk, ok bool, err error) {
	if len(buf) < 12 {
		return 0, format, false, nil
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return 0, format, false, streamkiterr.Runtimef("containers::wav::demuxer", "not a RIFF/WAVE stream")
	}
	pos := 12
	var haveFmt bool
	for pos+8 <= len(buf) {
		id := string(buf[pos : pos+4])
		size := binary.LittleEndian.Uint32(buf[pos+4 : pos+8])
		body := pos + 8
		switch id {
		case "fmt ":
			if body+16 > len(buf) {
				return 0, format, false, nil
			}
			format.audioFormat = binary.LittleEndian.Uint16(buf[body : body+2])
			format.numChannels = binary.LittleEndian.Uint16(buf[body+2 : body+4])
			format.sampleRate = binary.LittleEndian.Uint32(buf[body+4 : body+8])
			format.bitsPerSample = binary.LittleEndian.Uint16(buf[body+14 : body+16])
			if format.audioFormat != wavFormatPCM && format.audioFormat != wavFormatFloat {
				return 0, format, false, streamkiterr.Runtimef("containers::wav::demuxer", "unsupported wav format tag %d", format.audioFormat)
			}
			haveFmt = true
			pos = body + int(size) + int(size)%2
		case "data":
			if !haveFmt {
				return 0, format, false, streamkiterr.Runtimef("containers::wav::demuxer", "data chunk before fmt chunk")
			}
			return body, format, true, nil
		default:
			pos = body + int(size) + int(size)%2
		}
	}
	return 0, format, false, nil
}

func decodeSamples(data []byte, format fmtChunk) ([]float32, error) {
	switch format.bitsPerSample {
	case 16:
		out := make([]float32, len(data)/2)
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
			out[i] = float32(v) / 32768.0
		}
		return out, nil
	case 32:
		if format.audioFormat == wavFormatFloat {
			out := make([]float32, len(data)/4)
			for i := range out {
				bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
				out[i] = math.Float32frombits(bits)
			}
			return out, nil
		}
		out := make([]float32, len(data)/4)
		for i := range out {
			v := int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
			out[i] = float32(v) / 2147483648.0
		}
		return out, nil
	case 8:
		out := make([]float32, len(data))
		for i, b := range data {
			out[i] = (float32(b) - 128) / 128.0
		}
		return out, nil
	default:
		return nil, streamkiterr.Runtimef("containers::wav::demuxer", "unsupported bits_per_sample %d", format.bitsPerSample)
	}
}

// Register adds the containers::wav::demuxer kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	n, err := New(nil, log)
	if err != nil {
		return err
	}
	return reg.Register(registry.KindInfo{
		Kind: "containers::wav::demuxer",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		Inputs:     n.InputPins(),
		Outputs:    n.OutputPins(),
		Categories: []string{"containers", "wav"},
	})
}
