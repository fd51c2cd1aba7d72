// Package mp3 implements the audio::mp3::decoder node kind: decodes a
// streamed MP3 byte sequence to stereo f32 PCM at the stream's own sample
// rate, rechunked into fixed 1920-sample frames (20ms at 48kHz) to match
// the encoder-facing nodes downstream.
package mp3

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const (
	outputFrameSize  = 1920 // 20ms at 48kHz stereo: 960 samples/channel * 2
	decoderBytesPerSample = 2 // go-mp3 emits signed 16-bit little-endian PCM
	decoderChannels       = 2 // go-mp3 always decodes to stereo
)

// Config is the audio::mp3::decoder node's construction parameters (none
// currently — kept as a struct for forward compatibility and to match the
// teacher's "even an empty config gets a named type" convention).
type Config struct{}

// Node decodes MP3 byte data arriving on its "in" pin to RawAudio frames.
type Node struct {
	log *slog.Logger
}

func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	return &Node{log: log}, nil
}

func (n *Node) InputPins() []pin.InputPin {
	return []pin.InputPin{{Name: "in", AcceptsTypes: []ptype.PacketType{ptype.Binary()}, Cardinality: pin.One}}
}

func (n *Node) OutputPins() []pin.OutputPin {
	format := ptype.AudioFormat{RateHz: 48000, Channels: decoderChannels, SampleFormat: ptype.SampleFormatF32}
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.RawAudio(format), Cardinality: pin.Broadcast}}
}

func (n *Node) ContentType() string { return "audio/mpeg" }

// pipeReader feeds bytes arriving on the node's input channel to the go-mp3
// decoder as a blocking io.Reader, mirroring the streaming-reader-over-a-
// channel pattern the upstream decoder uses around its blocking task.
type pipeReader struct {
	in      <-chan []byte
	pending []byte
	closed  bool
}

func (r *pipeReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.closed {
			return 0, io.EOF
		}
		chunk, ok := <-r.in
		if !ok {
			r.closed = true
			continue
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

type decodedFrame struct {
	samples    []float32
	sampleRate int
	err        error
}

func (n *Node) Run(ctx node.Context) error {
	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf("audio::mp3::decoder", "input pin %q not wired", "in")
	}

	byteStream := make(chan []byte, 32)
	results := make(chan decodedFrame, 32)

	go feedDecoder(ctx, in, byteStream)
	go decodeStream(byteStream, results)

	for {
		select {
		case frame, ok := <-results:
			if !ok {
				return nil
			}
			if frame.err != nil {
				n.log.Warn("mp3 decode error", "error", frame.err)
				continue
			}
			pkt := ptype.NewRawAudioPacket(ptype.NewAudioFrame(
				ptype.AudioFormat{RateHz: uint32(frame.sampleRate), Channels: decoderChannels, SampleFormat: ptype.SampleFormatF32},
				frame.samples,
			))
			if err := ctx.Output.Send(context.Background(), "out", pkt); err != nil {
				return nil
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

// feedDecoder forwards Binary packet payloads from in onto byteStream until
// the node is cancelled or the input closes, then closes byteStream so the
// decoder goroutine observes EOF.
func feedDecoder(ctx node.Context, in <-chan ptype.Packet, byteStream chan<- []byte) {
	defer close(byteStream)
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return
			}
			if pkt.Variant != ptype.VariantBinary || len(pkt.Binary) == 0 {
				continue
			}
			select {
			case byteStream <- pkt.Binary:
			case <-ctx.Done:
				return
			}
		case <-ctx.Done:
			return
		}
	}
}

// decodeStream runs the go-mp3 decoder over a channel-backed reader,
// rechunking its interleaved s16le stereo output into fixed-size f32 frames.
func decodeStream(byteStream <-chan []byte, results chan<- decodedFrame) {
	defer close(results)

	reader := &pipeReader{in: byteStream}
	decoder, err := gomp3.NewDecoder(reader)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			results <- decodedFrame{err: err}
		}
		return
	}

	sampleRate := decoder.SampleRate()
	var rechunk []float32
	buf := make([]byte, 4096)
	for {
		readN, err := decoder.Read(buf)
		if readN > 0 {
			rechunk = append(rechunk, pcm16ToF32(buf[:readN])...)
			for len(rechunk) >= outputFrameSize {
				results <- decodedFrame{samples: append([]float32{}, rechunk[:outputFrameSize]...), sampleRate: sampleRate}
				rechunk = rechunk[outputFrameSize:]
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				results <- decodedFrame{err: err}
			}
			break
		}
	}
	if len(rechunk) > 0 {
		results <- decodedFrame{samples: rechunk, sampleRate: sampleRate}
	}
}

// pcm16ToF32 converts interleaved signed 16-bit little-endian PCM to
// interleaved float32 in [-1, 1].
func pcm16ToF32(data []byte) []float32 {
	n := len(data) / decoderBytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		out[i] = float32(v) / float32(math.MaxInt16)
	}
	return out
}

// Register adds the audio::mp3::decoder kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	n, err := New(nil, log)
	if err != nil {
		return err
	}
	return reg.Register(registry.KindInfo{
		Kind: "audio::mp3::decoder",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Inputs:      n.InputPins(),
		Outputs:     n.OutputPins(),
		Categories:  []string{"audio", "codecs", "mp3"},
	})
}
