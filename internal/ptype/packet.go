package ptype

import "sync/atomic"

// Metadata carries optional end-to-end timing that rides along with a
// packet without affecting its type.
type Metadata struct {
	TimestampUs *int64
	DurationUs  *int64
	Sequence    *uint64
}

// sharedSamples is the reference-counted backing buffer for a RawAudio
// frame. Packet values clone this header cheaply (it's small) while sharing
// the underlying slice; MakeSamplesMut decides, based on the refcount,
// whether a mutation can happen in place or must copy first.
type sharedSamples struct {
	refs atomic.Int32
	data []float32
}

func newSharedSamples(data []float32) *sharedSamples {
	s := &sharedSamples{data: data}
	s.refs.Store(1)
	return s
}

func (s *sharedSamples) retain() *sharedSamples {
	s.refs.Add(1)
	return s
}

// AudioFrame is the payload of a RawAudio packet.
type AudioFrame struct {
	Format   AudioFormat
	samples  *sharedSamples
	Metadata *Metadata
}

// NewAudioFrame builds a frame that uniquely owns data; no copy is made.
func NewAudioFrame(format AudioFormat, data []float32) AudioFrame {
	return AudioFrame{Format: format, samples: newSharedSamples(data)}
}

// Samples returns a read-only view of the interleaved sample buffer.
func (f AudioFrame) Samples() []float32 {
	if f.samples == nil {
		return nil
	}
	return f.samples.data
}

// clone returns a new AudioFrame sharing the same backing buffer, with the
// refcount bumped. This is what happens when a packet fans out to multiple
// subscribers on a Broadcast output pin.
func (f AudioFrame) clone() AudioFrame {
	if f.samples == nil {
		return f
	}
	return AudioFrame{Format: f.Format, samples: f.samples.retain(), Metadata: f.Metadata}
}

// MakeSamplesMut returns a mutable slice over the frame's samples: if the
// backing buffer is uniquely held (refcount == 1) it is returned directly
// and may be mutated in place; otherwise a fresh copy is made and the frame
// is rebound to it. The returned AudioFrame must replace the caller's
// original value — the mutation is only visible through it.
func (f AudioFrame) MakeSamplesMut() (AudioFrame, []float32) {
	if f.samples == nil {
		return f, nil
	}
	if f.samples.refs.Load() == 1 {
		return f, f.samples.data
	}
	cp := make([]float32, len(f.samples.data))
	copy(cp, f.samples.data)
	f.samples = newSharedSamples(cp)
	return f, f.samples.data
}

// Packet is the tagged-union unit of flow between node pins.
type Packet struct {
	Variant       Variant
	Audio         AudioFrame
	Opus          []byte
	Binary        []byte
	ContentType   string
	Text          string
	Transcription TranscriptionResult
	CustomKind    string
	CustomData    []byte
	Metadata      *Metadata
}

// TranscriptionResult is the payload of a Transcription packet.
type TranscriptionResult struct {
	Text     string
	Language string
	Segments []TranscriptionSegment
}

type TranscriptionSegment struct {
	Text       string
	StartMs    int64
	EndMs      int64
	Confidence *float32
}

func NewRawAudioPacket(frame AudioFrame) Packet {
	return Packet{Variant: VariantRawAudio, Audio: frame, Metadata: frame.Metadata}
}

func NewOpusPacket(data []byte, meta *Metadata) Packet {
	return Packet{Variant: VariantOpusAudio, Opus: data, Metadata: meta}
}

func NewBinaryPacket(data []byte, contentType string, meta *Metadata) Packet {
	return Packet{Variant: VariantBinary, Binary: data, ContentType: contentType, Metadata: meta}
}

func NewTextPacket(text string, meta *Metadata) Packet {
	return Packet{Variant: VariantText, Text: text, Metadata: meta}
}

func NewTranscriptionPacket(r TranscriptionResult, meta *Metadata) Packet {
	return Packet{Variant: VariantTranscription, Transcription: r, Metadata: meta}
}

func NewCustomPacket(kind string, data []byte, meta *Metadata) Packet {
	return Packet{Variant: VariantCustom, CustomKind: kind, CustomData: data, Metadata: meta}
}

// Type returns the PacketType schema value matching this packet's variant.
func (p Packet) Type() PacketType {
	switch p.Variant {
	case VariantRawAudio:
		return RawAudio(p.Audio.Format)
	case VariantOpusAudio:
		return OpusAudio()
	case VariantBinary:
		return Binary()
	case VariantText:
		return Text()
	case VariantTranscription:
		return Transcription()
	case VariantCustom:
		return Custom(p.CustomKind)
	default:
		return PacketType{Variant: p.Variant}
	}
}

// Clone returns a shallow copy of the packet safe to hand to a second
// subscriber: RawAudio samples are shared (refcounted), everything else in
// this packet shape is already immutable once constructed.
func (p Packet) Clone() Packet {
	cp := p
	if p.Variant == VariantRawAudio {
		cp.Audio = p.Audio.clone()
	}
	return cp
}
