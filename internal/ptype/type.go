// Package ptype implements the packet type system: the tagged-union Packet
// value that flows between node pins, the PacketType schema describing what
// a pin produces or accepts, and the compatibility predicate the compiler
// and engine use to validate connections.
package ptype

// SampleFormat is the on-wire sample encoding of a RawAudio frame.
type SampleFormat string

const (
	SampleFormatF32 SampleFormat = "f32"
	SampleFormatS16 SampleFormat = "s16"
)

// Variant names the tagged-union arm of a Packet or PacketType.
type Variant string

const (
	VariantRawAudio      Variant = "raw_audio"
	VariantOpusAudio     Variant = "opus_audio"
	VariantBinary        Variant = "binary"
	VariantText          Variant = "text"
	VariantTranscription Variant = "transcription"
	VariantCustom        Variant = "custom"
	// VariantAny and VariantPassthrough are schema-level markers only; no
	// Packet ever carries them as its Variant.
	VariantAny         Variant = "any"
	VariantPassthrough Variant = "passthrough"
)

// AudioFormat describes the shape of a RawAudio frame. A zero field is a
// wildcard: RateHz == 0 means "any sample rate", Channels == 0 means "any
// channel count". Wildcards are only meaningful on the *accepting* side of a
// connection (see Accepts below).
type AudioFormat struct {
	RateHz       uint32
	Channels     uint16
	SampleFormat SampleFormat
}

// PacketType is the schema-level description of what a pin produces or
// accepts: a Variant tag plus the variant-specific detail needed for the
// compatibility predicate.
type PacketType struct {
	Variant     Variant
	Audio       AudioFormat // meaningful iff Variant == VariantRawAudio
	CustomKind  string      // meaningful iff Variant == VariantCustom
}

func RawAudio(fmt AudioFormat) PacketType { return PacketType{Variant: VariantRawAudio, Audio: fmt} }
func OpusAudio() PacketType               { return PacketType{Variant: VariantOpusAudio} }
func Binary() PacketType                  { return PacketType{Variant: VariantBinary} }
func Text() PacketType                    { return PacketType{Variant: VariantText} }
func Transcription() PacketType           { return PacketType{Variant: VariantTranscription} }
func Custom(kind string) PacketType       { return PacketType{Variant: VariantCustom, CustomKind: kind} }
func Any() PacketType                     { return PacketType{Variant: VariantAny} }
func Passthrough() PacketType             { return PacketType{Variant: VariantPassthrough} }

// Accepts reports whether a pin declaring `required` will accept a value of
// type `produced`. This is the one predicate the compiler and the live
// Connect mutation both call before admitting a connection.
//
// Passthrough is never compared here, on either side: it is a wiring-time
// concern, not a type-level one. An output pin declaring Passthrough (e.g.
// core::pacer's "out") must be resolved by the caller to whatever flows
// into that same node's own input pin before calling Accepts — see
// engine.connectLocked's producedType resolution.
func Accepts(required, produced PacketType) bool {
	if required.Variant == VariantAny {
		return true
	}
	if required.Variant != produced.Variant {
		return false
	}
	switch required.Variant {
	case VariantRawAudio:
		return rawAudioAccepts(required.Audio, produced.Audio)
	case VariantCustom:
		return required.CustomKind == produced.CustomKind
	default:
		return true
	}
}

func rawAudioAccepts(required, produced AudioFormat) bool {
	if required.SampleFormat != produced.SampleFormat {
		return false
	}
	if required.RateHz != 0 && required.RateHz != produced.RateHz {
		return false
	}
	if required.Channels != 0 && required.Channels != produced.Channels {
		return false
	}
	return true
}
