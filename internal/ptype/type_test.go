package ptype

import "testing"

func TestAcceptsAny(t *testing.T) {
	if !Accepts(Any(), Binary()) {
		t.Fatal("Any must accept everything")
	}
}

func TestAcceptsRawAudioWildcards(t *testing.T) {
	required := RawAudio(AudioFormat{SampleFormat: SampleFormatF32})
	produced := RawAudio(AudioFormat{RateHz: 48000, Channels: 2, SampleFormat: SampleFormatF32})
	if !Accepts(required, produced) {
		t.Fatal("wildcard rate/channels must accept a concrete format")
	}

	required = RawAudio(AudioFormat{RateHz: 16000, SampleFormat: SampleFormatF32})
	if Accepts(required, produced) {
		t.Fatal("mismatched concrete rate must be rejected")
	}

	required = RawAudio(AudioFormat{SampleFormat: SampleFormatS16})
	if Accepts(required, produced) {
		t.Fatal("mismatched sample format must always be rejected")
	}
}

func TestAcceptsCustomKind(t *testing.T) {
	if !Accepts(Custom("a"), Custom("a")) {
		t.Fatal("matching custom kinds must accept")
	}
	if Accepts(Custom("a"), Custom("b")) {
		t.Fatal("mismatched custom kinds must be rejected")
	}
}

func TestAcceptsUnequalVariants(t *testing.T) {
	if Accepts(Text(), Binary()) {
		t.Fatal("unequal non-Any variants must not match")
	}
}

func TestMakeSamplesMutUniqueInPlace(t *testing.T) {
	frame := NewAudioFrame(AudioFormat{RateHz: 48000, Channels: 1, SampleFormat: SampleFormatF32}, []float32{0.5, 0.5})
	frame, buf := frame.MakeSamplesMut()
	buf[0] = 1.0
	if frame.Samples()[0] != 1.0 {
		t.Fatal("unique buffer mutation must be visible in place")
	}
}

func TestMakeSamplesMutSharedCopies(t *testing.T) {
	frame := NewAudioFrame(AudioFormat{RateHz: 48000, Channels: 1, SampleFormat: SampleFormatF32}, []float32{0.5, 0.5})
	shared := frame.clone()

	mutated, buf := frame.MakeSamplesMut()
	buf[0] = 9.0

	if shared.Samples()[0] != 0.5 {
		t.Fatal("mutating a shared buffer must not affect the other owner")
	}
	if mutated.Samples()[0] != 9.0 {
		t.Fatal("mutated frame must see its own write")
	}
}
