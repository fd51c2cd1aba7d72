package mp3

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
)

func TestPCM16ToF32ConvertsExtremes(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(int16(math.MaxInt16)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(-math.MaxInt16)))

	got := pcm16ToF32(buf)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] < 0.999 || got[0] > 1.0 {
		t.Fatalf("expected max sample near 1.0, got %f", got[0])
	}
	if got[1] > -0.999 || got[1] < -1.0 {
		t.Fatalf("expected min sample near -1.0, got %f", got[1])
	}
}

func TestPipeReaderDeliversQueuedChunksThenEOF(t *testing.T) {
	ch := make(chan []byte, 2)
	ch <- []byte{1, 2, 3}
	ch <- []byte{4, 5}
	close(ch)

	r := &pipeReader{in: ch}
	var all []byte
	buf := make([]byte, 2)
	for {
		n, err := r.Read(buf)
		all = append(all, buf[:n]...)
		if err != nil {
			if err != io.EOF {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
	}
	if string(all) != string([]byte{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected reassembled bytes: %v", all)
	}
}

func TestNewProducesBinaryInputAndRawAudioOutputPins(t *testing.T) {
	n, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	inputs := n.InputPins()
	if len(inputs) != 1 || inputs[0].Name != "in" {
		t.Fatalf("expected single 'in' pin, got %+v", inputs)
	}
	outputs := n.OutputPins()
	if len(outputs) != 1 || outputs[0].Name != "out" {
		t.Fatalf("expected single 'out' pin, got %+v", outputs)
	}
	if n.ContentType() != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg content type, got %q", n.ContentType())
	}
}
