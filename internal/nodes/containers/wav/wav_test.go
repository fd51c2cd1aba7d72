package wav

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

// buildPCM16Wav builds a minimal mono 16-bit PCM WAV file containing
// samples, encoded little-endian.
func buildPCM16Wav(sampleRate uint32, channels uint16, samples []int16) []byte {
	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}
	dataBytes := data.Bytes()

	byteRate := sampleRate * uint32(channels) * 2
	blockAlign := channels * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(dataBytes)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, sampleRate)
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(dataBytes)))
	buf.Write(dataBytes)
	return buf.Bytes()
}

type recordingSender struct{ out chan ptype.Packet }

func (s recordingSender) NodeName() string { return "w" }
func (s recordingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func TestWavDemuxerDecodesPCM16(t *testing.T) {
	samples := make([]int16, 4000)
	for i := range samples {
		samples[i] = 16384 // 0.5 in f32 terms
	}
	wavBytes := buildPCM16Wav(48000, 1, samples)

	n, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	in := make(chan ptype.Packet, 2)
	out := make(chan ptype.Packet, 10)
	done := make(chan struct{})
	ctrl := make(chan node.ControlMessage, 1)

	nctx := node.Context{
		NodeID:  "w",
		Inputs:  map[string]<-chan ptype.Packet{"in": in},
		Control: ctrl,
		Output:  recordingSender{out: out},
		Done:    done,
	}

	in <- ptype.NewBinaryPacket(wavBytes, "audio/wav", nil)
	close(in)

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(nctx) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wav demux to finish")
	}

	var total int
	for {
		select {
		case pkt := <-out:
			total += len(pkt.Audio.Samples())
			for _, s := range pkt.Audio.Samples() {
				if diff := s - 0.5; diff > 0.01 || diff < -0.01 {
					t.Fatalf("expected ~0.5, got %v", s)
				}
			}
		default:
			if total != len(samples) {
				t.Fatalf("expected %d samples total, got %d", len(samples), total)
			}
			return
		}
	}
}
