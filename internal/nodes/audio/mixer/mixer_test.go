package mixer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

type recordingSender struct{ out chan ptype.Packet }

func (s recordingSender) NodeName() string { return "m" }
func (s recordingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func audioPacket(n int, value float32) ptype.Packet {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return ptype.NewRawAudioPacket(ptype.NewAudioFrame(ptype.AudioFormat{RateHz: 48000, Channels: 1, SampleFormat: ptype.SampleFormatF32}, samples))
}

func TestMixerSumsTwoInputs(t *testing.T) {
	n, err := New(mustJSON(Config{NumInputs: 2}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in0 := make(chan ptype.Packet, 1)
	in1 := make(chan ptype.Packet, 1)
	out := make(chan ptype.Packet, 1)
	done := make(chan struct{})

	nctx := node.Context{
		NodeID:    "m",
		Inputs:    map[string]<-chan ptype.Packet{"in_0": in0, "in_1": in1},
		Control:   make(chan node.ControlMessage, 1),
		Output:    recordingSender{out: out},
		BatchSize: 8,
		Done:      done,
	}

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(nctx) }()

	in0 <- audioPacket(4, 0.3)
	in1 <- audioPacket(4, 0.4)

	select {
	case pkt := <-out:
		for _, s := range pkt.Audio.Samples() {
			if diff := s - 0.7; diff > 0.001 || diff < -0.001 {
				t.Fatalf("expected ~0.7, got %v", s)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mixed output")
	}

	close(in0)
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not exit after input closed")
	}
}

func TestMixerRejectsZeroInputs(t *testing.T) {
	if _, err := New(mustJSON(Config{NumInputs: 0}), nil); err == nil {
		t.Fatal("expected validation error for num_inputs=0")
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
