package gain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

func makeAudioPacket(n int, value float32) ptype.Packet {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	frame := ptype.NewAudioFrame(ptype.AudioFormat{RateHz: 48000, Channels: 2, SampleFormat: ptype.SampleFormatF32}, samples)
	return ptype.NewRawAudioPacket(frame)
}

type harness struct {
	in      chan ptype.Packet
	ctrl    chan node.ControlMessage
	out     chan ptype.Packet
	done    chan struct{}
	nodeCtx node.Context
}

type recordingSender struct{ out chan ptype.Packet }

func (s recordingSender) NodeName() string { return "g" }
func (s recordingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func newHarness() *harness {
	h := &harness{
		in:   make(chan ptype.Packet, 10),
		ctrl: make(chan node.ControlMessage, 4),
		out:  make(chan ptype.Packet, 10),
		done: make(chan struct{}),
	}
	h.nodeCtx = node.Context{
		NodeID:    "g",
		Inputs:    map[string]<-chan ptype.Packet{"in": h.in},
		Control:   h.ctrl,
		Output:    recordingSender{out: h.out},
		BatchSize: 8,
		Done:      h.done,
	}
	return h
}

func TestGainHappyPath(t *testing.T) {
	n, err := New(mustJSON(Config{Gain: 2.0}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.in <- makeAudioPacket(100, 0.5)
	close(h.in)

	if err := n.Run(h.nodeCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case pkt := <-h.out:
		for _, s := range pkt.Audio.Samples() {
			if diff := s - 1.0; diff > 0.001 || diff < -0.001 {
				t.Fatalf("expected ~1.0, got %v", s)
			}
		}
	default:
		t.Fatal("expected one output packet")
	}
}

func TestGainZeroSilences(t *testing.T) {
	n, err := New(mustJSON(Config{Gain: 0.0}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.in <- makeAudioPacket(10, 1.0)
	close(h.in)

	if err := n.Run(h.nodeCtx); err != nil {
		t.Fatalf("run: %v", err)
	}
	pkt := <-h.out
	for _, s := range pkt.Audio.Samples() {
		if s != 0 {
			t.Fatalf("expected silence, got %v", s)
		}
	}
}

func TestGainRejectsOutOfRangeConstruction(t *testing.T) {
	if _, err := New(mustJSON(Config{Gain: 100.0}), nil); err == nil {
		t.Fatal("expected validation error for out-of-range gain")
	}
}

func TestGainHotTuneRejectsInvalidValue(t *testing.T) {
	n, err := New(mustJSON(Config{Gain: 1.0}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.ctrl <- node.ControlMessage{Type: node.ControlUpdateParams, Params: mustJSON(Config{Gain: 100.0})}
	h.in <- makeAudioPacket(4, 0.5)
	close(h.in)

	done := make(chan error, 1)
	go func() { done <- n.Run(h.nodeCtx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not finish")
	}

	pkt := <-h.out
	for _, s := range pkt.Audio.Samples() {
		if diff := s - 0.5; diff > 0.001 || diff < -0.001 {
			t.Fatalf("expected unchanged gain (1.0), got %v", s)
		}
	}
	if n.cfg.Gain != 1.0 {
		t.Fatalf("expected gain to remain 1.0 after rejected update, got %v", n.cfg.Gain)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
