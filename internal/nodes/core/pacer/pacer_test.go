package pacer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

type harness struct {
	in      chan ptype.Packet
	ctrl    chan node.ControlMessage
	out     chan ptype.Packet
	done    chan struct{}
	nodeCtx node.Context
}

type recordingSender struct{ out chan ptype.Packet }

func (s recordingSender) NodeName() string { return "p" }
func (s recordingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func newHarness() *harness {
	h := &harness{
		in:   make(chan ptype.Packet, 32),
		ctrl: make(chan node.ControlMessage, 4),
		out:  make(chan ptype.Packet, 32),
		done: make(chan struct{}),
	}
	h.nodeCtx = node.Context{
		NodeID:    "p",
		Inputs:    map[string]<-chan ptype.Packet{"in": h.in},
		Control:   h.ctrl,
		Output:    recordingSender{out: h.out},
		BatchSize: 8,
		Done:      h.done,
	}
	return h
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// binPacket builds a Binary packet with an explicit playback duration, the
// shape a relay/transcode upstream would stamp.
func binPacket(durationUs int64) ptype.Packet {
	d := durationUs
	return ptype.NewBinaryPacket([]byte("x"), "application/octet-stream", &ptype.Metadata{DurationUs: &d})
}

func TestPacerUndatedPacketsPassThroughImmediately(t *testing.T) {
	n, err := New(mustJSON(Config{Speed: 1.0, BufferSize: 4}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.in <- ptype.NewBinaryPacket([]byte("a"), "", nil)
	h.in <- ptype.NewBinaryPacket([]byte("b"), "", nil)
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
	if len(h.out) != 2 {
		t.Fatalf("expected both packets forwarded, got %d", len(h.out))
	}
}

func TestPacerHoldsDatedPacketForItsDuration(t *testing.T) {
	n, err := New(mustJSON(Config{Speed: 1.0, BufferSize: 4}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.in <- binPacket(50_000) // 50ms
	close(h.in)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- n.Run(h.nodeCtx) }()

	select {
	case pkt := <-h.out:
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Fatalf("expected packet held for ~50ms, released after %v", elapsed)
		}
		if pkt.Variant != ptype.VariantBinary {
			t.Fatalf("expected binary packet passed through unchanged, got %v", pkt.Variant)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for paced packet")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not finish after input closed")
	}
}

func TestPacerInitialBurstSkipsPacing(t *testing.T) {
	n, err := New(mustJSON(Config{Speed: 1.0, BufferSize: 4, InitialBurstPackets: 2}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.in <- binPacket(200_000) // 200ms at normal speed, ~20ms during burst
	h.in <- binPacket(200_000)
	close(h.in)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- n.Run(h.nodeCtx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-h.out:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for burst packet %d", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("expected both burst packets released quickly, took %v", elapsed)
	}
	<-done
}

func TestPacerRejectsNonPositiveSpeed(t *testing.T) {
	if _, err := New(mustJSON(Config{Speed: 0}), nil); err == nil {
		t.Fatal("expected validation error for zero speed")
	}
	if _, err := New(mustJSON(Config{Speed: -1}), nil); err == nil {
		t.Fatal("expected validation error for negative speed")
	}
}

func TestPacerHotTuneRejectsNonPositiveSpeed(t *testing.T) {
	n, err := New(mustJSON(Config{Speed: 1.0, BufferSize: 4}), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := newHarness()
	h.ctrl <- node.ControlMessage{Type: node.ControlUpdateParams, Params: mustJSON(Config{Speed: 0})}
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
	if n.cfg.Speed != 1.0 {
		t.Fatalf("expected speed to remain 1.0 after rejected update, got %v", n.cfg.Speed)
	}
}

func TestPacerOutputPinDeclaresPassthrough(t *testing.T) {
	n, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outs := n.OutputPins()
	if len(outs) != 1 || outs[0].ProducesType.Variant != ptype.VariantPassthrough {
		t.Fatalf("expected single output pin declaring Passthrough, got %+v", outs)
	}
}
