package webm

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

type recordingSender struct{ out chan ptype.Packet }

func (s recordingSender) NodeName() string { return "w" }
func (s recordingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func TestVintRoundTripsSmallAndLargeValues(t *testing.T) {
	small := vint(5)
	if len(small) != 1 || small[0] != 0x85 {
		t.Fatalf("expected 1-byte vint with marker bit, got % x", small)
	}
	large := vint(1 << 20)
	if len(large) < 2 {
		t.Fatalf("expected multi-byte vint for large value, got % x", large)
	}
}

func TestNewRejectsUnsupportedChannelCount(t *testing.T) {
	_, err := New(mustJSON(Config{SampleRateHz: 48000, Channels: 6}), nil)
	if err == nil {
		t.Fatal("expected error for 6-channel config")
	}
}

func TestMuxerEmitsHeaderThenClusterWithSimpleBlock(t *testing.T) {
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

	in <- ptype.NewOpusPacket([]byte{9, 9, 9}, nil)
	close(in)

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(nctx) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not finish")
	}

	var chunks [][]byte
	for {
		select {
		case pkt := <-out:
			chunks = append(chunks, pkt.Binary)
		default:
			goto checked
		}
	}
checked:
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (header, cluster), got %d", len(chunks))
	}
	header := chunks[0]
	if !bytes.Contains(header, []byte("webm")) {
		t.Fatal("expected DocType \"webm\" in header chunk")
	}
	if !bytes.Contains(header, []byte("A_OPUS")) {
		t.Fatal("expected CodecID \"A_OPUS\" in header chunk")
	}
	if !bytes.Contains(header, []byte("OpusHead")) {
		t.Fatal("expected OpusHead CodecPrivate blob in header chunk")
	}
	cluster := chunks[1]
	if !bytes.Contains(cluster, []byte{9, 9, 9}) {
		t.Fatal("expected SimpleBlock payload bytes in cluster chunk")
	}
}

func mustJSON(cfg Config) []byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return b
}
