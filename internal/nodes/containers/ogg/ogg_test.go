package ogg

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

type recordingSender struct{ out chan ptype.Packet }

func (s recordingSender) NodeName() string { return "o" }
func (s recordingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func TestPageWriterProducesValidOggSMagic(t *testing.T) {
	w := newPageWriter(42)
	pages := w.writePacket([]byte("OpusHead..."), 0, true)
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	page := pages[0]
	if !bytes.HasPrefix(page, []byte("OggS")) {
		t.Fatalf("expected OggS capture pattern, got %q", page[:4])
	}
	if page[4] != 0 {
		t.Fatalf("expected stream structure version 0, got %d", page[4])
	}
	if page[5]&0x02 == 0 {
		t.Fatal("expected beginning-of-stream flag set on first page")
	}
}

func TestPageWriterDeferredUntilEndPage(t *testing.T) {
	w := newPageWriter(1)
	pages := w.writePacket([]byte("abc"), 0, false)
	if pages != nil {
		t.Fatalf("expected no page yet, got %d", len(pages))
	}
	pages = w.writePacket([]byte("def"), 100, true)
	if len(pages) != 1 {
		t.Fatalf("expected exactly 1 page after end_page, got %d", len(pages))
	}
}

func TestMuxerEmitsOpusHeadAndTagsThenData(t *testing.T) {
	n, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	in := make(chan ptype.Packet, 2)
	out := make(chan ptype.Packet, 10)
	done := make(chan struct{})
	ctrl := make(chan node.ControlMessage, 1)

	nctx := node.Context{
		NodeID:  "o",
		Inputs:  map[string]<-chan ptype.Packet{"in": in},
		Control: ctrl,
		Output:  recordingSender{out: out},
		Done:    done,
	}

	in <- ptype.NewOpusPacket([]byte{1, 2, 3}, nil)
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

	var pages [][]byte
	for {
		select {
		case pkt := <-out:
			pages = append(pages, pkt.Binary)
		default:
			goto checked
		}
	}
checked:
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages (head, tags, data), got %d", len(pages))
	}
	if !bytes.Contains(pages[0], []byte("OpusHead")) {
		t.Fatal("expected first page to contain OpusHead")
	}
}
