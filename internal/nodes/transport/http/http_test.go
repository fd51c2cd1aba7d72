package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

type collectingSender struct {
	out chan ptype.Packet
}

func (s collectingSender) NodeName() string { return "f" }
func (s collectingSender) Send(ctx context.Context, pin string, pkt ptype.Packet) error {
	s.out <- pkt
	return nil
}

func TestHTTPFetcherRejectsZeroChunkSize(t *testing.T) {
	params, _ := json.Marshal(Config{URL: "http://example.com", ChunkSize: 0})
	if _, err := New(params, nil); err == nil {
		t.Fatal("expected validation error for chunk_size=0")
	}
}

func TestHTTPFetcherStreamsResponseBody(t *testing.T) {
	payload := []byte("hello streamkit http fetcher")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	params, _ := json.Marshal(Config{URL: srv.URL, ChunkSize: 4})
	n, err := New(params, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	out := make(chan ptype.Packet, 100)
	ctrl := make(chan node.ControlMessage, 4)
	stateTx := make(chan node.StateUpdate, 4)
	done := make(chan struct{})

	nctx := node.Context{
		NodeID:  "f",
		Control: ctrl,
		Output:  collectingSender{out: out},
		Done:    done,
		StateTx: stateTx,
	}

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(nctx) }()

	select {
	case u := <-stateTx:
		if u.State != node.StateReady {
			t.Fatalf("expected Ready, got %v", u.State)
		}
	case <-time.After(time.Second):
		t.Fatal("did not observe Ready state")
	}

	ctrl <- node.ControlMessage{Type: node.ControlStart}

	var collected []byte
	timeout := time.After(2 * time.Second)
	for {
		select {
		case pkt := <-out:
			collected = append(collected, pkt.Binary...)
			if len(collected) >= len(payload) {
				goto done
			}
		case <-timeout:
			t.Fatal("timed out collecting http chunks")
		}
	}
done:
	if string(collected) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, collected)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete")
	}
}
