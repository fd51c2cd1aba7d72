// Package http implements the transport::http::fetcher node kind: a source
// node that streams an HTTP/HTTPS response body as chunked Binary packets.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/nodeutil"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const defaultChunkSize = 8192

// Config is the transport::http::fetcher node's construction parameters.
type Config struct {
	URL       string `json:"url"`
	ChunkSize int    `json:"chunk_size"`
}

func (c Config) validate() error {
	if c.URL == "" {
		return streamkiterr.Validationf("url", "url must not be empty")
	}
	if c.ChunkSize <= 0 {
		return streamkiterr.Validationf("chunk_size", "chunk_size must be greater than 0")
	}
	return nil
}

var sharedClient = sync.OnceValue(func() *http.Client {
	return &http.Client{
		// Security: never follow redirects, to keep an allowlisted URL from
		// SSRF-bypassing via a 3xx response into an unrelated host.
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
		Transport:     &http.Transport{DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext},
	}
})

// Node fetches config.URL and emits its response body as chunked Binary
// packets. It is a source node: it emits Ready and waits for a Start
// control message before issuing the request.
type Node struct {
	cfg Config
	log *slog.Logger
}

// New validates params and constructs an http fetcher node. Passing nil
// params is allowed for pin inspection only (catalog browsing); chunk_size
// then defaults and url is left empty, which Run would reject if actually
// started — callers inspecting pins never call Run.
func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	cfg := Config{ChunkSize: defaultChunkSize}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("transport::http::fetcher", "decode params: %v", err)
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Node{cfg: cfg, log: log}, nil
}

func (n *Node) InputPins() []pin.InputPin { return nil }

func (n *Node) OutputPins() []pin.OutputPin {
	return []pin.OutputPin{{Name: "out", ProducesType: ptype.Binary(), Cardinality: pin.Broadcast}}
}

// ReportsOwnState marks this node as SelfReporting: it emits Ready itself
// and only transitions to Running once the request actually starts
// streaming, after the Start gate below.
func (n *Node) ReportsOwnState() {}

func (n *Node) Run(ctx node.Context) error {
	ctx.StateTx <- node.StateUpdate{NodeID: ctx.NodeID, State: node.StateReady}

	for {
		select {
		case msg, ok := <-ctx.Control:
			if !ok {
				return nil
			}
			if msg.Type == node.ControlShutdown {
				return nil
			}
			if msg.Type == node.ControlStart {
				goto started
			}
		case <-ctx.Done:
			return nil
		}
	}
started:
	ctx.StateTx <- node.StateUpdate{NodeID: ctx.NodeID, State: node.StateRunning}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, n.cfg.URL, nil)
	if err != nil {
		return streamkiterr.Runtimef("transport::http::fetcher", "build request: %v", err)
	}
	client := sharedClient()
	resp, err := client.Do(req)
	if err != nil {
		return streamkiterr.Runtimef("transport::http::fetcher", "http request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return streamkiterr.Runtimef("transport::http::fetcher", "http error: %s", resp.Status)
	}

	buf := make([]byte, n.cfg.ChunkSize)
	var carry bytes.Buffer
	for {
		select {
		case <-ctx.Done:
			return nil
		default:
		}
		if shutdown := nodeutil.DrainControl(ctx.Control, nil); shutdown {
			return nil
		}

		read, rerr := resp.Body.Read(buf)
		if read > 0 {
			carry.Write(buf[:read])
			for carry.Len() >= n.cfg.ChunkSize {
				chunk := make([]byte, n.cfg.ChunkSize)
				copy(chunk, carry.Next(n.cfg.ChunkSize))
				if sendErr := ctx.Output.Send(context.Background(), "out", ptype.NewBinaryPacket(chunk, "", nil)); sendErr != nil {
					return nil
				}
			}
		}
		if rerr == io.EOF {
			if carry.Len() > 0 {
				tail := make([]byte, carry.Len())
				copy(tail, carry.Bytes())
				_ = ctx.Output.Send(context.Background(), "out", ptype.NewBinaryPacket(tail, "", nil))
			}
			return nil
		}
		if rerr != nil {
			return streamkiterr.Runtimef("transport::http::fetcher", "read response body: %v", rerr)
		}
	}
}

// Register adds the transport::http::fetcher kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	return reg.Register(registry.KindInfo{
		Kind: "transport::http::fetcher",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":        map[string]any{"type": "string"},
				"chunk_size": map[string]any{"type": "integer", "minimum": 1, "default": defaultChunkSize},
			},
			"required": []string{"url"},
		},
		Inputs:     nil,
		Outputs:    []pin.OutputPin{{Name: "out", ProducesType: ptype.Binary(), Cardinality: pin.Broadcast}},
		Categories: []string{"transport", "http"},
	})
}
