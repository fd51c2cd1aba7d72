package nativerpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/nodeutil"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// instanceState guards one plugin-side instance handle against destruction
// while an FFI call into it is still in flight. The host must never call
// destroy_instance while process_packet/update_params/flush could still be
// running on that handle — begin/finish bracket every such call, and a
// requested destroy is deferred until the in-flight count drops to zero.
type instanceState struct {
	lib           *Library
	handle        atomic.Uintptr // 0 once destroyed
	inFlightCalls atomic.Int64
	dropRequested atomic.Bool
}

func newInstanceState(lib *Library, handle uintptr) *instanceState {
	s := &instanceState{lib: lib}
	s.handle.Store(handle)
	return s
}

// beginCall reserves a slot for one in-flight FFI call, returning the live
// handle, or ok=false if the instance has already been (or is being)
// destroyed.
func (s *instanceState) beginCall() (uintptr, bool) {
	s.inFlightCalls.Add(1)
	h := s.handle.Load()
	if h == 0 {
		s.inFlightCalls.Add(-1)
		return 0, false
	}
	return h, true
}

func (s *instanceState) finishCall() {
	prev := s.inFlightCalls.Add(-1) + 1
	if prev == 1 && s.dropRequested.Load() {
		s.destroy()
	}
}

// requestDrop marks the instance for destruction as soon as no call is in
// flight, destroying it immediately if none currently is.
func (s *instanceState) requestDrop() {
	s.dropRequested.Store(true)
	if s.inFlightCalls.Load() == 0 {
		s.destroy()
	}
}

func (s *instanceState) destroy() {
	h := s.handle.Swap(0)
	if h == 0 {
		return
	}
	s.lib.api.destroyInstance(h)
}

// NativeNodeWrapper bridges one native plugin instance to the engine's
// ProcessorNode contract.
type NativeNodeWrapper struct {
	state    *instanceState
	metadata Metadata
	log      *slog.Logger
}

// CreateInstance asks the plugin to construct a new instance from
// JSON-encoded params, passing a log callback routed to log.
func (l *Library) CreateInstance(meta Metadata, params json.RawMessage, log *slog.Logger) (*NativeNodeWrapper, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	ctx := &callbackContext{log: log}
	cbHandle := registerCallback(ctx)
	defer unregisterCallback(cbHandle)

	handle := l.api.createInstance(bufAddr(params), uintptr(len(params)), logCallbackPtr, cbHandle)
	if handle == 0 {
		return nil, streamkiterr.Configurationf(meta.Kind, "plugin failed to create instance: %s", l.lastErrorString())
	}
	return &NativeNodeWrapper{state: newInstanceState(l, handle), metadata: meta, log: log}, nil
}

func (w *NativeNodeWrapper) InputPins() []pin.InputPin   { return w.metadata.Inputs }
func (w *NativeNodeWrapper) OutputPins() []pin.OutputPin { return w.metadata.Outputs }

// Close destroys the plugin instance immediately. Used by callers (e.g.
// pre-warm) that construct an instance without ever calling Run, which
// otherwise owns the destroy-on-exit lifecycle via its deferred requestDrop.
func (w *NativeNodeWrapper) Close() {
	w.state.requestDrop()
}

// UpdateParams implements node.ParamUpdater: a hot parameter update that
// fails leaves the plugin's prior configuration untouched.
func (w *NativeNodeWrapper) UpdateParams(params json.RawMessage) error {
	handle, ok := w.state.beginCall()
	if !ok {
		return streamkiterr.Runtimef(w.metadata.Kind, "instance already destroyed")
	}
	defer w.state.finishCall()

	if w.state.lib.api.updateParams(handle, bufAddr(params), uintptr(len(params))) != 0 {
		return streamkiterr.Configurationf(w.metadata.Kind, "plugin rejected params: %s", w.state.lib.lastErrorString())
	}
	return nil
}

// Run feeds packets arriving on "in" — the only input pin name the native
// ABI recognizes — to process_packet, forwards whatever the plugin emits,
// and calls flush once on input close to drain any buffered residue.
func (w *NativeNodeWrapper) Run(ctx node.Context) error {
	defer w.state.requestDrop()

	in, ok := ctx.TakeInput("in")
	if !ok {
		return streamkiterr.Configurationf(w.metadata.Kind, "input pin %q not wired", "in")
	}

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				w.runBlocking(ctx, func() error { w.callFlush(ctx); return nil })
				return nil
			}
			if shutdown := nodeutil.DrainControl(ctx.Control, w.applyUpdate); shutdown {
				return nil
			}
			if err := w.runBlocking(ctx, func() error { return w.callProcess(ctx, pkt) }); err != nil {
				w.log.Error("native plugin process failed", "kind", w.metadata.Kind, "error", err)
				return err
			}
		case <-ctx.Done:
			return nil
		}
	}
}

// runBlocking dispatches fn — a call across the FFI boundary into
// plugin-owned code — onto its own goroutine, so this node's own select
// loop goroutine is never the one blocked on it. While fn is in flight we
// keep observing Control/Done instead of stalling until it returns: a
// queued UpdateParams is applied immediately, and Shutdown returns without
// waiting for fn. The instance is never destroyed out from under a still-
// running call regardless — instanceState's begin/finishCall bracket
// (already wrapping fn) defers that until fn's goroutine actually finishes.
func (w *NativeNodeWrapper) runBlocking(ctx node.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	for {
		select {
		case err := <-done:
			return err
		case msg, ok := <-ctx.Control:
			if !ok {
				return nil
			}
			switch msg.Type {
			case node.ControlUpdateParams:
				w.applyUpdate(msg.Params)
			case node.ControlShutdown:
				return nil
			case node.ControlStart:
			}
		case <-ctx.Done:
			return nil
		}
	}
}

// applyUpdate is called from this node's own select loop (either before a
// process call starts, or, via runBlocking, while one is already in
// flight); UpdateParams itself crosses the FFI boundary, so it is kicked
// off on its own goroutine here too rather than blocking whichever select
// is currently waiting on it.
func (w *NativeNodeWrapper) applyUpdate(raw []byte) {
	go func() {
		if err := w.UpdateParams(raw); err != nil {
			w.log.Warn("rejected native plugin param update", "kind", w.metadata.Kind, "error", err)
		}
	}()
}

func (w *NativeNodeWrapper) callProcess(ctx node.Context, pkt ptype.Packet) error {
	handle, ok := w.state.beginCall()
	if !ok {
		return nil
	}
	defer w.state.finishCall()

	pktJSON, err := json.Marshal(pkt)
	if err != nil {
		return err
	}

	cbCtx := &callbackContext{log: w.log}
	cbHandle := registerCallback(cbCtx)
	defer unregisterCallback(cbHandle)

	pinName := []byte("in")
	rc := w.state.lib.api.processPacket(handle, bufAddr(pinName), uintptr(len(pinName)), bufAddr(pktJSON), uintptr(len(pktJSON)), outputCallbackPtr, cbHandle)
	if rc != 0 {
		return streamkiterr.Runtimef(w.metadata.Kind, "plugin process_packet failed: %s", w.state.lib.lastErrorString())
	}
	return w.sendOutputs(ctx, cbCtx.outputs)
}

func (w *NativeNodeWrapper) callFlush(ctx node.Context) {
	handle, ok := w.state.beginCall()
	if !ok {
		return
	}
	defer w.state.finishCall()

	cbCtx := &callbackContext{log: w.log}
	cbHandle := registerCallback(cbCtx)
	defer unregisterCallback(cbHandle)

	if w.state.lib.api.flush(handle, outputCallbackPtr, cbHandle) != 0 {
		w.log.Warn("native plugin flush failed", "kind", w.metadata.Kind, "error", w.state.lib.lastErrorString())
	}
	_ = w.sendOutputs(ctx, cbCtx.outputs)
}

func (w *NativeNodeWrapper) sendOutputs(ctx node.Context, outputs []outputItem) error {
	for _, item := range outputs {
		var pkt ptype.Packet
		if err := json.Unmarshal(item.packetJSON, &pkt); err != nil {
			w.log.Warn("dropping malformed plugin output packet", "kind", w.metadata.Kind, "pin", item.pin, "error", err)
			continue
		}
		if err := ctx.Output.Send(context.Background(), item.pin, pkt); err != nil {
			return nil
		}
	}
	return nil
}
