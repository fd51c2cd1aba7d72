package engine

import (
	"context"
	"log/slog"

	"github.com/streamkit-io/streamkit/internal/ptype"
)

// outputRouter implements node.OutputSender for one live node instance: a
// pin name maps to the pinDistributor fanning that pin's packets out to
// every connected subscriber.
type outputRouter struct {
	nodeID string
	pins   map[string]*pinDistributor
	stats  *statsThrottler
}

func newOutputRouter(nodeID string, stats *statsThrottler) *outputRouter {
	return &outputRouter{nodeID: nodeID, pins: make(map[string]*pinDistributor), stats: stats}
}

func (r *outputRouter) NodeName() string { return r.nodeID }

// Send fans pkt out on pinName. Reliable subscribers can block this call
// under backpressure; ctx cancellation does not abort an in-flight Reliable
// send because spec.md §4.3 specifies full-channel blocking as the
// backpressure mechanism, not a cancellable wait.
func (r *outputRouter) Send(ctx context.Context, pinName string, pkt ptype.Packet) error {
	d, ok := r.pins[pinName]
	if !ok {
		return nil
	}
	d.send(pkt)
	return nil
}

func (r *outputRouter) distributor(pinName string, log *slog.Logger) *pinDistributor {
	d, ok := r.pins[pinName]
	if !ok {
		d = newPinDistributor(log.With("node", r.nodeID, "pin", pinName), r.stats)
		r.pins[pinName] = d
	}
	return d
}

func (r *outputRouter) closeAll() {
	for _, d := range r.pins {
		d.closeAll()
	}
}
