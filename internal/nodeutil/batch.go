// Package nodeutil holds small helpers shared by concrete ProcessorNode
// implementations: greedy batch collection and control-channel draining,
// factored out once every node's Run loop needed the same boilerplate.
package nodeutil

import (
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

// BatchGreedy returns first plus every packet immediately available on in,
// up to size total. It never blocks beyond the initial receive of first.
func BatchGreedy(first ptype.Packet, in <-chan ptype.Packet, size int) []ptype.Packet {
	if size < 1 {
		size = 1
	}
	batch := make([]ptype.Packet, 0, size)
	batch = append(batch, first)
	for len(batch) < size {
		select {
		case pkt, ok := <-in:
			if !ok {
				return batch
			}
			batch = append(batch, pkt)
		default:
			return batch
		}
	}
	return batch
}

// DrainControl applies every control message currently queued without
// blocking, calling onUpdateParams for each UpdateParams message. It
// reports whether a Shutdown message was observed.
func DrainControl(ctrl <-chan node.ControlMessage, onUpdateParams func([]byte)) (shutdown bool) {
	for {
		select {
		case msg, ok := <-ctrl:
			if !ok {
				return shutdown
			}
			switch msg.Type {
			case node.ControlUpdateParams:
				if onUpdateParams != nil {
					onUpdateParams(msg.Params)
				}
			case node.ControlShutdown:
				shutdown = true
			case node.ControlStart:
			}
		default:
			return shutdown
		}
	}
}
