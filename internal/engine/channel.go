package engine

import (
	"log/slog"
	"sync"

	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/ptype"
)

// Profile names the three channel-capacity presets spec.md §4.3 names for
// node input buffers and output distributor buffers.
type Profile string

const (
	ProfileLowLatency  Profile = "low_latency"
	ProfileBalanced    Profile = "balanced"
	ProfileHighThroughput Profile = "high_throughput"
)

// inputCapacity and distributorCapacity return the buffer size for a
// profile, defaulting to balanced for an unrecognized value.
func inputCapacity(p Profile) int {
	switch p {
	case ProfileLowLatency:
		return 8
	case ProfileHighThroughput:
		return 128
	default:
		return 32
	}
}

func distributorCapacity(p Profile) int {
	switch p {
	case ProfileLowLatency:
		return 4
	case ProfileHighThroughput:
		return 64
	default:
		return 16
	}
}

// subscriber is one consumer of an output pin's fan-out: a bounded channel
// plus the connection mode governing full-buffer behavior.
type subscriber struct {
	ch   chan ptype.Packet
	mode pipeline.ConnectionMode
	// toNode/toPin identify the subscriber for Disconnect lookups.
	toNode, toPin string
	// recvStats is the consuming node's counters; nil in tests that build a
	// subscriber directly without an owning liveNode.
	recvStats *statsThrottler
}

// pinDistributor fans a single output pin out to zero or more subscribers.
// Reliable subscribers block the sender when full (backpressure); BestEffort
// subscribers drop the oldest queued packet and record it.
type pinDistributor struct {
	mu          sync.Mutex
	subscribers []*subscriber
	dropped     atomicCounter
	log         *slog.Logger
	sentStats   *statsThrottler
}

func newPinDistributor(log *slog.Logger, sentStats *statsThrottler) *pinDistributor {
	return &pinDistributor{log: log, sentStats: sentStats}
}

func (d *pinDistributor) add(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *pinDistributor) remove(toNode, toPin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.subscribers[:0]
	for _, s := range d.subscribers {
		if s.toNode == toNode && s.toPin == toPin {
			close(s.ch)
			continue
		}
		out = append(out, s)
	}
	d.subscribers = out
}

// send fans pkt out to every subscriber, honoring each one's connection
// mode. Reliable sends block this call (propagating backpressure to the
// producing worker); BestEffort sends drop the oldest buffered packet to
// make room rather than block.
func (d *pinDistributor) send(pkt ptype.Packet) {
	d.mu.Lock()
	subs := append([]*subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	for _, s := range subs {
		switch s.mode {
		case pipeline.BestEffort:
			select {
			case s.ch <- pkt:
			default:
				select {
				case <-s.ch:
					d.dropped.add(1)
					if s.recvStats != nil {
						s.recvStats.discard(1)
					}
				default:
				}
				select {
				case s.ch <- pkt:
				default:
					d.dropped.add(1)
					if s.recvStats != nil {
						s.recvStats.discard(1)
					}
				}
			}
		default:
			s.ch <- pkt
		}
		if s.recvStats != nil {
			s.recvStats.recv(1)
		}
	}
	if d.sentStats != nil {
		d.sentStats.sentOK(uint64(len(subs)))
	}
}

func (d *pinDistributor) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subscribers {
		close(s.ch)
	}
	d.subscribers = nil
}

// atomicCounter is a tiny wrapper so pinDistributor doesn't need to import
// sync/atomic's generic form directly in three places.
type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) add(d uint64) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
