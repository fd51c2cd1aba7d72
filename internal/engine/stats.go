package engine

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/streamkit-io/streamkit/internal/node"
)

// statsFlushInterval bounds per-node StatsSnapshot emission to roughly once
// per interval (spec.md §4.3), regardless of how many packets actually flow.
const statsFlushInterval = time.Second

// statsThrottler accumulates one node's throughput counters and emits a
// snapshot at most once per flush interval, piggybacking the check on real
// traffic rather than running a dedicated ticker goroutine per node.
type statsThrottler struct {
	nodeID  string
	tx      chan<- node.StatsSnapshot
	limiter *rate.Limiter

	received  atomic.Uint64
	sent      atomic.Uint64
	errored   atomic.Uint64
	discarded atomic.Uint64
}

func newStatsThrottler(nodeID string, tx chan<- node.StatsSnapshot) *statsThrottler {
	return &statsThrottler{nodeID: nodeID, tx: tx, limiter: rate.NewLimiter(rate.Every(statsFlushInterval), 1)}
}

func (s *statsThrottler) recv(n uint64)     { s.received.Add(n); s.maybeFlush() }
func (s *statsThrottler) sentOK(n uint64)   { s.sent.Add(n); s.maybeFlush() }
func (s *statsThrottler) erroredN(n uint64) { s.errored.Add(n); s.maybeFlush() }
func (s *statsThrottler) discard(n uint64)  { s.discarded.Add(n); s.maybeFlush() }

func (s *statsThrottler) maybeFlush() {
	if s.limiter.Allow() {
		s.flush(false)
	}
}

// flush force-sends a snapshot regardless of rate, used for the terminal
// force_send on worker exit.
func (s *statsThrottler) flush(final bool) {
	snap := node.StatsSnapshot{
		NodeID:    s.nodeID,
		Received:  s.received.Load(),
		Sent:      s.sent.Load(),
		Errored:   s.errored.Load(),
		Discarded: s.discarded.Load(),
		Final:     final,
	}
	select {
	case s.tx <- snap:
	default:
	}
}
