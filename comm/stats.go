package comm

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/c35s/aac/fib/ringq"
)

type stats struct {
	sent          atomic.Uint64
	completed     atomic.Uint64
	fastResponses atomic.Uint64
	events        atomic.Uint64
	broadcasts    atomic.Uint64
	stale         atomic.Uint64
	timeouts      atomic.Uint64
	queueFull     atomic.Uint64
	throttled     atomic.Uint64
	peakDrained   atomic.Uint64
}

// Stats counts what an adapter has done since it was created.
type Stats struct {
	Sent          uint64 // messages committed to an adapter queue
	Completed     uint64 // responses matched to a sender
	FastResponses uint64 // responses the adapter acknowledged without a reply
	Events        uint64 // adapter-originated messages received
	Broadcasts    uint64 // events fanned out to subscribers
	Stale         uint64 // responses discarded because the sender timed out
	Timeouts      uint64
	QueueFull     uint64
	Throttled     uint64 // sends refused by the admission controller
	PeakDrained   uint64 // most responses handled in one pass
}

// QueueState describes one ring queue.
type QueueState struct {
	ID QueueID
	ringq.State
	Outstanding int
}

// Snapshot is a point-in-time view of an adapter's bookkeeping.
type Snapshot struct {
	Time        time.Time
	Stats       Stats
	Pool        PoolState
	Queues      []QueueState
	Subscribers int
	Classes     []string
}

func (s *stats) drained(n int) {
	for {
		peak := s.peakDrained.Load()
		if uint64(n) <= peak || s.peakDrained.CompareAndSwap(peak, uint64(n)) {
			return
		}
	}
}

// Stats returns the adapter's counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Sent:          a.stats.sent.Load(),
		Completed:     a.stats.completed.Load(),
		FastResponses: a.stats.fastResponses.Load(),
		Events:        a.stats.events.Load(),
		Broadcasts:    a.stats.broadcasts.Load(),
		Stale:         a.stats.stale.Load(),
		Timeouts:      a.stats.timeouts.Load(),
		QueueFull:     a.stats.queueFull.Load(),
		Throttled:     a.stats.throttled.Load(),
		PeakDrained:   a.stats.peakDrained.Load(),
	}
}

// Snapshot returns the adapter's current state.
func (a *Adapter) Snapshot() Snapshot {
	s := Snapshot{
		Time:  time.Now(),
		Stats: a.Stats(),
		Pool:  a.pool.State(),
	}

	if qs := a.final.Load(); qs != nil {
		s.Queues = slices.Clone(*qs)
	} else {
		s.Queues = a.queueStates()
	}

	a.subMu.Lock()
	s.Subscribers = len(a.subs)
	a.subMu.Unlock()

	s.Classes = a.ClassNames()
	slices.Sort(s.Classes)

	return s
}

// queueStates reads the ring indices out of the comm area, so it's only valid
// until Close frees it.
func (a *Adapter) queueStates() []QueueState {
	qs := make([]QueueState, 0, NumQueues)
	for id, ring := range a.rings {
		if q := a.queues[id]; q != nil {
			qs = append(qs, q.state())
			continue
		}

		qs = append(qs, QueueState{ID: QueueID(id), State: ring.State()})
	}

	return qs
}
