package comm

import (
	"context"
	"fmt"

	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/fib/ringq"
)

// serveResponses drains a response queue every time the adapter interrupts
// for it. Interrupts coalesce in a 1-buffered channel, so one that arrives
// while a drain is running is never lost: it triggers one more pass.
func (a *Adapter) serveResponses(ctx context.Context, id QueueID) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-a.irq[id]:
		}

		a.drainResponses(id)
	}
}

func (a *Adapter) drainResponses(id QueueID) {
	var (
		ring = a.rings[id]
		n    int
	)

	for {
		s, ok := ring.TryConsume()
		if !ok {
			break
		}

		e := s.Entry
		if s.Release() {
			a.notifyPeer(id)
		}

		a.complete(e)
		n++
	}

	a.stats.drained(n)
}

// complete hands the adapter's response to a message back to its sender.
func (a *Adapter) complete(e ringq.Entry) {
	h := Handle(e.Addr)

	c, err := a.pool.lookup(h)
	if err != nil {
		a.log.Error("dropping completion", "handle", h, "err", err)
		return
	}

	q := c.q
	if q == nil || !q.detach(c, h, flagCompleted) {
		if c.flags.Load()&flagTimedOut != 0 {
			a.stats.stale.Add(1)
			a.log.Warn("discarding stale completion", "handle", h)
			a.pool.adapterDone(c)
			return
		}

		panic(fmt.Errorf("%w: completion for %v, which isn't outstanding", ErrProtocol, h))
	}

	v := c.View()
	if v.Flags()&fib.FlagFastResponse != 0 {
		v.SetFlags(fib.AdapterProcessed)
		v.SetStatus(fib.StOK)
		a.stats.fastResponses.Add(1)
	}

	v.SetXferState(v.XferState()&^fib.AdapterOwned | fib.HostOwned)

	a.releasePermit(c)
	a.stats.completed.Add(1)

	switch {
	case c.wait:
		close(c.doneC)

	case c.cb != nil:
		c.cb(c, nil)

	default:
		a.Complete(c)
	}
}
