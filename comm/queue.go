package comm

import (
	"sync"

	"github.com/c35s/aac/fib/ringq"
)

// queue is the host's producer end of a ring queue. The mutex serializes
// producers and guards the set of messages sent on the queue that haven't
// completed yet.
type queue struct {
	id   QueueID
	ring *ringq.Q

	mu          sync.Mutex
	outstanding map[Handle]*Context
}

// detach unlinks c, sent as h, from the outstanding set and marks it with
// flag. It returns false if c was no longer outstanding as h: whoever
// detached it first owns the completion.
func (q *queue) detach(c *Context, h Handle, flag uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding[h] != c {
		return false
	}

	delete(q.outstanding, h)
	c.setFlag(flag)

	if c.timer != nil {
		c.timer.Stop()
	}

	return true
}

// drain detaches every outstanding message with flag and returns them.
func (q *queue) drain(flag uint32) []*Context {
	q.mu.Lock()
	defer q.mu.Unlock()

	cs := make([]*Context, 0, len(q.outstanding))
	for h, c := range q.outstanding {
		delete(q.outstanding, h)
		c.setFlag(flag)

		if c.timer != nil {
			c.timer.Stop()
		}

		cs = append(cs, c)
	}

	return cs
}

func (q *queue) state() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueState{
		ID:          q.id,
		State:       q.ring.State(),
		Outstanding: len(q.outstanding),
	}
}
