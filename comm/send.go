package comm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/fib/ringq"
)

// Priority selects the normal or high priority queue pair.
type Priority int

const (
	NormalPriority Priority = iota
	HighPriority
)

// Result tells a successful sender who owns the context now.
type Result int

const (
	// Completed means the adapter responded and the caller owns the context.
	Completed Result = iota + 1

	// Pending means the message is on its way. The callback, if any, gets
	// the context when it's done; otherwise the demultiplexer completes it.
	Pending
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "Completed"

	case Pending:
		return "Pending"

	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// SendOptions select a message's completion contract.
//
//   - Wait && ResponseExpected: Send blocks until the adapter responds.
//   - !Wait && ResponseExpected: the Callback gets the response.
//   - !Wait && !ResponseExpected: fire and forget. A Callback is optional.
//
// Wait without ResponseExpected is a usage error.
type SendOptions struct {
	Priority         Priority
	Wait             bool
	ResponseExpected bool
	Callback         Callback

	// Timeout overrides Config.Timeout for this message. A negative Timeout
	// disables the deadline.
	Timeout time.Duration

	// Admission classifies the message for the admission controller.
	Admission Admission

	// NoBlock bypasses the admission controller. Set it when the caller
	// can't wait for a permit.
	NoBlock bool
}

func (opts SendOptions) check(size int) error {
	switch {
	case opts.Wait && !opts.ResponseExpected:
		return errors.New("wait without a response")

	case !opts.Wait && opts.ResponseExpected && opts.Callback == nil:
		return errors.New("async response without a callback")

	case opts.Priority != NormalPriority && opts.Priority != HighPriority:
		return fmt.Errorf("bad priority %d", opts.Priority)

	case size < 0 || size > fib.PayloadSize:
		return fmt.Errorf("payload size %d exceeds capacity %d", size, fib.PayloadSize)
	}

	return nil
}

// Alloc returns a fresh host-owned context from the pool.
func (a *Adapter) Alloc() (*Context, error) {
	if a.state.Load() > stateRunning {
		return nil, ErrClosed
	}

	c, err := a.pool.Allocate()
	if err != nil {
		return nil, err
	}

	c.init()
	return c, nil
}

// Send sends the first size bytes of c's payload to the adapter as cmd.
//
// If the queue is full, Send fails with ErrQueueFull and nothing is sent; the
// caller may retry. A failed Send leaves c as it was.
//
// A waiting Send that runs out of time, or whose ctx ends first, fails with
// ErrTimeout. The caller still owns c and must Complete it, but c isn't
// reused until the adapter gives it back.
func (a *Adapter) Send(ctx context.Context, c *Context, cmd fib.Command, size int, opts SendOptions) (Result, error) {
	if err := opts.check(size); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	var (
		v   = c.View()
		hdr = v.Header()
		x   = hdr.XferState
	)

	if !x.Has(fib.HostOwned) || x&(fib.Empty|fib.Initialized) == 0 || x&(fib.SentFromHost|fib.SentFromAdapter) != 0 {
		return 0, fmt.Errorf("%w: %v can't be sent in state %v", ErrUsage, c.handle, x)
	}

	if !a.running() {
		return 0, ErrClosed
	}

	held, err := a.throttle.admit(ctx, opts)
	if err != nil {
		a.stats.throttled.Add(1)
		return 0, err
	}

	if held {
		c.setFlag(flagThrottled)
	}

	var (
		id   = AdapNormCmd
		sent = x&^fib.Empty | fib.Initialized | fib.SentFromHost | fib.NormalPriority
	)

	if opts.Priority == HighPriority {
		id = AdapHighCmd
		sent = sent&^fib.NormalPriority | fib.HighPriority
	}

	if opts.ResponseExpected {
		sent |= fib.ResponseExpected | fib.FastResponseCapable
	} else {
		sent |= fib.NoResponseExpected
	}

	if !opts.Wait {
		sent |= fib.Async
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = a.cfg.Timeout
	}

	v.SetXferState(sent)
	v.SetCommand(cmd)
	v.SetSize(uint16(fib.HeaderSize + size))

	q := a.queues[id]
	c.q = q
	c.wait = opts.Wait
	c.cb = opts.Callback
	c.err = nil
	c.doneC = nil
	c.deadline = time.Time{}

	if opts.Wait {
		c.doneC = make(chan struct{})
	}

	if opts.ResponseExpected && timeout > 0 {
		c.deadline = time.Now().Add(timeout)
	}

	undo := func() {
		hdr.PutBinary(v)
		c.q = nil
		c.wait = false
		c.cb = nil
		c.doneC = nil
		c.deadline = time.Time{}
		a.releasePermit(c)
	}

	q.mu.Lock()

	if !a.running() {
		q.mu.Unlock()
		undo()
		return 0, ErrClosed
	}

	i, suppress, ok := q.ring.TryReserve()
	if !ok {
		q.mu.Unlock()
		undo()
		a.stats.queueFull.Add(1)
		return 0, fmt.Errorf("%w: %v", ErrQueueFull, id)
	}

	h := c.handle
	q.outstanding[h] = c
	v.SetXferState(sent&^fib.HostOwned | fib.AdapterOwned)

	if !c.deadline.IsZero() {
		c.timer = time.AfterFunc(timeout, func() {
			if a.abandon(c, q, h, flagTimedOut, ErrTimeout) {
				a.stats.timeouts.Add(1)
				a.log.Warn("message timed out", "handle", h, "command", cmd, "timeout", timeout)
			}
		})
	}

	notify := q.ring.Commit(i, ringq.Entry{Size: uint32(fib.HeaderSize + size), Addr: uint32(h)}, suppress)
	q.mu.Unlock()

	a.stats.sent.Add(1)

	if notify {
		a.notifyPeer(id)
	}

	if !opts.Wait {
		return Pending, nil
	}

	select {
	case <-c.doneC:
	case <-ctx.Done():
		if a.abandon(c, q, h, flagTimedOut, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())) {
			a.stats.timeouts.Add(1)
		}

		<-c.doneC
	}

	if c.err != nil {
		return 0, c.err
	}

	return Completed, nil
}

// abandon detaches c from q before the adapter responds and hands it back to
// its owner with err. It returns false if c had already been detached.
func (a *Adapter) abandon(c *Context, q *queue, h Handle, flag uint32, err error) bool {
	if !q.detach(c, h, flag) {
		return false
	}

	a.releasePermit(c)
	c.err = err

	switch {
	case c.wait:
		close(c.doneC)

	case c.cb != nil:
		c.cb(c, err)

	default:
		a.Complete(c)
	}

	return true
}

// abortOutstanding fails every outstanding message with ErrClosed. The
// hardware is detached by now, so no late completion can reach them.
func (a *Adapter) abortOutstanding() {
	for _, q := range a.queues {
		if q == nil {
			continue
		}

		for _, c := range q.drain(flagTimedOut | flagAdapterDone) {
			a.releasePermit(c)
			c.err = ErrClosed

			switch {
			case c.wait:
				close(c.doneC)

			case c.cb != nil:
				c.cb(c, ErrClosed)

			default:
				a.Complete(c)
			}
		}
	}
}

// Complete returns a host-originated context to the pool. The adapter must
// have processed it, or it must never have been sent. Any other state is a
// protocol violation and panics.
func (a *Adapter) Complete(c *Context) {
	if c.flags.Load()&flagTimedOut == 0 {
		v := c.View()

		switch x := v.XferState(); {
		case x == 0:
		case x.Has(fib.AdapterProcessed):
		case x.Has(fib.HostOwned) && x&(fib.SentFromHost|fib.SentFromAdapter) == 0:
		default:
			panic(fmt.Errorf("%w: complete %v in state %v", ErrProtocol, c.handle, x))
		}

		v.SetXferState(0)
	}

	a.pool.Release(c)
}

// AdapterInitiatedComplete sends the host's reply to an adapter-originated
// message at addr. A positive replySize sets the reply's payload size. The
// reply goes on the response queue matching the message's priority.
func (a *Adapter) AdapterInitiatedComplete(msg fib.View, addr uint32, replySize int) error {
	x := msg.XferState()
	if x.Has(fib.SentFromHost) {
		return fmt.Errorf("%w: %#x was sent from the host", ErrUsage, addr)
	}

	if replySize > 0 {
		n := fib.HeaderSize + replySize
		if n > int(msg.SenderSize()) || n > len(msg) {
			return fmt.Errorf("%w: reply size %d exceeds capacity %d", ErrUsage, n, msg.SenderSize())
		}

		msg.SetSize(uint16(n))
	}

	msg.SetFlags(fib.HostProcessed)

	id := AdapNormResp
	if x.Has(fib.HighPriority) {
		id = AdapHighResp
	}

	q := a.queues[id]
	q.mu.Lock()

	if !a.running() {
		q.mu.Unlock()
		return ErrClosed
	}

	i, suppress, ok := q.ring.TryReserve()
	if !ok {
		q.mu.Unlock()
		a.stats.queueFull.Add(1)
		return fmt.Errorf("%w: %v", ErrQueueFull, id)
	}

	notify := q.ring.Commit(i, ringq.Entry{Size: uint32(msg.Size()), Addr: addr}, suppress)
	q.mu.Unlock()

	if notify {
		a.notifyPeer(id)
	}

	return nil
}

// Call sends cmd with the given payload, waits for the response, and returns
// a copy of the reply message. A full queue is retried until ctx ends.
func (a *Adapter) Call(ctx context.Context, cmd fib.Command, payload []byte, opts SendOptions) (fib.View, error) {
	if len(payload) > fib.PayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds capacity %d", ErrUsage, len(payload), fib.PayloadSize)
	}

	c, err := a.Alloc()
	if err != nil {
		return nil, err
	}

	defer a.Complete(c)

	copy(c.Payload(), payload)

	opts.Wait = true
	opts.ResponseExpected = true
	opts.Callback = nil

	id := AdapNormCmd
	if opts.Priority == HighPriority {
		id = AdapHighCmd
	}

	backoff := time.Millisecond
	for {
		_, err = a.Send(ctx, c, cmd, len(payload), opts)
		if !errors.Is(err, ErrQueueFull) {
			break
		}

		t := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())

		case <-a.irq[id]:
		case <-t.C:
		}

		t.Stop()
		backoff = min(2*backoff, 100*time.Millisecond)
	}

	if err != nil {
		return nil, err
	}

	v := c.View()
	n := int(v.Size())
	if n < fib.HeaderSize || n > len(v) {
		n = len(v)
	}

	return fib.View(slices.Clone(v[:n])), nil
}
