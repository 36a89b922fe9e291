package comm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/aac/fib"
)

// Handle identifies a message context on the wire. The low 16 bits index the
// pool; the high 16 bits are a generation that changes every time the context
// is reused, so a handle from an earlier use never resolves.
type Handle uint32

// MaxHandles is the largest number of contexts a pool can hold.
const MaxHandles = 1 << 16

func makeHandle(index int, gen uint16) Handle {
	return Handle(uint32(gen)<<16 | uint32(index))
}

func (h Handle) index() int {
	return int(h & 0xffff)
}

func (h Handle) gen() uint16 {
	return uint16(h >> 16)
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index(), h.gen())
}

// Callback receives the result of an asynchronous send: nil when the adapter
// responded, ErrTimeout when the deadline passed first, or ErrClosed when the
// adapter shut down. The callback owns the context and must pass it to
// Complete.
type Callback func(c *Context, err error)

// Context is the host-side bookkeeping for one message. It owns a buffer of
// fib.MaxSize bytes in pool memory.
type Context struct {
	handle Handle
	buf    []byte
	state  ctxState // guarded by pool.mu

	// set by Send before the queue entry is committed
	q        *queue
	wait     bool
	cb       Callback
	deadline time.Time
	timer    *time.Timer // guarded by q.mu
	doneC    chan struct{}
	err      error // set before doneC is closed

	flags atomic.Uint32
}

type ctxState uint8

const (
	ctxFree ctxState = iota
	ctxInUse
	ctxTimedOut
)

// context flags

const (
	flagCompleted   = 1 << 0 // the adapter responded
	flagTimedOut    = 1 << 1 // detached before the adapter responded
	flagThrottled   = 1 << 2 // holds an admission permit
	flagAdapterDone = 1 << 3 // a timed-out message came back from the adapter
)

func (s ctxState) String() string {
	switch s {
	case ctxFree:
		return "free"

	case ctxInUse:
		return "in-use"

	case ctxTimedOut:
		return "timed-out"

	default:
		return fmt.Sprintf("ctxState(%d)", uint8(s))
	}
}

// Handle returns the context's current handle.
func (c *Context) Handle() Handle {
	return c.handle
}

// View returns the message buffer.
func (c *Context) View() fib.View {
	return fib.View(c.buf)
}

// Payload returns the whole payload area of the message buffer.
func (c *Context) Payload() []byte {
	return c.buf[fib.HeaderSize:]
}

// Deadline returns the deadline of the current send, if it has one.
func (c *Context) Deadline() (time.Time, bool) {
	return c.deadline, !c.deadline.IsZero()
}

// TimedOut reports whether the current send was abandoned before the adapter
// responded.
func (c *Context) TimedOut() bool {
	return c.flags.Load()&flagTimedOut != 0
}

func (c *Context) init() {
	fib.Header{
		XferState:      fib.HostOwned | fib.Empty | fib.AllocatedFromPool,
		StructType:     fib.StructTypeFIB,
		Size:           fib.HeaderSize,
		SenderSize:     fib.MaxSize,
		SenderHandle:   uint32(c.handle),
		ReceiverHandle: uint32(c.handle),
		SenderData:     uint32(c.handle),
	}.PutBinary(c.buf)
}

func (c *Context) setFlag(f uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

// clearFlag clears f and reports whether it was set.
func (c *Context) clearFlag(f uint32) bool {
	for {
		old := c.flags.Load()
		if old&f == 0 {
			return false
		}

		if c.flags.CompareAndSwap(old, old&^f) {
			return true
		}
	}
}

// pool is the message zone: a free list of contexts carved out of segments
// that are added on demand.
type pool struct {
	segSize int
	max     int
	retries int
	alloc   func(size int) ([]byte, error)

	mu       sync.Mutex
	ctxs     []*Context // by handle index
	segs     [][]byte
	free     []*Context
	timedOut map[Handle]*Context
	closed   bool
	dealloc  func([]byte) error // set by close
}

// PoolState is a snapshot of the pool's bookkeeping.
type PoolState struct {
	Segments int
	Total    int
	Free     int
	InUse    int
	TimedOut int
}

func newPool(segSize, max, retries int, alloc func(int) ([]byte, error)) *pool {
	return &pool{
		segSize:  segSize,
		max:      max,
		retries:  retries,
		alloc:    alloc,
		timedOut: make(map[Handle]*Context),
	}
}

// Allocate takes a context off the free list, growing the pool by a segment
// when the list is empty. It gives up with ErrResourceExhausted after the
// configured number of attempts.
func (p *pool) Allocate() (*Context, error) {
	var errs []error

	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if n := len(p.free); n > 0 {
			c := p.free[n-1]
			p.free[n-1] = nil
			p.free = p.free[:n-1]
			c.state = ctxInUse
			p.mu.Unlock()
			return c, nil
		}

		p.mu.Unlock()

		if attempt == p.retries {
			errs = append(errs, fmt.Errorf("no free context after %d attempts", attempt))
			return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, errors.Join(errs...))
		}

		if err := p.grow(); err != nil {
			errs = append(errs, err)
		}
	}
}

// grow adds a segment. The memory is allocated without holding the lock.
func (p *pool) grow() error {
	p.mu.Lock()
	n := min(p.segSize, p.max-len(p.ctxs))
	p.mu.Unlock()

	if n <= 0 {
		return fmt.Errorf("pool is at its limit of %d contexts", p.max)
	}

	mem, err := p.alloc(n * fib.MaxSize)
	if err != nil {
		return fmt.Errorf("grow: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.Join(ErrClosed, p.dealloc(mem))
	}

	// someone else may have grown the pool in the meantime
	n = min(n, p.max-len(p.ctxs))
	if n <= 0 {
		return fmt.Errorf("pool is at its limit of %d contexts", p.max)
	}

	clear(mem)
	p.segs = append(p.segs, mem)

	for i := 0; i < n; i++ {
		c := &Context{
			handle: makeHandle(len(p.ctxs), 1),
			buf:    mem[i*fib.MaxSize : (i+1)*fib.MaxSize : (i+1)*fib.MaxSize],
		}

		p.ctxs = append(p.ctxs, c)
		p.free = append(p.free, c)
	}

	return nil
}

// Release returns a context to the free list. A timed-out context goes to the
// timed-out list instead: the adapter may still write to it, so it can't be
// reused until the adapter gives it back.
func (p *pool) Release(c *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.state != ctxInUse {
		panic(fmt.Errorf("%w: release of %v context %v", ErrProtocol, c.state, c.handle))
	}

	if c.flags.Load()&flagTimedOut != 0 {
		if c.flags.Load()&flagAdapterDone != 0 {
			p.recycle(c)
			return
		}

		c.state = ctxTimedOut
		p.timedOut[c.handle] = c
		return
	}

	if x := fib.View(c.buf).XferState(); x != 0 {
		panic(fmt.Errorf("%w: release of %v with xfer state %v", ErrProtocol, c.handle, x))
	}

	p.recycle(c)
}

// adapterDone records that the adapter is finished with a timed-out context.
// If the sender already released it, it goes back on the free list.
func (p *pool) adapterDone(c *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.setFlag(flagAdapterDone)

	if c.state == ctxTimedOut {
		delete(p.timedOut, c.handle)
		p.recycle(c)
	}
}

func (p *pool) recycle(c *Context) {
	gen := c.handle.gen() + 1
	if gen == 0 {
		gen = 1
	}

	c.handle = makeHandle(c.handle.index(), gen)
	c.state = ctxFree
	c.q = nil
	c.wait = false
	c.cb = nil
	c.deadline = time.Time{}
	c.timer = nil
	c.doneC = nil
	c.err = nil
	c.flags.Store(0)
	clear(c.buf)

	p.free = append(p.free, c)
}

// lookup resolves a handle to an allocated context.
func (p *pool) lookup(h Handle) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := h.index()
	if i >= len(p.ctxs) {
		return nil, fmt.Errorf("%w: %v: index out of range", ErrBadHandle, h)
	}

	c := p.ctxs[i]
	if c.handle != h {
		return nil, fmt.Errorf("%w: %v: stale generation (current %v)", ErrBadHandle, h, c.handle)
	}

	if c.state == ctxFree {
		return nil, fmt.Errorf("%w: %v: not allocated", ErrBadHandle, h)
	}

	return c, nil
}

func (p *pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolState{
		Segments: len(p.segs),
		Total:    len(p.ctxs),
		Free:     len(p.free),
		TimedOut: len(p.timedOut),
	}

	s.InUse = s.Total - s.Free - s.TimedOut
	return s
}

// check verifies that every context is in exactly one of the free, in-use
// and timed-out sets.
func (p *pool) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[*Context]ctxState, len(p.ctxs))

	for _, c := range p.free {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%v is on the free list twice", c.handle)
		}

		if c.state != ctxFree {
			return fmt.Errorf("%v is on the free list but %v", c.handle, c.state)
		}

		seen[c] = ctxFree
	}

	for h, c := range p.timedOut {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%v is both %v and timed-out", h, seen[c])
		}

		if c.state != ctxTimedOut || c.handle != h {
			return fmt.Errorf("%v is on the timed-out list but %v", h, c.state)
		}

		seen[c] = ctxTimedOut
	}

	for i, c := range p.ctxs {
		if c.handle.index() != i {
			return fmt.Errorf("context %d has handle %v", i, c.handle)
		}

		if _, ok := seen[c]; !ok && c.state != ctxInUse {
			return fmt.Errorf("%v is on no list but %v", c.handle, c.state)
		}
	}

	return nil
}

// close stops the pool from handing out contexts. If none is in use or
// timed out, the segments are returned to free and the pool is emptied.
// Otherwise callers still hold message memory, so the segments are kept and
// busy reports how many contexts are outstanding.
func (p *pool) close(free func([]byte) error) (busy int, errs []error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.dealloc = free

	if busy = len(p.ctxs) - len(p.free); busy > 0 {
		return busy, nil
	}

	for _, mem := range p.segs {
		if err := free(mem); err != nil {
			errs = append(errs, err)
		}
	}

	p.segs = nil
	p.ctxs = nil
	p.free = nil

	return 0, errs
}
