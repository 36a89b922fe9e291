package comm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/c35s/aac/fib"
)

// Subscription receives a copy of every adapter-originated event broadcast
// after it was created.
type Subscription struct {
	id  uint32
	a   *Adapter
	max int

	mu       sync.Mutex
	pending  [][]byte
	dropped  uint64
	lastPoll time.Time
	closed   bool

	wakeC chan struct{}
	doneC chan struct{}
}

// Class is a driver component that receives DriverNotify events and answers
// device-control requests addressed to it by name.
type Class interface {
	Name() string

	// Open is called by RegisterClass, Close by UnregisterClass and by
	// Adapter.Close.
	Open(a *Adapter) error
	Close() error

	// Control handles a device-control request.
	Control(code uint32, arg []byte) ([]byte, error)

	// HandleEvent offers a DriverNotify event to the class. A class that
	// claims the event returns true and must Complete it.
	HandleEvent(e *Event) bool
}

// Event is an adapter-originated DriverNotify message offered to the classes.
type Event struct {
	Msg  fib.View
	Addr uint32

	a   *Adapter
	ctx context.Context
}

// Complete answers the event with status followed by data.
func (e *Event) Complete(status fib.Status, data []byte) error {
	if fib.HeaderSize+4+len(data) > len(e.Msg) {
		return fmt.Errorf("%w: reply of %d bytes doesn't fit", ErrUsage, len(data))
	}

	e.Msg.SetStatus(status)
	copy(e.Msg[fib.HeaderSize+4:], data)

	return e.a.ack(e.ctx, e.Msg, e.Addr, 4+len(data))
}

// serveEvents drains the adapter's command queues, high priority first,
// until ctx is cancelled.
func (a *Adapter) serveEvents(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		a.drainEvents(ctx, HostHighCmd)
		a.drainEvents(ctx, HostNormCmd)

		select {
		case <-ctx.Done():
			return nil

		case <-a.irq[HostHighCmd]:
		case <-a.irq[HostNormCmd]:
		}
	}
}

func (a *Adapter) drainEvents(ctx context.Context, id QueueID) {
	ring := a.rings[id]

	for ctx.Err() == nil {
		s, ok := ring.TryConsume()
		if !ok {
			return
		}

		e := s.Entry
		if s.Release() {
			a.notifyPeer(id)
		}

		mem, err := a.hw.MemAt(e.Addr, int(e.Size))
		if err != nil {
			a.log.Error("dropping event", "queue", id, "addr", e.Addr, "err", err)
			continue
		}

		msg := fib.View(mem)
		if err := msg.Check(); err != nil {
			a.log.Error("dropping event", "queue", id, "addr", e.Addr, "err", err)
			continue
		}

		a.stats.events.Add(1)
		a.dispatchEvent(ctx, msg, e.Addr)
	}
}

func (a *Adapter) dispatchEvent(ctx context.Context, msg fib.View, addr uint32) {
	if msg.Command() == fib.DriverNotify {
		ev := &Event{Msg: msg, Addr: addr, a: a, ctx: ctx}
		for _, cl := range a.classList() {
			if cl.HandleEvent(ev) {
				return
			}
		}

		if err := ev.Complete(fib.StOK, nil); err != nil {
			a.log.Error("event ack failed", "command", msg.Command(), "err", err)
		}

		return
	}

	a.broadcast(msg)

	msg.SetStatus(fib.StOK)
	if err := a.ack(ctx, msg, addr, 4); err != nil {
		a.log.Error("event ack failed", "command", msg.Command(), "err", err)
	}
}

// ack replies to an adapter-originated message, waiting out a full queue.
func (a *Adapter) ack(ctx context.Context, msg fib.View, addr uint32, replySize int) error {
	id := AdapNormResp
	if msg.XferState().Has(fib.HighPriority) {
		id = AdapHighResp
	}

	backoff := time.Millisecond
	for {
		err := a.AdapterInitiatedComplete(msg, addr, replySize)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}

		t := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())

		case <-a.irq[id]:
		case <-t.C:
		}

		t.Stop()
		backoff = min(2*backoff, 100*time.Millisecond)
	}
}

// broadcast gives every subscription its own copy of msg. Subscriptions that
// overflow after idling for Config.SubscriberIdle are closed instead.
func (a *Adapter) broadcast(msg fib.View) {
	n := int(msg.Size())
	if n < fib.HeaderSize || n > len(msg) {
		n = len(msg)
	}

	var reaped []*Subscription

	a.subMu.Lock()
	for id, s := range a.subs {
		if !s.push(slices.Clone(msg[:n]), a.cfg.SubscriberIdle) {
			delete(a.subs, id)
			reaped = append(reaped, s)
		}
	}

	a.subMu.Unlock()

	for _, s := range reaped {
		s.close()
		a.log.Warn("closed idle subscription", "id", s.id)
	}

	a.stats.broadcasts.Add(1)
}

// Subscribe creates a subscription for adapter-originated events.
func (a *Adapter) Subscribe() (*Subscription, error) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	if a.state.Load() > stateRunning {
		return nil, ErrClosed
	}

	a.nextSub++
	if a.nextSub == 0 {
		a.nextSub++
	}

	s := &Subscription{
		id:       a.nextSub,
		a:        a,
		max:      a.cfg.MaxPendingEvents,
		lastPoll: time.Now(),
		wakeC:    make(chan struct{}, 1),
		doneC:    make(chan struct{}),
	}

	a.subs[s.id] = s
	return s, nil
}

// Subscription returns the open subscription with the given ID.
func (a *Adapter) Subscription(id uint32) (*Subscription, error) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	s, ok := a.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %d", ErrNotFound, id)
	}

	return s, nil
}

// Unsubscribe closes the subscription with the given ID and discards its
// pending events.
func (a *Adapter) Unsubscribe(id uint32) error {
	a.subMu.Lock()
	s, ok := a.subs[id]
	delete(a.subs, id)
	a.subMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: subscription %d", ErrNotFound, id)
	}

	s.close()
	return nil
}

func (a *Adapter) closeSubscriptions() {
	a.subMu.Lock()
	subs := a.subs
	a.subs = make(map[uint32]*Subscription)
	a.subMu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (s *Subscription) ID() uint32 {
	return s.id
}

// Poll returns the oldest pending event. If there is none, a blocking Poll
// waits for one, and a non-blocking Poll fails with ErrNoEvent. Poll fails
// with ErrClosed once the subscription is closed.
func (s *Subscription) Poll(ctx context.Context, blocking bool) (fib.View, error) {
	for {
		s.mu.Lock()
		s.lastPoll = time.Now()

		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return msg, nil
		}

		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		if !blocking {
			return nil, ErrNoEvent
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoEvent, ctx.Err())

		case <-s.wakeC:
		case <-s.doneC:
		}
	}
}

// Dropped returns the number of events discarded because the backlog was
// full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes.
func (s *Subscription) Close() error {
	if err := s.a.Unsubscribe(s.id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	return nil
}

// push queues msg. It returns false if the backlog is full and the
// subscriber hasn't polled for longer than idle.
func (s *Subscription) push(msg []byte, idle time.Duration) bool {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return true
	}

	if len(s.pending) >= s.max {
		if time.Since(s.lastPoll) > idle {
			s.mu.Unlock()
			return false
		}

		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.dropped++
	}

	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.wakeC <- struct{}{}:
	default:
	}

	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.pending = nil
	close(s.doneC)
}

// RegisterClass opens c and adds it to the classes offered DriverNotify
// events, after those already registered.
func (a *Adapter) RegisterClass(c Class) error {
	a.classMu.Lock()
	defer a.classMu.Unlock()

	if a.state.Load() > stateRunning {
		return ErrClosed
	}

	for _, cl := range a.classes {
		if cl.Name() == c.Name() {
			return fmt.Errorf("%w: class %q is already registered", ErrUsage, c.Name())
		}
	}

	if err := c.Open(a); err != nil {
		return fmt.Errorf("open class %q: %w", c.Name(), err)
	}

	a.classes = append(a.classes, c)
	return nil
}

// UnregisterClass removes and closes the named class.
func (a *Adapter) UnregisterClass(name string) error {
	a.classMu.Lock()

	i := slices.IndexFunc(a.classes, func(c Class) bool { return c.Name() == name })
	if i < 0 {
		a.classMu.Unlock()
		return fmt.Errorf("%w: class %q", ErrNotFound, name)
	}

	c := a.classes[i]
	a.classes = slices.Delete(a.classes, i, i+1)
	a.classMu.Unlock()

	return c.Close()
}

// ClassControl routes a device-control request to the named class.
func (a *Adapter) ClassControl(name string, code uint32, arg []byte) ([]byte, error) {
	for _, c := range a.classList() {
		if c.Name() == name {
			return c.Control(code, arg)
		}
	}

	return nil, fmt.Errorf("%w: class %q", ErrNotFound, name)
}

// ClassNames returns the names of the registered classes in registration
// order.
func (a *Adapter) ClassNames() []string {
	var names []string
	for _, c := range a.classList() {
		names = append(names, c.Name())
	}

	return names
}

func (a *Adapter) classList() []Class {
	a.classMu.Lock()
	defer a.classMu.Unlock()
	return slices.Clone(a.classes)
}

func (a *Adapter) closeClasses() []error {
	a.classMu.Lock()
	classes := a.classes
	a.classes = nil
	a.classMu.Unlock()

	var errs []error
	for _, c := range classes {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close class %q: %w", c.Name(), err))
		}
	}

	return errs
}
