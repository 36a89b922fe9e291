// Package comm implements the host side of the adapter communication layer:
// a pool of message contexts, the ring-queue dispatcher that sends them to the
// adapter, the demultiplexer that matches completions back to their senders,
// and the dispatcher that fans adapter-initiated events out to subscribers.
package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/fib/ringq"
	"golang.org/x/sync/errgroup"
)

// Hardware is the adapter as the communication layer sees it. There is one
// implementation per adapter family.
type Hardware interface {

	// Attach hands the adapter the shared comm area. The adapter signals the
	// host through the given Host. Attach is called once, before any other
	// method.
	Attach(area []byte, layout Layout, host Host) error

	// Detach stops the adapter from touching the comm area and host memory.
	Detach() error

	// NotifyPeer tells the adapter that a queue changed: new entries on a
	// queue the host produces, or free space on a full queue the host
	// consumes. Delivery must be at least once.
	NotifyPeer(q QueueID) error

	// MemAt resolves the address of an adapter-originated message.
	MemAt(addr uint32, size int) ([]byte, error)

	// ReadReg and WriteReg access the synchronous mailbox registers.
	ReadReg(off int) (uint32, error)
	WriteReg(off int, v uint32) error
}

// Host is the host as the adapter sees it. *Adapter implements Host.
type Host interface {

	// Interrupt tells the host that a queue changed. Interrupts are
	// coalesced; the host drains the queue until it's empty.
	Interrupt(q QueueID)

	// MemAt resolves the address of a host-originated message.
	MemAt(addr uint32, size int) ([]byte, error)
}

// Config describes a new Adapter.
type Config struct {

	// Hardware is the adapter to talk to. It is required.
	Hardware Hardware

	// Layout sizes the ring queues. If Layout is zero, DefaultLayout is used.
	Layout Layout

	// SegmentSize is the number of message contexts added each time the
	// pool grows. If SegmentSize is 0, the pool grows by 64.
	SegmentSize int

	// MaxContexts caps the number of message contexts. If MaxContexts is 0,
	// the cap is MaxHandles.
	MaxContexts int

	// GrowRetries is the number of times Alloc grows the pool before it
	// gives up. If GrowRetries is 0, Alloc tries 3 times.
	GrowRetries int

	// Alloc and Free manage the memory behind the comm area and the pool
	// segments. If Alloc is nil, memory comes from the Go heap and Free is
	// ignored.
	Alloc func(size int) ([]byte, error)
	Free  func(mem []byte) error

	// Timeout is the default deadline for sends that expect a response.
	// If Timeout is 0, it's 180s. A negative Timeout disables deadlines.
	Timeout time.Duration

	// ThrottleLimit is the number of data messages admitted while a control
	// message window is open. If ThrottleLimit is 0, it's 16. A negative
	// ThrottleLimit disables the admission controller.
	ThrottleLimit int

	// ThrottleWindow is how long a control message keeps throttling on.
	// If ThrottleWindow is 0, it's 5s.
	ThrottleWindow time.Duration

	// ThrottleWait bounds how long a data message waits for admission.
	// If ThrottleWait is 0, it's 1s.
	ThrottleWait time.Duration

	// SyncTimeout bounds a synchronous mailbox command. If SyncTimeout is
	// 0, it's 30s. SyncPoll is the status poll interval, 1ms by default.
	SyncTimeout time.Duration
	SyncPoll    time.Duration

	// MaxPendingEvents caps each subscription's backlog; the oldest event is
	// dropped when it overflows. If MaxPendingEvents is 0, it's 64.
	MaxPendingEvents int

	// SubscriberIdle is how long a subscription with a full backlog may go
	// without polling before it's closed. If SubscriberIdle is 0, it's 2m.
	SubscriberIdle time.Duration

	// Logger, if set, replaces slog.Default.
	Logger *slog.Logger
}

// Adapter is the host end of the communication layer.
type Adapter struct {
	cfg Config
	hw  Hardware
	log *slog.Logger

	area   []byte
	rings  [NumQueues]*ringq.Q
	queues [NumQueues]*queue // host-produced queues only
	irq    [NumQueues]chan struct{}

	pool     *pool
	throttle *throttle
	stats    stats

	state   atomic.Int32
	closing atomic.Bool
	final   atomic.Pointer[[]QueueState] // queue states when the area was freed
	cancel  context.CancelFunc
	eg      *errgroup.Group

	syncMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint32]*Subscription
	nextSub uint32

	classMu sync.Mutex
	classes []Class
}

const (
	stateNew int32 = iota
	stateRunning
	stateClosing
	stateClosed
)

var (
	ErrConfig            = errors.New("comm: invalid config")
	ErrAttach            = errors.New("comm: hardware attach failed")
	ErrInit              = errors.New("comm: adapter init failed")
	ErrUsage             = errors.New("comm: invalid request")
	ErrResourceExhausted = errors.New("comm: out of message contexts")
	ErrQueueFull         = errors.New("comm: queue full")
	ErrTimeout           = errors.New("comm: timed out")
	ErrThrottled         = errors.New("comm: throttled")
	ErrNoEvent           = errors.New("comm: no event")
	ErrClosed            = errors.New("comm: adapter closed")
	ErrNotFound          = errors.New("comm: not found")
	ErrBadHandle         = errors.New("comm: bad handle")
	ErrSyncTimeout       = errors.New("comm: synchronous command timed out")

	// ErrProtocol marks a state the protocol can't reach. It is never
	// returned; it's the value Complete, Release and the demultiplexer
	// panic with.
	ErrProtocol = errors.New("comm: protocol inconsistency")
)

// New creates a new adapter. Call Start to bring it up.
func New(cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	area, err := cfg.Alloc(cfg.Layout.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: comm area: %w", ErrResourceExhausted, err)
	}

	clear(area)

	rings, err := MapQueues(area, cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	a := &Adapter{
		cfg:   cfg,
		hw:    cfg.Hardware,
		log:   cfg.Logger,
		area:  area,
		rings: rings,
		subs:  make(map[uint32]*Subscription),
	}

	a.pool = newPool(cfg.SegmentSize, cfg.MaxContexts, cfg.GrowRetries, cfg.Alloc)
	a.throttle = newThrottle(cfg.ThrottleLimit, cfg.ThrottleWindow, cfg.ThrottleWait)

	for id := range a.irq {
		a.irq[id] = make(chan struct{}, 1)

		if QueueID(id).HostProduces() {
			a.queues[id] = &queue{
				id:          QueueID(id),
				ring:        rings[id],
				outstanding: make(map[Handle]*Context),
			}
		}
	}

	return a, nil
}

// Start attaches the hardware, hands it the comm area with a synchronous
// command, and starts the completion and event workers.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(stateNew, stateRunning) {
		return fmt.Errorf("%w: already started", ErrUsage)
	}

	if err := a.hw.Attach(a.area, a.cfg.Layout, a); err != nil {
		a.state.Store(stateClosed)
		return fmt.Errorf("%w: %w", ErrAttach, err)
	}

	status, _, err := a.SyncCommand(ctx, SyncInitStructBaseAddress, [4]uint32{uint32(len(a.area))})
	if err == nil && status != SyncStatusOK {
		err = fmt.Errorf("status %#x", status)
	}

	if err != nil {
		a.state.Store(stateClosed)
		return fmt.Errorf("%w: %w", ErrInit, errors.Join(err, a.hw.Detach()))
	}

	wctx, cancel := context.WithCancel(context.Background())
	eg, wctx := errgroup.WithContext(wctx)

	eg.Go(func() error { return a.serveResponses(wctx, HostHighResp) })
	eg.Go(func() error { return a.serveResponses(wctx, HostNormResp) })
	eg.Go(func() error { return a.serveEvents(wctx) })

	a.cancel = cancel
	a.eg = eg

	return nil
}

// Close tells the adapter the host is shutting down, stops the workers, and
// fails every outstanding send with ErrClosed. Subscriptions and classes are
// closed too. Only the first Close does any of this; later calls return
// ErrClosed.
func (a *Adapter) Close(ctx context.Context) error {
	if !a.closing.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var errs []error

	if a.state.Load() == stateRunning {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := a.Call(sctx, fib.HostShutdown, nil, SendOptions{Admission: AdmitControl}); err != nil {
			a.log.Warn("shutdown message failed", "err", err)
		}

		cancel()
	}

	switch a.state.Swap(stateClosing) {
	case stateClosing, stateClosed:
		return ErrClosed

	case stateRunning:
		a.cancel()
		if err := a.eg.Wait(); err != nil {
			errs = append(errs, err)
		}

		if err := a.hw.Detach(); err != nil {
			errs = append(errs, err)
		}
	}

	a.abortOutstanding()
	a.closeSubscriptions()
	errs = append(errs, a.closeClasses()...)
	a.throttle.stop()

	qs := a.queueStates()
	a.final.Store(&qs)

	if err := a.cfg.Free(a.area); err != nil {
		errs = append(errs, err)
	}

	busy, ferrs := a.pool.close(a.cfg.Free)
	if busy > 0 {
		a.log.Warn("keeping pool memory for messages still held", "count", busy)
	}

	errs = append(errs, ferrs...)

	a.state.Store(stateClosed)
	return errors.Join(errs...)
}

// Interrupt implements Host.
func (a *Adapter) Interrupt(q QueueID) {
	if q < 0 || q >= NumQueues {
		a.log.Error("interrupt for a bad queue", "queue", q)
		return
	}

	select {
	case a.irq[q] <- struct{}{}:
	default:
	}
}

// MemAt implements Host. It resolves a message handle to the context's whole
// buffer so the adapter can write a reply up to the sender's capacity.
func (a *Adapter) MemAt(addr uint32, size int) ([]byte, error) {
	c, err := a.pool.lookup(Handle(addr))
	if err != nil {
		return nil, err
	}

	if size < fib.HeaderSize || size > len(c.buf) {
		return nil, fmt.Errorf("%w: size %d for %v", ErrBadHandle, size, c.handle)
	}

	return c.buf, nil
}

func (a *Adapter) notifyPeer(q QueueID) {
	if err := a.hw.NotifyPeer(q); err != nil {
		a.log.Error("notify failed", "queue", q, "err", err)
	}
}

func (a *Adapter) running() bool {
	return a.state.Load() == stateRunning
}

func (cfg Config) validate() error {
	if cfg.Hardware == nil {
		return errors.New("hardware is not set")
	}

	if err := cfg.Layout.validate(); err != nil {
		return err
	}

	if cfg.SegmentSize < 1 {
		return fmt.Errorf("segment size %d < 1", cfg.SegmentSize)
	}

	if cfg.MaxContexts < 1 || cfg.MaxContexts > MaxHandles {
		return fmt.Errorf("max contexts %d out of range [1, %d]", cfg.MaxContexts, MaxHandles)
	}

	if cfg.GrowRetries < 1 {
		return fmt.Errorf("grow retries %d < 1", cfg.GrowRetries)
	}

	if cfg.MaxPendingEvents < 1 {
		return fmt.Errorf("max pending events %d < 1", cfg.MaxPendingEvents)
	}

	if cfg.SyncPoll <= 0 || cfg.SyncTimeout <= 0 {
		return errors.New("sync poll and timeout must be positive")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout
	}

	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 64
	}

	if cfg.MaxContexts == 0 {
		cfg.MaxContexts = MaxHandles
	}

	if cfg.GrowRetries == 0 {
		cfg.GrowRetries = 3
	}

	if cfg.Alloc == nil {
		cfg.Alloc = func(size int) ([]byte, error) { return make([]byte, size), nil }
		cfg.Free = nil
	}

	if cfg.Free == nil {
		cfg.Free = func([]byte) error { return nil }
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}

	if cfg.ThrottleLimit == 0 {
		cfg.ThrottleLimit = 16
	}

	if cfg.ThrottleWindow == 0 {
		cfg.ThrottleWindow = 5 * time.Second
	}

	if cfg.ThrottleWait == 0 {
		cfg.ThrottleWait = time.Second
	}

	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 30 * time.Second
	}

	if cfg.SyncPoll == 0 {
		cfg.SyncPoll = time.Millisecond
	}

	if cfg.MaxPendingEvents == 0 {
		cfg.MaxPendingEvents = 64
	}

	if cfg.SubscriberIdle == 0 {
		cfg.SubscriberIdle = 2 * time.Minute
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
