// Package sim is an in-process adapter firmware. It implements comm.Hardware,
// serves the host's command queues, and injects adapter-originated events.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/fib/ringq"
	"golang.org/x/sync/errgroup"
)

// Handler answers a host command with a status and reply data.
type Handler func(cmd fib.Command, payload []byte) (fib.Status, []byte)

// Config describes a new Firmware.
type Config struct {

	// Handler answers host commands. If Handler is nil, DefaultHandler is
	// used.
	Handler Handler

	// FastResponse lets the firmware acknowledge a successful command with
	// no reply data by setting the fast-response flag instead of writing a
	// status, if the host allows it.
	FastResponse bool

	// SyncDelay delays the answer to every synchronous command.
	SyncDelay time.Duration

	// EventBuffers is the number of adapter-originated messages that may be
	// in flight at once. If EventBuffers is 0, it's 16.
	EventBuffers int

	// Info is returned by DefaultHandler for RequestAdapterInfo.
	Info fib.AdapterInfo
}

// Ack is the host's answer to an adapter-originated message.
type Ack struct {
	Addr    uint32
	Command fib.Command
	Status  fib.Status
	Reply   []byte
}

// Firmware is a simulated adapter.
type Firmware struct {
	cfg Config

	mu       sync.Mutex
	host     comm.Host
	layout   comm.Layout
	rings    [comm.NumQueues]*ringq.Q
	regs     regs
	attached bool
	ready    bool // the host sent InitStructBaseAddress
	held     map[fib.Command]bool
	parked   []parked

	prodMu  [comm.NumQueues]sync.Mutex
	notifyC [comm.NumQueues]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	evMu   sync.Mutex
	events [][]byte
	evFree []int
	evBusy []bool

	acksC chan Ack
}

type parked struct {
	id comm.QueueID
	e  ringq.Entry
}

// eventAddrBase tags the addresses of adapter-originated messages.
const eventAddrBase = 0xe000_0000

var (
	ErrNotAttached = errors.New("sim: not attached")
	ErrNoBuffers   = errors.New("sim: no free event buffers")
	ErrBadAddr     = errors.New("sim: bad address")
)

// New creates a new simulated adapter.
func New(cfg Config) *Firmware {
	if cfg.Handler == nil {
		info := cfg.Info
		if cfg.FastResponse {
			info.Options |= fib.OptFastResponse
		}

		cfg.Handler = DefaultHandler(info)
	}

	if cfg.EventBuffers == 0 {
		cfg.EventBuffers = 16
	}

	f := &Firmware{
		cfg:    cfg,
		held:   make(map[fib.Command]bool),
		events: make([][]byte, cfg.EventBuffers),
		evFree: make([]int, cfg.EventBuffers),
		evBusy: make([]bool, cfg.EventBuffers),
		acksC:  make(chan Ack, 64),
	}

	for i := range f.events {
		f.events[i] = make([]byte, fib.MaxSize)
		f.evFree[i] = cfg.EventBuffers - 1 - i
	}

	for i := range f.notifyC {
		f.notifyC[i] = make(chan struct{}, 1)
	}

	return f
}

// Attach implements comm.Hardware. It maps the host's comm area and starts
// a worker for each queue the firmware consumes.
func (f *Firmware) Attach(area []byte, layout comm.Layout, host comm.Host) error {
	rings, err := comm.MapQueues(area, layout)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.attached {
		return errors.New("sim: already attached")
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	f.host = host
	f.layout = layout
	f.rings = rings
	f.regs = regs{}
	f.attached = true
	f.ready = false
	f.ctx = ctx
	f.cancel = cancel
	f.eg = eg

	eg.Go(func() error { return f.serve(ctx, comm.AdapHighCmd, f.command) })
	eg.Go(func() error { return f.serve(ctx, comm.AdapNormCmd, f.command) })
	eg.Go(func() error { return f.serve(ctx, comm.AdapHighResp, f.ack) })
	eg.Go(func() error { return f.serve(ctx, comm.AdapNormResp, f.ack) })

	return nil
}

// Detach implements comm.Hardware. Parked commands are dropped.
func (f *Firmware) Detach() error {
	f.mu.Lock()
	if !f.attached {
		f.mu.Unlock()
		return ErrNotAttached
	}

	f.attached = false
	f.parked = nil
	cancel, eg := f.cancel, f.eg
	f.mu.Unlock()

	cancel()
	return eg.Wait()
}

// NotifyPeer implements comm.Hardware.
func (f *Firmware) NotifyPeer(q comm.QueueID) error {
	if q < 0 || q >= comm.NumQueues {
		return fmt.Errorf("sim: bad queue %d", q)
	}

	select {
	case f.notifyC[q] <- struct{}{}:
	default:
	}

	return nil
}

// MemAt implements comm.Hardware. It resolves adapter-originated messages.
func (f *Firmware) MemAt(addr uint32, size int) ([]byte, error) {
	f.evMu.Lock()
	defer f.evMu.Unlock()

	i := int(addr - eventAddrBase)
	if addr < eventAddrBase || i >= len(f.events) || !f.evBusy[i] {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddr, addr)
	}

	if size < fib.HeaderSize || size > fib.MaxSize {
		return nil, fmt.Errorf("%w: %#x: size %d", ErrBadAddr, addr, size)
	}

	return f.events[i], nil
}

// Acks returns the channel on which the host's answers to posted events
// arrive. Answers are dropped if nobody reads them.
func (f *Firmware) Acks() <-chan Ack {
	return f.acksC
}

// Hold parks host commands carrying cmd instead of answering them.
func (f *Firmware) Hold(cmd fib.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[cmd] = true
}

// Resume stops holding commands and answers everything parked.
func (f *Firmware) Resume() error {
	f.mu.Lock()
	clear(f.held)
	ps := f.parked
	f.parked = nil
	ctx := f.ctx
	attached := f.attached
	f.mu.Unlock()

	if !attached {
		return ErrNotAttached
	}

	var errs []error
	for _, p := range ps {
		if err := f.answer(ctx, p.id, p.e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Parked returns the number of commands being held.
func (f *Firmware) Parked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.parked)
}

// PostEvent sends an adapter-originated message carrying cmd and payload to
// the host. It returns the message's address, which the host's ack carries.
func (f *Firmware) PostEvent(cmd fib.Command, payload []byte, high bool) (uint32, error) {
	if len(payload) > fib.PayloadSize {
		return 0, fmt.Errorf("sim: event payload of %d bytes is too big", len(payload))
	}

	f.mu.Lock()
	ctx, attached := f.ctx, f.attached
	f.mu.Unlock()

	if !attached {
		return 0, ErrNotAttached
	}

	f.evMu.Lock()
	n := len(f.evFree)
	if n == 0 {
		f.evMu.Unlock()
		return 0, ErrNoBuffers
	}

	i := f.evFree[n-1]
	f.evFree = f.evFree[:n-1]
	f.evBusy[i] = true
	buf := f.events[i]
	f.evMu.Unlock()

	var (
		addr = uint32(eventAddrBase + i)
		id   = comm.HostNormCmd
		x    = fib.AdapterOwned | fib.Initialized | fib.SentFromAdapter | fib.ResponseExpected | fib.NormalPriority
	)

	if high {
		id = comm.HostHighCmd
		x = x&^fib.NormalPriority | fib.HighPriority
	}

	clear(buf)
	fib.Header{
		XferState:    x,
		Command:      cmd,
		StructType:   fib.StructTypeFIB,
		Size:         uint16(fib.HeaderSize + len(payload)),
		SenderSize:   fib.MaxSize,
		SenderHandle: addr,
		SenderData:   addr,
	}.PutBinary(buf)

	copy(buf[fib.HeaderSize:], payload)

	if err := f.post(ctx, id, ringq.Entry{Size: uint32(fib.HeaderSize + len(payload)), Addr: addr}); err != nil {
		f.freeEvent(i)
		return 0, err
	}

	return addr, nil
}

// serve runs fn for every entry on a queue the firmware consumes.
func (f *Firmware) serve(ctx context.Context, id comm.QueueID, fn func(context.Context, comm.QueueID, ringq.Entry) error) error {
	for {
		for ctx.Err() == nil {
			s, ok := f.rings[id].TryConsume()
			if !ok {
				break
			}

			e := s.Entry
			if s.Release() {
				f.host.Interrupt(id)
			}

			if err := fn(ctx, id, e); err != nil {
				slog.Error("sim: queue handler failed", "queue", id, "addr", e.Addr, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case <-f.notifyC[id]:
		}
	}
}

// command answers a host command unless its command code is held.
func (f *Firmware) command(ctx context.Context, id comm.QueueID, e ringq.Entry) error {
	buf, err := f.host.MemAt(e.Addr, int(e.Size))
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.held[fib.View(buf).Command()] {
		f.parked = append(f.parked, parked{id, e})
		f.mu.Unlock()
		return nil
	}

	f.mu.Unlock()
	return f.answer(ctx, id, e)
}

func (f *Firmware) answer(ctx context.Context, id comm.QueueID, e ringq.Entry) error {
	buf, err := f.host.MemAt(e.Addr, int(e.Size))
	if err != nil {
		return err
	}

	msg := fib.View(buf)
	if err := msg.Check(); err != nil {
		return err
	}

	x := msg.XferState()
	if !x.Has(fib.SentFromHost | fib.AdapterOwned) {
		return fmt.Errorf("host message %#x in state %v", e.Addr, x)
	}

	resp := comm.HostNormResp
	if id == comm.AdapHighCmd {
		resp = comm.HostHighResp
	}

	status, data := f.cfg.Handler(msg.Command(), slices.Clone(msg.Payload()))

	if f.cfg.FastResponse && x.Has(fib.FastResponseCapable) && status == fib.StOK && len(data) == 0 {
		msg.SetHeaderFlags(msg.Flags() | fib.FlagFastResponse)
	} else {
		limit := min(int(msg.SenderSize()), len(msg)) - fib.HeaderSize - 4
		if len(data) > limit {
			data, status = data[:limit], fib.StTooBig
		}

		msg.SetStatus(status)
		copy(msg[fib.HeaderSize+4:], data)
		msg.SetSize(uint16(fib.HeaderSize + 4 + len(data)))
		msg.SetFlags(fib.AdapterProcessed)
	}

	return f.post(ctx, resp, ringq.Entry{Size: uint32(msg.Size()), Addr: e.Addr})
}

// ack collects the host's answer to an adapter-originated message.
func (f *Firmware) ack(ctx context.Context, id comm.QueueID, e ringq.Entry) error {
	i := int(e.Addr - eventAddrBase)

	buf, err := f.MemAt(e.Addr, fib.HeaderSize)
	if err != nil {
		return err
	}

	defer f.freeEvent(i)

	msg := fib.View(buf)
	if !msg.XferState().Has(fib.HostProcessed) {
		return fmt.Errorf("ack of %#x without host-processed", e.Addr)
	}

	a := Ack{
		Addr:    e.Addr,
		Command: msg.Command(),
	}

	if p := msg.Payload(); len(p) >= 4 {
		a.Status = msg.Status()
		a.Reply = slices.Clone(p[4:])
	}

	select {
	case f.acksC <- a:
	default:
		slog.Warn("sim: dropping ack", "addr", e.Addr, "command", a.Command)
	}

	return nil
}

func (f *Firmware) freeEvent(i int) {
	f.evMu.Lock()
	defer f.evMu.Unlock()

	if f.evBusy[i] {
		f.evBusy[i] = false
		f.evFree = append(f.evFree, i)
	}
}

// post produces e on one of the host's queues, waiting for room if it's
// full.
func (f *Firmware) post(ctx context.Context, id comm.QueueID, e ringq.Entry) error {
	q := f.rings[id]

	for {
		f.prodMu[id].Lock()
		i, suppress, ok := q.TryReserve()
		if ok {
			notify := q.Commit(i, e, suppress)
			f.prodMu[id].Unlock()

			if notify {
				f.host.Interrupt(id)
			}

			return nil
		}

		f.prodMu[id].Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("post to %v: %w", id, ctx.Err())

		case <-f.notifyC[id]:
		}
	}
}
