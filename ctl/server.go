package ctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/diag"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/journal"
	"github.com/sugawarayuuta/sonnet"
)

// Server serves the management protocol for one adapter.
type Server struct {

	// Adapter is the adapter to manage. It is required.
	Adapter *comm.Adapter

	// Journal, if set, serves OpJournal and is added to diagnostic bundles.
	Journal *journal.Journal

	// PollTimeout bounds a blocking event poll. If PollTimeout is 0, it's
	// 30s.
	PollTimeout time.Duration

	// CallTimeout overrides the adapter's default response deadline for
	// messages sent on behalf of clients.
	CallTimeout time.Duration

	// MaxBody bounds a request body. If MaxBody is 0, it's DefaultMaxBody.
	MaxBody int

	// Logger, if set, replaces slog.Default.
	Logger *slog.Logger
}

// bundleJournalEntries is the number of journal entries in a bundle.
const bundleJournalEntries = 256

// Serve accepts connections on l until ctx ends, serving each on its own
// goroutine. It closes l and waits for the connections before it returns.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("ctl: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger().Warn("ctl: connection", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn serves requests on conn until the client hangs up or ctx ends.
// Event subscriptions opened on conn are closed with it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := &session{
		s:    s,
		subs: make(map[uint32]*comm.Subscription),
	}

	defer sess.close()

	maxBody := s.MaxBody
	if maxBody == 0 {
		maxBody = DefaultMaxBody
	}

	for {
		hdr, body, err := readFrame(conn, maxBody)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}

			return err
		}

		code := CodeOK
		resp, err := sess.handle(ctx, hdr.Op(), body)
		if err != nil {
			code = codeOf(err)
			resp = []byte(err.Error())

			s.logger().Debug("ctl: request failed", "op", hdr.Op(), "code", code, "err", err)
		}

		if err := writeFrame(conn, hdr.Op(), code, resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}

	return slog.Default()
}

// session is the state of one connection.
type session struct {
	s    *Server
	subs map[uint32]*comm.Subscription
}

func (sess *session) handle(ctx context.Context, op Op, body []byte) ([]byte, error) {
	switch op {
	case OpSendFib:
		return sess.sendFib(ctx, body)

	case OpOpenEvents:
		return sess.openEvents()

	case OpPollEvent:
		return sess.pollEvent(ctx, body)

	case OpCloseEvents:
		return sess.closeEvents(body)

	case OpCheckRevision:
		return sess.checkRevision(body)

	case OpClassControl:
		return sess.classControl(body)

	case OpDiagBundle:
		return sess.diagBundle(ctx)

	case OpJournal:
		return sess.journal(ctx, body)

	default:
		return nil, fmt.Errorf("%w: unknown op %v", ErrBadRequest, op)
	}
}

func (sess *session) sendFib(ctx context.Context, body []byte) ([]byte, error) {
	if len(body) < sendFibHdrSize {
		return nil, fmt.Errorf("%w: short send request", ErrBadRequest)
	}

	var (
		a       = sess.s.Adapter
		cmd     = fib.Command(le.Uint16(body[0:2]))
		prio    = comm.Priority(body[2])
		flags   = body[3]
		payload = body[sendFibHdrSize:]
	)

	if len(payload) > fib.PayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds capacity %d", comm.ErrUsage, len(payload), fib.PayloadSize)
	}

	if flags&sendFibNoResponse == 0 {
		return a.Call(ctx, cmd, payload, comm.SendOptions{
			Priority: prio,
			Timeout:  sess.s.CallTimeout,
		})
	}

	c, err := a.Alloc()
	if err != nil {
		return nil, err
	}

	copy(c.Payload(), payload)

	if _, err := a.Send(ctx, c, cmd, len(payload), comm.SendOptions{Priority: prio}); err != nil {
		a.Complete(c)
		return nil, err
	}

	return nil, nil
}

func (sess *session) openEvents() ([]byte, error) {
	sub, err := sess.s.Adapter.Subscribe()
	if err != nil {
		return nil, err
	}

	sess.subs[sub.ID()] = sub
	return le.AppendUint32(nil, sub.ID()), nil
}

func (sess *session) subscription(body []byte, size int) (*comm.Subscription, error) {
	if len(body) < size {
		return nil, fmt.Errorf("%w: short subscription request", ErrBadRequest)
	}

	id := le.Uint32(body[0:4])

	sub, ok := sess.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %d", comm.ErrNotFound, id)
	}

	return sub, nil
}

func (sess *session) pollEvent(ctx context.Context, body []byte) ([]byte, error) {
	sub, err := sess.subscription(body, 5)
	if err != nil {
		return nil, err
	}

	blocking := body[4] != 0
	if blocking {
		timeout := sess.s.PollTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := sub.Poll(ctx, blocking)
	if errors.Is(err, comm.ErrClosed) {
		delete(sess.subs, sub.ID())
	}

	return msg, err
}

func (sess *session) closeEvents(body []byte) ([]byte, error) {
	sub, err := sess.subscription(body, 4)
	if err != nil {
		return nil, err
	}

	delete(sess.subs, sub.ID())
	return nil, sub.Close()
}

func (sess *session) checkRevision(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: short revision request", ErrBadRequest)
	}

	var compat byte
	if Compatible(le.Uint32(body[0:4])) {
		compat = 1
	}

	return append(le.AppendUint32(nil, Revision), compat), nil
}

func (sess *session) classControl(body []byte) ([]byte, error) {
	if len(body) < classControlHdrSize {
		return nil, fmt.Errorf("%w: short class control request", ErrBadRequest)
	}

	code := le.Uint32(body[0:4])
	n := int(le.Uint16(body[4:6]))

	if len(body) < classControlHdrSize+n {
		return nil, fmt.Errorf("%w: class name overruns the request", ErrBadRequest)
	}

	name := string(body[classControlHdrSize : classControlHdrSize+n])
	return sess.s.Adapter.ClassControl(name, code, body[classControlHdrSize+n:])
}

func (sess *session) diagBundle(ctx context.Context) ([]byte, error) {
	var extra []diag.File

	if j := sess.s.Journal; j != nil {
		entries, err := j.Recent(ctx, bundleJournalEntries)
		if err != nil {
			return nil, err
		}

		js, err := sonnet.Marshal(entries)
		if err != nil {
			return nil, err
		}

		extra = append(extra, diag.File{Name: "journal.json", Data: js})
	}

	var buf bytes.Buffer
	if err := diag.WriteBundle(&buf, sess.s.Adapter.Snapshot(), extra...); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (sess *session) journal(ctx context.Context, body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: short journal request", ErrBadRequest)
	}

	if sess.s.Journal == nil {
		return nil, fmt.Errorf("%w: no journal", comm.ErrNotFound)
	}

	entries, err := sess.s.Journal.Recent(ctx, int(le.Uint32(body[0:4])))
	if err != nil {
		return nil, err
	}

	return sonnet.Marshal(entries)
}

func (sess *session) close() {
	for id, sub := range sess.subs {
		sub.Close()
		delete(sess.subs, id)
	}
}
