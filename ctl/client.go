package ctl

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/journal"
	"github.com/sugawarayuuta/sonnet"
)

// Client is a management protocol client. Requests are serialized; a
// blocking poll holds the connection until it returns. A request abandoned
// because its context ended leaves the connection unusable.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	maxBody int
}

// NewClient returns a client speaking on conn.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, maxBody: DefaultMaxBody}
}

// Dial connects to a server, e.g. Dial("unix", "/run/aacd.sock").
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}

func (c *Client) roundTrip(ctx context.Context, op Op, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Unblock the exchange when ctx ends. The conn deadline isn't set from
	// ctx's deadline: a read timing out first would hide ctx.Err().
	firedC := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(firedC)
		c.conn.SetDeadline(time.Unix(1, 0))
	})

	defer func() {
		if !stop() {
			<-firedC
		}

		c.conn.SetDeadline(time.Time{})
	}()

	fail := func(err error) ([]byte, error) {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ctl: %v: %w", op, ctx.Err())
		}

		return nil, fmt.Errorf("ctl: %v: %w", op, err)
	}

	if err := writeFrame(c.conn, op, CodeOK, body); err != nil {
		return fail(err)
	}

	hdr, resp, err := readFrame(c.conn, c.maxBody)
	if err != nil {
		return fail(err)
	}

	if hdr.Op() != op {
		return nil, fmt.Errorf("%w: response to %v for request %v", ErrProtocol, hdr.Op(), op)
	}

	if hdr.Code() != CodeOK {
		return nil, &Error{Op: op, Code: hdr.Code(), Msg: string(resp)}
	}

	return resp, nil
}

// Send sends cmd to the adapter and returns the reply message.
func (c *Client) Send(ctx context.Context, cmd fib.Command, payload []byte, prio comm.Priority) (fib.View, error) {
	return c.sendFib(ctx, cmd, payload, prio, 0)
}

// Post sends cmd to the adapter without waiting for a response.
func (c *Client) Post(ctx context.Context, cmd fib.Command, payload []byte, prio comm.Priority) error {
	_, err := c.sendFib(ctx, cmd, payload, prio, sendFibNoResponse)
	return err
}

func (c *Client) sendFib(ctx context.Context, cmd fib.Command, payload []byte, prio comm.Priority, flags byte) (fib.View, error) {
	body := make([]byte, sendFibHdrSize, sendFibHdrSize+len(payload))
	le.PutUint16(body[0:2], uint16(cmd))
	body[2] = byte(prio)
	body[3] = flags

	resp, err := c.roundTrip(ctx, OpSendFib, append(body, payload...))
	if err != nil {
		return nil, err
	}

	if flags&sendFibNoResponse != 0 {
		return nil, nil
	}

	if len(resp) < fib.HeaderSize {
		return nil, fmt.Errorf("%w: short reply", ErrProtocol)
	}

	return fib.View(resp), nil
}

// OpenEvents subscribes the connection to adapter events and returns the
// subscription ID.
func (c *Client) OpenEvents(ctx context.Context) (uint32, error) {
	resp, err := c.roundTrip(ctx, OpOpenEvents, nil)
	if err != nil {
		return 0, err
	}

	if len(resp) < 4 {
		return 0, fmt.Errorf("%w: short subscription ID", ErrProtocol)
	}

	return le.Uint32(resp), nil
}

// PollEvent returns the subscription's oldest pending event. If blocking is
// set, the server waits for one up to its poll timeout. An empty poll fails
// with an error matching comm.ErrNoEvent.
func (c *Client) PollEvent(ctx context.Context, id uint32, blocking bool) (fib.View, error) {
	body := le.AppendUint32(nil, id)
	if blocking {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}

	resp, err := c.roundTrip(ctx, OpPollEvent, body)
	if err != nil {
		return nil, err
	}

	return fib.View(resp), nil
}

// CloseEvents ends a subscription.
func (c *Client) CloseEvents(ctx context.Context, id uint32) error {
	_, err := c.roundTrip(ctx, OpCloseEvents, le.AppendUint32(nil, id))
	return err
}

// CheckRevision returns the server's protocol revision. It fails with
// ErrIncompatible if the server can't serve this client.
func (c *Client) CheckRevision(ctx context.Context) (uint32, error) {
	resp, err := c.roundTrip(ctx, OpCheckRevision, le.AppendUint32(nil, Revision))
	if err != nil {
		return 0, err
	}

	if len(resp) < 5 {
		return 0, fmt.Errorf("%w: short revision", ErrProtocol)
	}

	rev := le.Uint32(resp[0:4])
	if resp[4] == 0 {
		return rev, fmt.Errorf("%w: server %#x, client %#x", ErrIncompatible, rev, Revision)
	}

	return rev, nil
}

// ClassControl sends a control request to a registered event class.
func (c *Client) ClassControl(ctx context.Context, name string, code uint32, arg []byte) ([]byte, error) {
	if len(name) > 0xffff {
		return nil, fmt.Errorf("%w: class name too long", ErrBadRequest)
	}

	body := make([]byte, classControlHdrSize, classControlHdrSize+len(name)+len(arg))
	le.PutUint32(body[0:4], code)
	le.PutUint16(body[4:6], uint16(len(name)))
	body = append(body, name...)
	body = append(body, arg...)

	return c.roundTrip(ctx, OpClassControl, body)
}

// DiagBundle returns a diagnostic bundle. See diag.ReadBundle.
func (c *Client) DiagBundle(ctx context.Context) ([]byte, error) {
	return c.roundTrip(ctx, OpDiagBundle, nil)
}

// Journal returns up to n of the newest journal entries, oldest first.
func (c *Client) Journal(ctx context.Context, n int) ([]journal.Entry, error) {
	resp, err := c.roundTrip(ctx, OpJournal, le.AppendUint32(nil, uint32(n)))
	if err != nil {
		return nil, err
	}

	var entries []journal.Entry
	if err := sonnet.Unmarshal(resp, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	return entries, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
