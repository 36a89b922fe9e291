// Package ctl implements the management protocol spoken between aacd and its
// clients. A connection carries a sequence of request/response exchanges;
// each message is a frame: an 8-byte header followed by a body.
package ctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/c35s/aac/comm"
)

// Revision is the protocol revision: major in the high 16 bits, minor in the
// low 16.
const Revision = 0x0001_0000

// Compatible reports whether a server at Revision can serve a client at
// revision client: same major, and a minor no newer than the server's.
func Compatible(client uint32) bool {
	return client>>16 == Revision>>16 && client&0xffff <= Revision&0xffff
}

// Op identifies a request.
type Op uint16

const (
	OpSendFib       Op = 1
	OpOpenEvents    Op = 2
	OpPollEvent     Op = 3
	OpCloseEvents   Op = 4
	OpCheckRevision Op = 5
	OpClassControl  Op = 6
	OpDiagBundle    Op = 7
	OpJournal       Op = 8
)

func (op Op) String() string {
	switch op {
	case OpSendFib:
		return "SendFib"

	case OpOpenEvents:
		return "OpenEvents"

	case OpPollEvent:
		return "PollEvent"

	case OpCloseEvents:
		return "CloseEvents"

	case OpCheckRevision:
		return "CheckRevision"

	case OpClassControl:
		return "ClassControl"

	case OpDiagBundle:
		return "DiagBundle"

	case OpJournal:
		return "Journal"

	default:
		return fmt.Sprintf("Op(%d)", uint16(op))
	}
}

// Code is a response status. A response with a code other than CodeOK
// carries an error message as its body.
type Code uint16

const (
	CodeOK Code = iota
	CodeUsage
	CodeNoEvent
	CodeTimeout
	CodeQueueFull
	CodeThrottled
	CodeClosed
	CodeNotFound
	CodeExhausted
	CodeBadRequest
	CodeInternal
)

var codeErrs = []struct {
	code Code
	err  error
}{
	{CodeUsage, comm.ErrUsage},
	{CodeNoEvent, comm.ErrNoEvent},
	{CodeTimeout, comm.ErrTimeout},
	{CodeTimeout, comm.ErrSyncTimeout},
	{CodeQueueFull, comm.ErrQueueFull},
	{CodeThrottled, comm.ErrThrottled},
	{CodeClosed, comm.ErrClosed},
	{CodeNotFound, comm.ErrNotFound},
	{CodeExhausted, comm.ErrResourceExhausted},
	{CodeBadRequest, ErrBadRequest},
}

func codeOf(err error) Code {
	for _, ce := range codeErrs {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}

	return CodeInternal
}

// Error is a failed response.
type Error struct {
	Op   Op
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ctl: %v: %s", e.Op, e.Msg)
}

// Unwrap returns the comm error the code stands for, if any.
func (e *Error) Unwrap() error {
	for _, ce := range codeErrs {
		if ce.code == e.Code {
			return ce.err
		}
	}

	return nil
}

var (
	ErrFrameTooBig  = errors.New("ctl: frame too big")
	ErrBadRequest   = errors.New("ctl: bad request")
	ErrIncompatible = errors.New("ctl: incompatible protocol revision")
	ErrProtocol     = errors.New("ctl: protocol error")
)

// DefaultMaxBody bounds a frame body. It fits a diagnostic bundle.
const DefaultMaxBody = 1 << 20

const frameHdrSize = 8

// frameHdr has the same fields (but not the same binary representation) as a
// frame header. For read-only access, use frameHdrView.
type frameHdr struct {
	Op   Op
	Code Code
	Len  uint32
}

// frameHdrView is a read-only view of a frame header.
type frameHdrView []byte

var le = binary.LittleEndian

func (h frameHdr) PutBinary(p []byte) {
	_ = p[:frameHdrSize]
	le.PutUint16(p[0:2], uint16(h.Op))
	le.PutUint16(p[2:4], uint16(h.Code))
	le.PutUint32(p[4:8], h.Len)
}

func (v frameHdrView) Op() Op {
	return Op(le.Uint16(v[0:2]))
}

func (v frameHdrView) Code() Code {
	return Code(le.Uint16(v[2:4]))
}

func (v frameHdrView) Len() uint32 {
	return le.Uint32(v[4:8])
}

func writeFrame(w io.Writer, op Op, code Code, body []byte) error {
	buf := make([]byte, frameHdrSize+len(body))
	frameHdr{Op: op, Code: code, Len: uint32(len(body))}.PutBinary(buf)
	copy(buf[frameHdrSize:], body)

	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, maxBody int) (frameHdrView, []byte, error) {
	hdr := make(frameHdrView, frameHdrSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, err
	}

	if n := hdr.Len(); n > uint32(maxBody) {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooBig, n, maxBody)
	}

	body := make([]byte, hdr.Len())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, fmt.Errorf("ctl: short frame: %w", err)
	}

	return hdr, body, nil
}

// request bodies

const sendFibHdrSize = 4 // cmd u16, priority u8, flags u8

const sendFibNoResponse = 1 << 0

const classControlHdrSize = 6 // code u32, name length u16
