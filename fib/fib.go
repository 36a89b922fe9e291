// Package fib describes the Flexible Interface Block, the fixed-format message
// exchanged between the host driver and the adapter firmware.
package fib

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	MaxSize     = 512 // total message size, header included
	HeaderSize  = 24
	PayloadSize = MaxSize - HeaderSize
)

// StructTypeFIB tags a buffer as a message.
const StructTypeFIB = 1

// XferState tracks a message's ownership and lifecycle. Within each group
// (ownership, lifecycle, direction, completion contract, priority) at most
// one flag may be set.
type XferState uint32

const (
	HostOwned           XferState = 1 << 0
	AdapterOwned        XferState = 1 << 1
	Initialized         XferState = 1 << 2
	Empty               XferState = 1 << 3
	AllocatedFromPool   XferState = 1 << 4
	SentFromHost        XferState = 1 << 5
	SentFromAdapter     XferState = 1 << 6
	ResponseExpected    XferState = 1 << 7
	NoResponseExpected  XferState = 1 << 8
	Async               XferState = 1 << 9
	NormalPriority      XferState = 1 << 10
	HighPriority        XferState = 1 << 11
	HostProcessed       XferState = 1 << 12
	AdapterProcessed    XferState = 1 << 13
	FastResponseCapable XferState = 1 << 14
)

var xferGroups = []struct {
	name  string
	flags XferState
}{
	{"ownership", HostOwned | AdapterOwned},
	{"lifecycle", Initialized | Empty},
	{"direction", SentFromHost | SentFromAdapter},
	{"contract", ResponseExpected | NoResponseExpected},
	{"priority", NormalPriority | HighPriority},
}

var xferNames = []string{
	"HostOwned",
	"AdapterOwned",
	"Initialized",
	"Empty",
	"AllocatedFromPool",
	"SentFromHost",
	"SentFromAdapter",
	"ResponseExpected",
	"NoResponseExpected",
	"Async",
	"NormalPriority",
	"HighPriority",
	"HostProcessed",
	"AdapterProcessed",
	"FastResponseCapable",
}

// Validate returns an error if more than one flag of an exclusive group is set.
func (x XferState) Validate() error {
	for _, g := range xferGroups {
		if v := x & g.flags; v&(v-1) != 0 {
			return fmt.Errorf("xfer state %v: conflicting %s flags", x, g.name)
		}
	}

	return nil
}

// Has reports whether all the given flags are set.
func (x XferState) Has(flags XferState) bool {
	return x&flags == flags
}

func (x XferState) String() string {
	if x == 0 {
		return "0"
	}

	var names []string
	for i, n := range xferNames {
		if x&(1<<i) != 0 {
			names = append(names, n)
		}
	}

	if rest := x &^ (1<<len(xferNames) - 1); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}

	return strings.Join(names, "|")
}

// advisory header flags

const (
	FlagFastResponse          = 1 << 0 // adapter acknowledged without writing a reply
	FlagHighPriorityInterrupt = 1 << 1 // adapter should interrupt the host promptly
)

// Command identifies the operation a message carries.
type Command uint16

const (
	TestCommandResponse Command = 1
	TestAdapterCommand  Command = 2
	ContainerCommand    Command = 500
	ScsiPortCommand     Command = 600
	AifRequest          Command = 700
	CheckRevision       Command = 701
	HostShutdown        Command = 702
	RequestAdapterInfo  Command = 703
	IsAdapterPaused     Command = 704
	SendHostTime        Command = 705

	// DriverNotify is a driver-internal notification. Adapter-originated
	// messages with this command go to the registered classes instead of
	// the event subscribers.
	DriverNotify Command = 900
)

// AllCommands returns the known commands in numeric order.
func AllCommands() []Command {
	return []Command{
		TestCommandResponse,
		TestAdapterCommand,
		ContainerCommand,
		ScsiPortCommand,
		AifRequest,
		CheckRevision,
		HostShutdown,
		RequestAdapterInfo,
		IsAdapterPaused,
		SendHostTime,
		DriverNotify,
	}
}

func (c Command) String() string {
	switch c {
	case TestCommandResponse:
		return "TestCommandResponse"

	case TestAdapterCommand:
		return "TestAdapterCommand"

	case ContainerCommand:
		return "ContainerCommand"

	case ScsiPortCommand:
		return "ScsiPortCommand"

	case AifRequest:
		return "AifRequest"

	case CheckRevision:
		return "CheckRevision"

	case HostShutdown:
		return "HostShutdown"

	case RequestAdapterInfo:
		return "RequestAdapterInfo"

	case IsAdapterPaused:
		return "IsAdapterPaused"

	case SendHostTime:
		return "SendHostTime"

	case DriverNotify:
		return "DriverNotify"

	default:
		return fmt.Sprintf("Command(%d)", uint16(c))
	}
}

// Header has the same fields (but not the same in-memory representation) as
// the message header. For in-place access to a buffer, use View.
type Header struct {
	XferState      XferState
	Command        Command
	StructType     uint8
	Flags          uint8
	Size           uint16
	SenderSize     uint16
	SenderHandle   uint32
	ReceiverHandle uint32
	SenderData     uint32
}

// View is an in-place view of a message buffer. It must be at least
// HeaderSize bytes long.
type View []byte

var le = binary.LittleEndian

func (h Header) PutBinary(p []byte) {
	_ = p[:HeaderSize]
	le.PutUint32(p[0:4], uint32(h.XferState))
	le.PutUint16(p[4:6], uint16(h.Command))
	p[6] = h.StructType
	p[7] = h.Flags
	le.PutUint16(p[8:10], h.Size)
	le.PutUint16(p[10:12], h.SenderSize)
	le.PutUint32(p[12:16], h.SenderHandle)
	le.PutUint32(p[16:20], h.ReceiverHandle)
	le.PutUint32(p[20:24], h.SenderData)
}

// Header decodes the view's header.
func (v View) Header() Header {
	return Header{
		XferState:      v.XferState(),
		Command:        v.Command(),
		StructType:     v.StructType(),
		Flags:          v.Flags(),
		Size:           v.Size(),
		SenderSize:     v.SenderSize(),
		SenderHandle:   v.SenderHandle(),
		ReceiverHandle: v.ReceiverHandle(),
		SenderData:     v.SenderData(),
	}
}

func (v View) XferState() XferState {
	return XferState(le.Uint32(v[0:4]))
}

func (v View) SetXferState(x XferState) {
	le.PutUint32(v[0:4], uint32(x))
}

// SetFlags sets the given XferState flags, leaving the others alone.
func (v View) SetFlags(x XferState) {
	v.SetXferState(v.XferState() | x)
}

// ClearFlags clears the given XferState flags.
func (v View) ClearFlags(x XferState) {
	v.SetXferState(v.XferState() &^ x)
}

func (v View) Command() Command {
	return Command(le.Uint16(v[4:6]))
}

func (v View) SetCommand(c Command) {
	le.PutUint16(v[4:6], uint16(c))
}

func (v View) StructType() uint8 {
	return v[6]
}

func (v View) Flags() uint8 {
	return v[7]
}

func (v View) SetHeaderFlags(f uint8) {
	v[7] = f
}

func (v View) Size() uint16 {
	return le.Uint16(v[8:10])
}

func (v View) SetSize(n uint16) {
	le.PutUint16(v[8:10], n)
}

func (v View) SenderSize() uint16 {
	return le.Uint16(v[10:12])
}

func (v View) SenderHandle() uint32 {
	return le.Uint32(v[12:16])
}

func (v View) ReceiverHandle() uint32 {
	return le.Uint32(v[16:20])
}

func (v View) SetReceiverHandle(h uint32) {
	le.PutUint32(v[16:20], h)
}

func (v View) SenderData() uint32 {
	return le.Uint32(v[20:24])
}

// Payload returns the bytes following the header up to the declared size.
// A declared size outside the buffer yields the whole remaining buffer.
func (v View) Payload() []byte {
	n := int(v.Size())
	if n < HeaderSize || n > len(v) {
		return v[HeaderSize:]
	}

	return v[HeaderSize:n]
}

// Status reads the status word a reply carries in its first payload word.
func (v View) Status() Status {
	return Status(le.Uint32(v[HeaderSize : HeaderSize+4]))
}

// SetStatus writes a status word as the reply's first payload word and
// extends the declared size to cover it if necessary.
func (v View) SetStatus(s Status) {
	le.PutUint32(v[HeaderSize:HeaderSize+4], uint32(s))
	if v.Size() < HeaderSize+4 {
		v.SetSize(HeaderSize + 4)
	}
}

// Check returns an error if the view can't be a valid message.
func (v View) Check() error {
	if len(v) < HeaderSize {
		return fmt.Errorf("short message: %d < %d", len(v), HeaderSize)
	}

	if v.StructType() != StructTypeFIB {
		return fmt.Errorf("struct type %d != %d", v.StructType(), StructTypeFIB)
	}

	if sz, limit := v.Size(), v.SenderSize(); sz > limit || int(sz) > len(v) {
		return fmt.Errorf("size %d exceeds capacity %d", sz, limit)
	}

	return v.XferState().Validate()
}
