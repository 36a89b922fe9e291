package comm

import (
	"fmt"
	"unsafe"

	"github.com/c35s/aac/fib/ringq"
)

// QueueID identifies one of the eight ring queues shared by the host and the
// adapter. Host* queues carry messages to the host and are produced by the
// adapter; Adap* queues carry messages to the adapter and are produced by the
// host.
type QueueID int

const (
	HostNormCmd  QueueID = iota // adapter-initiated commands, normal priority
	HostHighCmd                 // adapter-initiated commands, high priority
	AdapNormCmd                 // host commands, normal priority
	AdapHighCmd                 // host commands, high priority
	HostNormResp                // responses to host commands, normal priority
	HostHighResp                // responses to host commands, high priority
	AdapNormResp                // host responses to adapter commands, normal priority
	AdapHighResp                // host responses to adapter commands, high priority

	NumQueues = 8
)

// Layout sizes the queues of a comm area.
type Layout struct {
	Entries [NumQueues]int
}

// DefaultLayout is used when Config.Layout is zero.
var DefaultLayout = Layout{
	Entries: [NumQueues]int{
		HostNormCmd:  8,
		HostHighCmd:  4,
		AdapNormCmd:  512,
		AdapHighCmd:  4,
		HostNormResp: 512,
		HostHighResp: 4,
		AdapNormResp: 8,
		AdapHighResp: 4,
	},
}

var queueNames = [NumQueues]string{
	HostNormCmd:  "HostNormCmd",
	HostHighCmd:  "HostHighCmd",
	AdapNormCmd:  "AdapNormCmd",
	AdapHighCmd:  "AdapHighCmd",
	HostNormResp: "HostNormResp",
	HostHighResp: "HostHighResp",
	AdapNormResp: "AdapNormResp",
	AdapHighResp: "AdapHighResp",
}

func (id QueueID) String() string {
	if id < 0 || id >= NumQueues {
		return fmt.Sprintf("QueueID(%d)", int(id))
	}

	return queueNames[id]
}

// HostProduces reports whether the host is the queue's producer.
func (id QueueID) HostProduces() bool {
	switch id {
	case AdapNormCmd, AdapHighCmd, AdapNormResp, AdapHighResp:
		return true

	default:
		return false
	}
}

// Size returns the size in bytes of a comm area with this layout: all the
// queue headers followed by all the entry rings.
func (l Layout) Size() int {
	n := NumQueues * ringq.HeaderSize
	for _, e := range l.Entries {
		n += e * ringq.EntrySize
	}

	return n
}

func (l Layout) validate() error {
	for id, e := range l.Entries {
		if e < 2 || e > 1<<16 {
			return fmt.Errorf("%v: %d entries out of range [2, %d]", QueueID(id), e, 1<<16)
		}
	}

	return nil
}

// MapQueues returns views of the eight queues in a comm area. The host and
// the adapter each map the same area.
func MapQueues(area []byte, l Layout) ([NumQueues]*ringq.Q, error) {
	var qs [NumQueues]*ringq.Q

	if err := l.validate(); err != nil {
		return qs, err
	}

	if len(area) < l.Size() {
		return qs, fmt.Errorf("comm area too small: %d < %d", len(area), l.Size())
	}

	if uintptr(unsafe.Pointer(&area[0]))%4 != 0 {
		return qs, fmt.Errorf("comm area is misaligned")
	}

	off := NumQueues * ringq.HeaderSize
	for id, n := range l.Entries {
		var (
			hdr  = (*ringq.Header)(unsafe.Pointer(&area[id*ringq.HeaderSize]))
			ring = unsafe.Slice((*ringq.Entry)(unsafe.Pointer(&area[off])), n)
		)

		qs[id] = ringq.New(hdr, ring)
		off += n * ringq.EntrySize
	}

	return qs, nil
}
