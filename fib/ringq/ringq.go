// Package ringq implements the single-producer single-consumer ring queues the
// host and the adapter use to hand each other message addresses.
//
// The producer and consumer indices live in shared memory and are only ever
// touched with atomic loads and stores, so the two sides need no common lock.
// Concurrent producers on the same side must be serialized by the caller.
package ringq

import (
	"fmt"
	"sync/atomic"
)

// Q is a ring queue over shared memory.
type Q struct {
	hdr  *Header
	ring []Entry
}

// Header holds a queue's indices as laid out in shared memory.
type Header struct {
	Producer uint32
	Consumer uint32
}

// Entry is a queue entry as laid out in shared memory.
type Entry struct {
	Size uint32 // byte count of the referenced message
	Addr uint32 // opaque reference to the message
}

// Slot is an entry returned by TryConsume. It stays valid until Release.
type Slot struct {
	Entry

	q     *Q
	index uint32
}

// State is a snapshot of a queue's indices.
type State struct {
	Cap      int
	Producer uint32
	Consumer uint32
	Len      int
}

// EntrySize is the binary size of an Entry.
const EntrySize = 8

// HeaderSize is the binary size of a Header.
const HeaderSize = 8

// New returns a queue backed by the given header and entry ring. One slot is
// always kept free, so a ring of n entries holds at most n-1.
func New(hdr *Header, ring []Entry) *Q {
	if len(ring) < 2 {
		panic(fmt.Sprintf("ringq: ring too small: %d", len(ring)))
	}

	return &Q{hdr: hdr, ring: ring}
}

// TryReserve returns the index of the next free producer slot. It returns
// ok=false if the queue is full. If the consumer already has at least two
// unconsumed entries, suppressNotify is true: the peer was told about them
// and hasn't caught up, so it will see this entry too.
func (q *Q) TryReserve() (index uint32, suppressNotify bool, ok bool) {
	p := atomic.LoadUint32(&q.hdr.Producer)
	c := atomic.LoadUint32(&q.hdr.Consumer)

	if q.next(p) == c {
		return p, false, false
	}

	return p, q.dist(p, c) >= 2, true
}

// Commit stores e at the reserved index and makes it visible to the consumer.
// It returns true if the peer should be notified. A suppressed notification
// is re-checked after the store: if the consumer drained everything in the
// meantime, notify is true anyway.
func (q *Q) Commit(index uint32, e Entry, suppressNotify bool) (notify bool) {
	p := atomic.LoadUint32(&q.hdr.Producer)
	if index != p {
		panic(fmt.Sprintf("ringq: commit index %d != producer %d", index, p))
	}

	q.ring[index] = e
	atomic.StoreUint32(&q.hdr.Producer, q.next(p))

	if !suppressNotify {
		return true
	}

	c := atomic.LoadUint32(&q.hdr.Consumer)
	return q.dist(q.next(p), c) <= 1
}

// TryConsume returns the entry at the consumer index without advancing it.
// It returns ok=false if the queue is empty.
func (q *Q) TryConsume() (s Slot, ok bool) {
	c := atomic.LoadUint32(&q.hdr.Consumer)
	p := atomic.LoadUint32(&q.hdr.Producer)

	if p == c {
		return
	}

	return Slot{Entry: q.ring[c], q: q, index: c}, true
}

// Release frees the slot for the producer. It returns true if the queue was
// full, in which case the producer should be told that it no longer is.
func (s Slot) Release() (notifyNotFull bool) {
	return s.q.release(s.index)
}

func (q *Q) release(index uint32) bool {
	c := atomic.LoadUint32(&q.hdr.Consumer)
	if index != c {
		panic(fmt.Sprintf("ringq: release index %d != consumer %d", index, c))
	}

	p := atomic.LoadUint32(&q.hdr.Producer)
	if p == c {
		panic("ringq: release on empty queue")
	}

	wasFull := q.next(p) == c
	atomic.StoreUint32(&q.hdr.Consumer, q.next(c))

	return wasFull
}

// Len returns the number of entries waiting to be consumed.
func (q *Q) Len() int {
	p := atomic.LoadUint32(&q.hdr.Producer)
	c := atomic.LoadUint32(&q.hdr.Consumer)
	return int(q.dist(p, c))
}

// Cap returns the number of entries the queue can hold.
func (q *Q) Cap() int {
	return len(q.ring) - 1
}

// Empty reports whether there is nothing to consume.
func (q *Q) Empty() bool {
	return atomic.LoadUint32(&q.hdr.Producer) == atomic.LoadUint32(&q.hdr.Consumer)
}

func (q *Q) State() State {
	p := atomic.LoadUint32(&q.hdr.Producer)
	c := atomic.LoadUint32(&q.hdr.Consumer)

	return State{
		Cap:      q.Cap(),
		Producer: p,
		Consumer: c,
		Len:      int(q.dist(p, c)),
	}
}

func (q *Q) next(i uint32) uint32 {
	i++
	if i == uint32(len(q.ring)) {
		i = 0
	}

	return i
}

// dist returns the number of entries between consumer c and producer p.
func (q *Q) dist(p, c uint32) uint32 {
	if p >= c {
		return p - c
	}

	return p + uint32(len(q.ring)) - c
}
