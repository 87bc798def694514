package virtqueue

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/cache"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
)

// ChannelID identifies a channel within a [Registry]. It is also the payload
// carried by the kick for that channel.
type ChannelID uint16

// Callback is invoked in interrupt context every time the interrupt line of
// the channel fires. It typically drains [Virtqueue.TakeOffered] or
// [Virtqueue.ReclaimCompleted] until they report nothing left. It must not
// block.
type Callback func(vq *Virtqueue)

// Buffer is an offered buffer as seen by the completing side.
type Buffer struct {
	// Index is the descriptor index, which is handed back to
	// [Virtqueue.CompleteBuffer].
	Index uint16
	Addr  shmem.PhysAddr
	Len   uint32
}

// State is a snapshot of a [Virtqueue] and its ring for diagnostics.
type State struct {
	Channel           ChannelID
	Capacity          int
	Free              uint32
	AvailableIndex    uint16
	LastAvailSeen     uint16
	CompletedIndex    uint16
	LastCompletedSeen uint16
	AvailableFlags    uint16
	CompletedFlags    uint16
}

// Outstanding returns the number of offered buffers not yet taken plus the
// number of completed buffers not yet reclaimed.
func (s State) Outstanding() int {
	return int(s.AvailableIndex-s.LastAvailSeen) + int(s.CompletedIndex-s.LastCompletedSeen)
}

// Virtqueue is the local view of one channel. It is created once per channel
// per core by [Registry.CreateChannel] and lives for the rest of the process.
type Virtqueue struct {
	l        *logrus.Logger
	id       ChannelID
	remote   mailbox.ProcID
	ring     *Ring
	callback Callback
	mbox     mailbox.Mailbox
	cache    cache.Maintainer

	// gate serializes task level callers against the interrupt dispatcher on
	// this core. It is never held across the core boundary.
	gate              sync.Mutex
	free              uint32
	lastAvailSeen     uint16
	lastCompletedSeen uint16

	metrics virtqueueMetrics
}

type virtqueueMetrics struct {
	offered          metrics.Counter
	taken            metrics.Counter
	completed        metrics.Counter
	reclaimed        metrics.Counter
	kicks            metrics.Counter
	kicksSuppressed  metrics.Counter
	capacityExceeded metrics.Counter
	free             metrics.Gauge
}

func newVirtqueueMetrics(id ChannelID) virtqueueMetrics {
	name := func(n string) string { return fmt.Sprintf("virtqueue.%d.%s", id, n) }
	return virtqueueMetrics{
		offered:          metrics.GetOrRegisterCounter(name("offered"), nil),
		taken:            metrics.GetOrRegisterCounter(name("taken"), nil),
		completed:        metrics.GetOrRegisterCounter(name("completed"), nil),
		reclaimed:        metrics.GetOrRegisterCounter(name("reclaimed"), nil),
		kicks:            metrics.GetOrRegisterCounter(name("kicks"), nil),
		kicksSuppressed:  metrics.GetOrRegisterCounter(name("kicks_suppressed"), nil),
		capacityExceeded: metrics.GetOrRegisterCounter(name("capacity_exceeded"), nil),
		free:             metrics.GetOrRegisterGauge(name("free"), nil),
	}
}

// ID returns the channel id.
func (vq *Virtqueue) ID() ChannelID {
	return vq.id
}

// RemoteProc returns the processor on the other side of the channel.
func (vq *Virtqueue) RemoteProc() mailbox.ProcID {
	return vq.remote
}

// Ring returns the shared ring of the channel.
func (vq *Virtqueue) Ring() *Ring {
	return vq.ring
}

// Capacity returns the number of buffer slots of the ring.
func (vq *Virtqueue) Capacity() int {
	return vq.ring.Capacity()
}

// FreeCount returns how many more buffers can be offered before the ring is
// full.
func (vq *Virtqueue) FreeCount() int {
	vq.gate.Lock()
	defer vq.gate.Unlock()
	return int(vq.free)
}

func (vq *Virtqueue) mask() uint16 {
	return uint16(vq.ring.Capacity() - 1)
}

func (vq *Virtqueue) peerStateError(ring string, index uint16, value uint32, reason string) *PeerStateError {
	return &PeerStateError{
		Channel:  vq.id,
		Ring:     ring,
		Index:    index,
		Value:    value,
		Capacity: vq.ring.Capacity(),
		Reason:   reason,
	}
}

// OfferBuffer publishes the buffer at addr with the given length to the peer.
// It returns a wrapped [ErrCapacityExceeded] without touching the ring when
// every slot is in use; callers treat that as backpressure.
//
// The descriptor used is the one at the current available index, which only
// stays unique because buffers are completed in the order they were offered.
func (vq *Virtqueue) OfferBuffer(addr shmem.PhysAddr, length uint32) error {
	vq.gate.Lock()
	defer vq.gate.Unlock()

	if vq.free == 0 {
		vq.metrics.capacityExceeded.Inc(1)
		return fmt.Errorf("%w: channel %d has all %d buffers outstanding",
			ErrCapacityExceeded, vq.id, vq.ring.Capacity())
	}
	vq.free--

	avail := vq.ring.available
	idx := avail.index()
	head := idx & vq.mask()

	vq.ring.descriptors.set(head, addr, length)
	vq.cache.WriteBack(vq.ring.descriptors.entry(head))

	avail.setSlot(idx, head)
	vq.cache.WriteBack(avail.slotBytes(idx))

	avail.advance()
	vq.cache.WriteBack(avail.headerBytes())

	vq.metrics.offered.Inc(1)
	vq.metrics.free.Update(int64(vq.free))
	return nil
}

// Prime offers every address in addrs with the given length, stopping at the
// first failure. It returns how many buffers were offered.
func (vq *Virtqueue) Prime(addrs []shmem.PhysAddr, length uint32) (int, error) {
	for i, addr := range addrs {
		if err := vq.OfferBuffer(addr, length); err != nil {
			return i, err
		}
	}
	return len(addrs), nil
}

// TakeOffered returns the oldest buffer the peer offered that was not taken
// yet. When there is none it returns false and asks the peer to kick again on
// its next offer.
func (vq *Virtqueue) TakeOffered() (Buffer, bool) {
	vq.gate.Lock()
	defer vq.gate.Unlock()

	avail := vq.ring.available
	done := vq.ring.completed

	vq.cache.Invalidate(avail.headerBytes())
	idx := avail.index()

	if idx == vq.lastAvailSeen {
		if done.setFlags(done.flags() &^ completedRingFlagNoNotify) {
			vq.cache.WriteBack(done.headerBytes())
		}
		return Buffer{}, false
	}

	if pending := idx - vq.lastAvailSeen; int(pending) > vq.ring.Capacity() {
		panic(vq.peerStateError("available", idx, uint32(pending), "more buffers offered than the ring holds"))
	}

	vq.cache.Invalidate(avail.slotBytes(vq.lastAvailSeen))
	head := avail.slot(vq.lastAvailSeen)
	if int(head) >= vq.ring.Capacity() {
		panic(vq.peerStateError("available", vq.lastAvailSeen, uint32(head), "descriptor index out of range"))
	}

	vq.cache.Invalidate(vq.ring.descriptors.entry(head))
	desc := vq.ring.descriptors.Get(head)
	vq.lastAvailSeen++

	// We are consuming now, the peer does not need to kick us.
	if done.setFlags(done.flags() | completedRingFlagNoNotify) {
		vq.cache.WriteBack(done.headerBytes())
	}

	vq.metrics.taken.Inc(1)
	return Buffer{Index: head, Addr: desc.address, Len: desc.length}, true
}

// CompleteBuffer hands the descriptor at index back to the peer, reporting
// length bytes as used. The index must come from a previous
// [Virtqueue.TakeOffered].
func (vq *Virtqueue) CompleteBuffer(index uint16, length uint32) error {
	if int(index) >= vq.ring.Capacity() {
		return fmt.Errorf("%w: %d is not below the capacity %d of channel %d",
			ErrInvalidDescriptor, index, vq.ring.Capacity(), vq.id)
	}

	vq.gate.Lock()
	defer vq.gate.Unlock()

	done := vq.ring.completed
	idx := done.index()

	done.setElement(idx, CompletedElement{DescriptorIndex: uint32(index), Length: length})
	vq.cache.WriteBack(done.elementBytes(idx))

	done.advance()
	vq.cache.WriteBack(done.headerBytes())

	vq.metrics.completed.Inc(1)
	return nil
}

// ReclaimCompleted returns the address of the oldest buffer the peer completed
// that was not reclaimed yet, making its slot available for a new
// [Virtqueue.OfferBuffer]. It returns false when there is none.
func (vq *Virtqueue) ReclaimCompleted() (shmem.PhysAddr, bool) {
	addr, _, ok := vq.ReclaimCompletedLen()
	return addr, ok
}

// ReclaimCompletedLen is [Virtqueue.ReclaimCompleted] that also returns the
// length the peer reported.
func (vq *Virtqueue) ReclaimCompletedLen() (shmem.PhysAddr, uint32, bool) {
	vq.gate.Lock()
	defer vq.gate.Unlock()

	done := vq.ring.completed

	vq.cache.Invalidate(done.headerBytes())
	idx := done.index()
	if idx == vq.lastCompletedSeen {
		return 0, 0, false
	}

	if pending := idx - vq.lastCompletedSeen; int(pending) > vq.ring.Capacity() {
		panic(vq.peerStateError("completed", idx, uint32(pending), "more buffers completed than the ring holds"))
	}
	if int(vq.free) >= vq.ring.Capacity() {
		panic(vq.peerStateError("completed", vq.lastCompletedSeen, vq.free, "buffer completed that was never offered"))
	}

	vq.cache.Invalidate(done.elementBytes(vq.lastCompletedSeen))
	elem := done.element(vq.lastCompletedSeen)
	if elem.DescriptorIndex >= uint32(vq.ring.Capacity()) {
		panic(vq.peerStateError("completed", vq.lastCompletedSeen, elem.DescriptorIndex, "descriptor index out of range"))
	}

	desc := vq.ring.descriptors.Get(uint16(elem.DescriptorIndex))
	vq.lastCompletedSeen++
	vq.free++

	vq.metrics.reclaimed.Inc(1)
	vq.metrics.free.Update(int64(vq.free))
	return desc.address, elem.Length, true
}

// DebugState returns a snapshot of the channel for diagnostics.
func (vq *Virtqueue) DebugState() State {
	vq.gate.Lock()
	defer vq.gate.Unlock()

	avail := vq.ring.available
	done := vq.ring.completed
	vq.cache.Invalidate(avail.headerBytes())
	vq.cache.Invalidate(done.headerBytes())

	af, ai := avail.header.load()
	cf, ci := done.header.load()
	return State{
		Channel:           vq.id,
		Capacity:          vq.ring.Capacity(),
		Free:              vq.free,
		AvailableIndex:    ai,
		LastAvailSeen:     vq.lastAvailSeen,
		CompletedIndex:    ci,
		LastCompletedSeen: vq.lastCompletedSeen,
		AvailableFlags:    af,
		CompletedFlags:    cf,
	}
}
