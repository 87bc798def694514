package virtqueue

import (
	"fmt"
	"unsafe"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt asks the completing side not to interrupt
	// the offering side. It is consulted by [Virtqueue.Notify] on the side
	// that owns the ring, see the notes there.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory. The trailing 16-bit event word is part
// of the wire format but never read or written.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory.
const availableRingAlignment = 4

// AvailableRing is used by the offering side to publish descriptors. Each ring
// entry is the index of a [Descriptor]. It is only written to by the offering
// side and read by the completing side.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type AvailableRing struct {
	mem    []byte
	header ringHeader
	// ring references descriptors by their index in the [DescriptorTable].
	// It wraps around at queue size.
	ring []uint16
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		mem:    mem,
		header: newRingHeader(mem[0:ringHeaderSize]),
		ring:   unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
	}
}

func (r *AvailableRing) flags() availableRingFlag {
	f, _ := r.header.load()
	return availableRingFlag(f)
}

// index is where the offering side puts the next entry (modulo the queue
// size).
func (r *AvailableRing) index() uint16 {
	_, idx := r.header.load()
	return idx
}

// position maps a free running index to a slot in the ring.
func (r *AvailableRing) position(index uint16) uint16 {
	// The 16-bit ring index may overflow. This is expected and is not an
	// issue because the size of the ring is always a power of 2 and smaller
	// than the highest possible 16-bit value.
	return index & uint16(len(r.ring)-1)
}

func (r *AvailableRing) slot(index uint16) uint16 {
	return r.ring[r.position(index)]
}

func (r *AvailableRing) setSlot(index uint16, head uint16) {
	r.ring[r.position(index)] = head
}

// advance publishes one more entry.
func (r *AvailableRing) advance() {
	f, idx := r.header.load()
	r.header.store(f, idx+1)
}

func (r *AvailableRing) headerBytes() []byte {
	return r.mem[0:ringHeaderSize:ringHeaderSize]
}

func (r *AvailableRing) slotBytes(index uint16) []byte {
	off := ringHeaderSize + 2*int(r.position(index))
	return r.mem[off : off+2 : off+2]
}
