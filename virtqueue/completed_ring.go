package virtqueue

import (
	"fmt"
	"unsafe"
)

// completedRingFlag is a flag that describes a [CompletedRing].
type completedRingFlag uint16

const (
	// completedRingFlagNoNotify is set by the completing side while it is
	// already consuming offered buffers, telling the offering side a kick is
	// not needed. It's only an optimization.
	completedRingFlagNoNotify completedRingFlag = 1 << iota
)

// completedElementSize is the number of bytes needed to store a
// [CompletedElement] in memory.
const completedElementSize = 8

// CompletedElement is an element of the [CompletedRing] and describes a
// descriptor the completing side is done with.
type CompletedElement struct {
	// DescriptorIndex is the index of the completed descriptor in the
	// [DescriptorTable]. The index is 32-bit here for padding reasons.
	DescriptorIndex uint32
	// Length is the number of bytes the completing side reports as used.
	Length uint32
}

// completedRingSize is the number of bytes needed to store a [CompletedRing]
// with the given queue size in memory, including the unused trailing event
// word of the wire format.
func completedRingSize(queueSize int) int {
	return 6 + completedElementSize*queueSize
}

// completedRingAlignment is the minimum alignment of a [CompletedRing] in
// memory.
const completedRingAlignment = 4

// CompletedRing is where the completing side returns descriptors once it is
// done with them. It is only written to by the completing side and read by the
// offering side.
type CompletedRing struct {
	mem    []byte
	header ringHeader
	// ring contains the [CompletedElement]s. It wraps around at queue size.
	ring []CompletedElement
}

// newCompletedRing creates a completed ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [completedRingSize]) for the given queue size.
func newCompletedRing(queueSize int, mem []byte) *CompletedRing {
	ringSize := completedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for completed ring: %v", len(mem), ringSize))
	}

	return &CompletedRing{
		mem:    mem,
		header: newRingHeader(mem[0:ringHeaderSize]),
		ring:   unsafe.Slice((*CompletedElement)(unsafe.Pointer(&mem[4])), queueSize),
	}
}

func (r *CompletedRing) flags() completedRingFlag {
	f, _ := r.header.load()
	return completedRingFlag(f)
}

// index is where the completing side puts the next entry (modulo the queue
// size).
func (r *CompletedRing) index() uint16 {
	_, idx := r.header.load()
	return idx
}

// setFlags replaces the flags and reports whether they changed.
func (r *CompletedRing) setFlags(f completedRingFlag) bool {
	old, idx := r.header.load()
	if completedRingFlag(old) == f {
		return false
	}
	r.header.store(uint16(f), idx)
	return true
}

func (r *CompletedRing) position(index uint16) uint16 {
	return index & uint16(len(r.ring)-1)
}

func (r *CompletedRing) element(index uint16) CompletedElement {
	return r.ring[r.position(index)]
}

func (r *CompletedRing) setElement(index uint16, e CompletedElement) {
	r.ring[r.position(index)] = e
}

// advance publishes one more entry.
func (r *CompletedRing) advance() {
	f, idx := r.header.load()
	r.header.store(f, idx+1)
}

func (r *CompletedRing) headerBytes() []byte {
	return r.mem[0:ringHeaderSize:ringHeaderSize]
}

func (r *CompletedRing) elementBytes(index uint16) []byte {
	off := ringHeaderSize + completedElementSize*int(r.position(index))
	return r.mem[off : off+completedElementSize : off+completedElementSize]
}
