package virtqueue

import "github.com/slackhq/ipcvq/shmem"

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes one message buffer by its physical address and length.
type Descriptor struct {
	// address is the physical address of the buffer.
	address shmem.PhysAddr
	// reserved keeps the layout compatible with peers using 64-bit
	// addresses in little endian.
	reserved uint32
	// length is the amount of bytes stored at address.
	length uint32
	// flags and next chain descriptors in the wire format. Every message
	// occupies exactly one descriptor, so both are always zero.
	flags uint16
	next  uint16
}

// Address returns the physical address of the buffer.
func (d Descriptor) Address() shmem.PhysAddr {
	return d.address
}

// Length returns the length of the buffer.
func (d Descriptor) Length() uint32 {
	return d.length
}
