package virtqueue

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/ipcvq/shmem"
)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, and therefore of a whole [Ring].
const descriptorTableAlignment = 16

// DescriptorTable holds one [Descriptor] per ring slot. It is only written by
// the offering side.
type DescriptorTable struct {
	mem         []byte
	descriptors []Descriptor
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		mem:         mem,
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
	}
}

// Len returns the number of descriptors in the table.
func (dt *DescriptorTable) Len() int {
	return len(dt.descriptors)
}

// Get returns a copy of the descriptor at index i.
func (dt *DescriptorTable) Get(i uint16) Descriptor {
	return dt.descriptors[i]
}

func (dt *DescriptorTable) set(i uint16, addr shmem.PhysAddr, length uint32) {
	dt.descriptors[i] = Descriptor{
		address: addr,
		length:  length,
	}
}

// entry returns the memory of the descriptor at index i.
func (dt *DescriptorTable) entry(i uint16) []byte {
	off := int(i) * descriptorSize
	return dt.mem[off : off+descriptorSize : off+descriptorSize]
}
