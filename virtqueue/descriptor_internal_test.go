package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(Descriptor{}))
}

func TestDescriptorTable_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := make([]byte, descriptorTableSize(queueSize))
	dt := newDescriptorTable(queueSize, memory)

	dt.set(1, 0x9cf01000, 0x200)

	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,

		0x00, 0x10, 0xf0, 0x9c, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}, memory)

	assert.Equal(t, memory[16:32], dt.entry(1))
	assert.EqualValues(t, 0x9cf01000, dt.Get(1).Address())
	assert.EqualValues(t, 0x200, dt.Get(1).Length())
	assert.Equal(t, 2, dt.Len())
}
