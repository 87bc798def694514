package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestCompletedElement_Size(t *testing.T) {
	assert.EqualValues(t, completedElementSize, unsafe.Sizeof(CompletedElement{}))
}

func TestCompletedRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := make([]byte, completedRingSize(queueSize))
	r := newCompletedRing(queueSize, memory)

	r.header.store(0x01ff, 1)
	r.ring[0] = CompletedElement{
		DescriptorIndex: 0x0123,
		Length:          0x4567,
	}
	r.ring[1] = CompletedElement{
		DescriptorIndex: 0x89ab,
		Length:          0xcdef,
	}

	assert.Equal(t, []byte{
		0xff, 0x01,
		0x01, 0x00,
		0x23, 0x01, 0x00, 0x00,
		0x67, 0x45, 0x00, 0x00,
		0xab, 0x89, 0x00, 0x00,
		0xef, 0xcd, 0x00, 0x00,
		0x00, 0x00,
	}, memory)

	assert.Equal(t, memory[12:20], r.elementBytes(1))
	assert.Equal(t, memory[0:4], r.headerBytes())
}

func TestCompletedRing_SetFlags(t *testing.T) {
	memory := make([]byte, completedRingSize(4))
	r := newCompletedRing(4, memory)
	r.header.store(0, 3)

	assert.True(t, r.setFlags(completedRingFlagNoNotify))
	assert.False(t, r.setFlags(completedRingFlagNoNotify))
	assert.Equal(t, completedRingFlagNoNotify, r.flags())
	assert.Equal(t, uint16(3), r.index())

	r.setElement(5, CompletedElement{DescriptorIndex: 1, Length: 9})
	assert.Equal(t, CompletedElement{DescriptorIndex: 1, Length: 9}, r.element(1))
	r.advance()
	assert.Equal(t, uint16(4), r.index())
	assert.Equal(t, completedRingFlagNoNotify, r.flags())
}
