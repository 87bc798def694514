package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ringHeaderSize is the number of bytes of the flags and index pair at the
// start of the available and completed rings.
const ringHeaderSize = 4

// ringHeader is the flags and index pair heading the available and completed
// rings. Both halves are only ever written by the side owning the ring, so the
// pair is loaded and stored as one 32-bit word. Storing the word publishes the
// ring slots written before it.
type ringHeader struct {
	word *atomic.Uint32
}

func newRingHeader(mem []byte) ringHeader {
	if len(mem) < ringHeaderSize {
		panic(fmt.Sprintf("ring header needs %d bytes, got %d", ringHeaderSize, len(mem)))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		panic("ring header is not 4 byte aligned")
	}
	return ringHeader{word: (*atomic.Uint32)(unsafe.Pointer(&mem[0]))}
}

func (h ringHeader) load() (flags, index uint16) {
	var b [ringHeaderSize]byte
	binary.NativeEndian.PutUint32(b[:], h.word.Load())
	return binary.NativeEndian.Uint16(b[0:2]), binary.NativeEndian.Uint16(b[2:4])
}

func (h ringHeader) store(flags, index uint16) {
	var b [ringHeaderSize]byte
	binary.NativeEndian.PutUint16(b[0:2], flags)
	binary.NativeEndian.PutUint16(b[2:4], index)
	h.word.Store(binary.NativeEndian.Uint32(b[:]))
}
