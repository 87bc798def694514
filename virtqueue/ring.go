package virtqueue

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/ipcvq/shmem"
)

// Layout is the byte layout of a [Ring] both cores have to agree on.
type Layout struct {
	Capacity int
	Align    int

	DescriptorTableOffset int
	AvailableRingOffset   int
	CompletedRingOffset   int
	// Size is the total number of bytes of the ring.
	Size int
}

// NewLayout computes the layout of a ring with the given capacity. The
// descriptor table is at the start, the available ring follows it directly
// and the completed ring starts at the next multiple of align. An align of 0
// uses [DefaultAlign].
func NewLayout(capacity, align int) (Layout, error) {
	if align == 0 {
		align = DefaultAlign
	}
	if err := CheckQueueSize(capacity); err != nil {
		return Layout{}, err
	}
	if err := CheckAlign(align); err != nil {
		return Layout{}, err
	}

	l := Layout{Capacity: capacity, Align: align}
	l.DescriptorTableOffset = 0
	l.AvailableRingOffset = alignUp(l.DescriptorTableOffset+descriptorTableSize(capacity), availableRingAlignment)
	l.CompletedRingOffset = alignUp(l.AvailableRingOffset+availableRingSize(capacity), align)
	l.Size = l.CompletedRingOffset + completedRingSize(capacity)
	return l, nil
}

// RingSize returns the number of bytes needed for a ring with the given
// capacity and alignment.
func RingSize(capacity, align int) (int, error) {
	l, err := NewLayout(capacity, align)
	if err != nil {
		return 0, err
	}
	return l.Size, nil
}

// RingConfig describes where a ring lives and how big it is.
type RingConfig struct {
	// Base is the physical address of the ring.
	Base shmem.PhysAddr
	// Capacity is the number of buffer slots, a power of two.
	Capacity int
	// Align is the alignment of the completed ring, 0 means [DefaultAlign].
	Align int
	// Cached is true when the local mapping of the ring is cached.
	Cached bool
}

// Ring is the shared split ring of one channel. It is shared by construction,
// both cores read and write it, but each part has a single writer: the
// descriptor table and available ring belong to the offering side, the
// completed ring to the completing side.
type Ring struct {
	cfg    RingConfig
	layout Layout
	mem    []byte

	descriptors *DescriptorTable
	available   *AvailableRing
	completed   *CompletedRing
}

// NewRing maps a ring onto mem, which must hold exactly the ring's bytes.
// The memory is not modified, call [Ring.Zero] on the core that owns the
// channel before any peer uses it.
func NewRing(mem []byte, cfg RingConfig) (*Ring, error) {
	layout, err := NewLayout(cfg.Capacity, cfg.Align)
	if err != nil {
		return nil, err
	}
	cfg.Align = layout.Align

	if len(mem) != layout.Size {
		return nil, fmt.Errorf("ring memory is %d bytes, layout needs %d", len(mem), layout.Size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%descriptorTableAlignment != 0 {
		return nil, fmt.Errorf("ring memory is not %d byte aligned", descriptorTableAlignment)
	}

	return &Ring{
		cfg:         cfg,
		layout:      layout,
		mem:         mem,
		descriptors: newDescriptorTable(layout.Capacity, mem[layout.DescriptorTableOffset:layout.AvailableRingOffset]),
		available:   newAvailableRing(layout.Capacity, mem[layout.AvailableRingOffset:layout.AvailableRingOffset+availableRingSize(layout.Capacity)]),
		completed:   newCompletedRing(layout.Capacity, mem[layout.CompletedRingOffset:layout.Size]),
	}, nil
}

// NewRingInRegion maps the ring at cfg.Base within region. The region decides
// whether the ring is cached.
func NewRingInRegion(region *shmem.Region, cfg RingConfig) (*Ring, error) {
	layout, err := NewLayout(cfg.Capacity, cfg.Align)
	if err != nil {
		return nil, err
	}

	mem, err := region.Bytes(cfg.Base, layout.Size)
	if err != nil {
		return nil, fmt.Errorf("ring at %v: %w", cfg.Base, err)
	}

	cfg.Cached = region.Cached()
	return NewRing(mem, cfg)
}

// Base returns the physical address of the ring.
func (r *Ring) Base() shmem.PhysAddr {
	return r.cfg.Base
}

// Capacity returns the number of buffer slots.
func (r *Ring) Capacity() int {
	return r.layout.Capacity
}

// Cached reports whether the ring needs cache maintenance.
func (r *Ring) Cached() bool {
	return r.cfg.Cached
}

// Layout returns the byte layout of the ring.
func (r *Ring) Layout() Layout {
	return r.layout
}

// Bytes returns the whole ring memory.
func (r *Ring) Bytes() []byte {
	return r.mem
}

// DescriptorTable returns the [DescriptorTable] of this ring.
func (r *Ring) DescriptorTable() *DescriptorTable {
	return r.descriptors
}

// Zero clears the whole ring. Only the core creating the channel does this,
// once per cold start and before the peer touches the ring. The caller is
// responsible for writing the ring back afterwards.
func (r *Ring) Zero() {
	clear(r.mem)
}

func alignUp(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
