// Package shmem describes the memory shared between the local core and its
// peers: the physical addresses stored in ring descriptors, the virtual
// addresses local software uses to reach the same bytes, and the mapped
// carve-out that backs both.
package shmem

import "fmt"

// PhysAddr is an address as the peer core sees it. Ring descriptors only ever
// hold physical addresses. A PhysAddr must never be dereferenced directly, use
// a [Translator] or [Region.Bytes] to reach the memory behind it.
type PhysAddr uint32

func (pa PhysAddr) String() string {
	return fmt.Sprintf("0x%08x", uint32(pa))
}

// VirtAddr is an address in the local process' address space.
type VirtAddr uintptr

func (va VirtAddr) String() string {
	return fmt.Sprintf("0x%x", uintptr(va))
}

// Translator converts between physical and virtual addresses with a fixed
// offset and mask, matching the memory map of the local core. Both directions
// are total: any input produces an output, range checks are the job of
// [Region].
type Translator struct {
	// PhysBase is the physical address that maps to VirtBase.
	PhysBase PhysAddr
	// VirtBase is the local address of PhysBase.
	VirtBase VirtAddr
	// Mask is applied to the offset from either base. A mask of zero is
	// treated as all ones.
	Mask uint32
}

func (t Translator) mask() uint32 {
	if t.Mask == 0 {
		return ^uint32(0)
	}
	return t.Mask
}

// ToVirtual returns the local address for the given physical address.
func (t Translator) ToVirtual(pa PhysAddr) VirtAddr {
	off := (uint32(pa) - uint32(t.PhysBase)) & t.mask()
	return t.VirtBase + VirtAddr(off)
}

// ToPhysical returns the physical address for the given local address.
func (t Translator) ToPhysical(va VirtAddr) PhysAddr {
	off := uint32(va-t.VirtBase) & t.mask()
	return t.PhysBase + PhysAddr(off)
}
