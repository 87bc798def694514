package shmem

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when an address range does not lie within a
// [Region].
var ErrOutOfRange = errors.New("address range is outside of the shared region")

// Options describe where a carve-out lives in the peer's physical memory map
// and how it is mapped locally.
type Options struct {
	// Base is the physical address of the first byte of the region.
	Base PhysAddr
	// Size is the number of bytes in the region.
	Size int
	// Cached is true when the local mapping goes through the data cache and
	// therefore needs explicit maintenance to be visible to the peer.
	Cached bool
	// Mask is the address mask used by the [Translator], zero means all ones.
	Mask uint32
}

// Validate checks that the options describe a usable region.
func (o Options) Validate() error {
	if o.Base == 0 {
		return errors.New("region base address must not be zero")
	}
	if o.Size <= 0 {
		return fmt.Errorf("region size %d is too small", o.Size)
	}
	if uint64(o.Base)+uint64(o.Size) > 1<<32 {
		return fmt.Errorf("region %v+0x%x exceeds the 32-bit physical address space", o.Base, o.Size)
	}
	return nil
}

// Region is a mapped carve-out of shared memory.
type Region struct {
	opts Options
	file *os.File
	mem  []byte
	tr   Translator
}

// Map maps the file at path as the backing store of the region, creating and
// growing it when needed. The mapping is shared, so every process mapping the
// same file sees the same bytes.
func Map(path string, opts Options) (*Region, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open region file %s: %w", path, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat region file %s: %w", path, err)
	}

	if fi.Size() < int64(opts.Size) {
		if err := file.Truncate(int64(opts.Size)); err != nil {
			file.Close()
			return nil, fmt.Errorf("resize region file %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("map region file %s: %w", path, err)
	}

	return newRegion(opts, file, mem), nil
}

// Anonymous maps a region that is not backed by a file. It can only be shared
// within the current process, which is what tests and single process
// simulations need.
func Anonymous(opts Options) (*Region, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map anonymous region: %w", err)
	}

	return newRegion(opts, nil, mem), nil
}

func newRegion(opts Options, file *os.File, mem []byte) *Region {
	return &Region{
		opts: opts,
		file: file,
		mem:  mem,
		tr: Translator{
			PhysBase: opts.Base,
			// The mapping is not managed by the Go heap, so the address is stable.
			VirtBase: VirtAddr(unsafe.Pointer(&mem[0])),
			Mask:     opts.Mask,
		},
	}
}

// Base returns the physical address of the first byte of the region.
func (r *Region) Base() PhysAddr {
	return r.opts.Base
}

// Size returns the size of the region in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Cached reports whether the local mapping needs cache maintenance.
func (r *Region) Cached() bool {
	return r.opts.Cached
}

// Translator returns the address translator for this region.
func (r *Region) Translator() Translator {
	return r.tr
}

// Mem returns the whole mapping.
func (r *Region) Mem() []byte {
	return r.mem
}

// Contains reports whether n bytes starting at pa lie within the region.
func (r *Region) Contains(pa PhysAddr, n int) bool {
	_, err := r.offset(pa, n)
	return err == nil
}

// Bytes returns the n bytes at the given physical address as a view into the
// mapping.
func (r *Region) Bytes(pa PhysAddr, n int) ([]byte, error) {
	off, err := r.offset(pa, n)
	if err != nil {
		return nil, err
	}
	return r.mem[off : off+n : off+n], nil
}

// Phys returns the physical address of the first byte of b, which must be a
// view into this region.
func (r *Region) Phys(b []byte) (PhysAddr, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty slice", ErrOutOfRange)
	}

	va := VirtAddr(unsafe.Pointer(&b[0]))
	if va < r.tr.VirtBase || uintptr(va-r.tr.VirtBase)+uintptr(len(b)) > uintptr(len(r.mem)) {
		return 0, fmt.Errorf("%w: slice at %v is not part of the mapping", ErrOutOfRange, va)
	}

	return r.tr.ToPhysical(va), nil
}

func (r *Region) offset(pa PhysAddr, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: negative length %d", ErrOutOfRange, n)
	}

	off := uint64(r.tr.ToVirtual(pa) - r.tr.VirtBase)
	if off+uint64(n) > uint64(len(r.mem)) {
		return 0, fmt.Errorf("%w: %v+0x%x not within %v+0x%x", ErrOutOfRange, pa, n, r.opts.Base, len(r.mem))
	}
	return int(off), nil
}

// Close unmaps the region and closes the backing file. Views returned by
// [Region.Bytes] must not be used afterwards.
func (r *Region) Close() error {
	var errs []error

	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmap region: %w", err))
		} else {
			r.mem = nil
		}
	}

	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close region file: %w", err))
		}
		r.file = nil
	}

	return errors.Join(errs...)
}
