//go:build unix

package cache

import (
	"os"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Msync maintains a file backed shared mapping with msync(2). Write-back
// flushes the touched pages to the backing object, invalidate asks the kernel
// to drop stale cached copies of them. Ranges are widened to whole pages
// because msync only accepts page aligned addresses.
type Msync struct {
	l      *logrus.Logger
	mem    []byte
	base   uintptr
	page   uintptr
	errors metrics.Counter
}

// NewMsync returns a [Maintainer] for views into mem, which must be the whole
// mapping as returned by mmap.
func NewMsync(l *logrus.Logger, mem []byte) *Msync {
	return &Msync{
		l:      l,
		mem:    mem,
		base:   uintptr(unsafe.Pointer(&mem[0])),
		page:   uintptr(os.Getpagesize()),
		errors: metrics.GetOrRegisterCounter("cache.msync.errors", nil),
	}
}

func (c *Msync) WriteBack(b []byte) {
	c.sync(b, unix.MS_SYNC)
}

func (c *Msync) Invalidate(b []byte) {
	c.sync(b, unix.MS_INVALIDATE)
}

func (c *Msync) sync(b []byte, flags int) {
	pages, ok := c.pages(b)
	if !ok {
		return
	}

	if err := unix.Msync(pages, flags); err != nil {
		c.errors.Inc(1)
		c.l.WithError(err).WithField("len", len(b)).Error("Failed to msync shared memory")
	}
}

// pages returns the page aligned view of the mapping covering b.
func (c *Msync) pages(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}

	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr < c.base || addr-c.base+uintptr(len(b)) > uintptr(len(c.mem)) {
		c.l.WithField("len", len(b)).Warn("Cache maintenance requested outside of the mapping")
		return nil, false
	}

	start := (addr - c.base) &^ (c.page - 1)
	end := (addr - c.base + uintptr(len(b)) + c.page - 1) &^ (c.page - 1)
	if end > uintptr(len(c.mem)) {
		end = uintptr(len(c.mem))
	}
	return c.mem[start:end], true
}
