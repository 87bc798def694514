// Package cache implements the cache visibility discipline needed when two
// cores share memory without hardware coherency. Writers publish with
// [Maintainer.WriteBack] before the peer is allowed to look, readers call
// [Maintainer.Invalidate] before reading anything the peer wrote.
package cache

// Maintainer performs cache maintenance on exactly the bytes it is given.
// Implementations must be safe for concurrent use.
type Maintainer interface {
	// WriteBack makes local writes to b visible to the peer.
	WriteBack(b []byte)
	// Invalidate discards any locally cached copy of b so the next read sees
	// the peer's latest writes.
	Invalidate(b []byte)
}

// None is the [Maintainer] for memory that is mapped uncached or is coherent
// with the peer. It does nothing.
type None struct{}

func (None) WriteBack([]byte)  {}
func (None) Invalidate([]byte) {}

// IsNone reports whether m performs no maintenance at all.
func IsNone(m Maintainer) bool {
	switch v := m.(type) {
	case nil, None, *None:
		return true
	case *Metered:
		return IsNone(v.m)
	default:
		return false
	}
}
