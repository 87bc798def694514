package cache

import (
	"sync"
	"unsafe"
)

// OpKind identifies a cache maintenance operation.
type OpKind int

const (
	OpWriteBack OpKind = iota
	OpInvalidate
)

func (k OpKind) String() string {
	switch k {
	case OpWriteBack:
		return "writeback"
	case OpInvalidate:
		return "invalidate"
	default:
		return "unknown"
	}
}

// Op is a single maintenance operation seen by a [Recorder].
type Op struct {
	Kind OpKind
	Addr uintptr
	Len  int
}

// Recorder is a [Maintainer] that remembers every operation, for tests that
// verify exactly which bytes are maintained.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

func (r *Recorder) WriteBack(b []byte) {
	r.record(OpWriteBack, b)
}

func (r *Recorder) Invalidate(b []byte) {
	r.record(OpInvalidate, b)
}

func (r *Recorder) record(k OpKind, b []byte) {
	op := Op{Kind: k, Len: len(b)}
	if len(b) > 0 {
		op.Addr = uintptr(unsafe.Pointer(&b[0]))
	}

	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Ops returns a copy of the recorded operations.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Reset forgets all recorded operations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.ops = r.ops[:0]
	r.mu.Unlock()
}

// Saw reports whether an operation of kind k covering exactly b was recorded.
func (r *Recorder) Saw(k OpKind, b []byte) bool {
	want := Op{Kind: k, Len: len(b)}
	if len(b) > 0 {
		want.Addr = uintptr(unsafe.Pointer(&b[0]))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		if op == want {
			return true
		}
	}
	return false
}

// Bytes returns the total number of bytes passed to operations of kind k.
func (r *Recorder) Bytes(k OpKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if op.Kind == k {
			n += op.Len
		}
	}
	return n
}
