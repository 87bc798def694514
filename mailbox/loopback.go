package mailbox

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultDepth is the number of payloads a mailbox holds before senders see
// [ErrFull]. It matches common hardware mailbox FIFOs.
const DefaultDepth = 4

// Loopback is a [Mailbox] connecting processors that live in one process.
// Each registered processor gets a goroutine acting as its interrupt context.
type Loopback struct {
	l     *logrus.Logger
	depth int

	mu     sync.Mutex
	boxes  map[ProcID]*box
	closed bool
	wg     sync.WaitGroup
}

type box struct {
	fifo    []Payload
	handler Handler
	pending chan struct{}
	done    chan struct{}
}

// NewLoopback returns an empty loopback mailbox. A depth below one uses
// [DefaultDepth].
func NewLoopback(l *logrus.Logger, depth int) *Loopback {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Loopback{
		l:     l,
		depth: depth,
		boxes: make(map[ProcID]*box),
	}
}

// getBox must be called with mu held.
func (lb *Loopback) getBox(p ProcID) *box {
	b, ok := lb.boxes[p]
	if !ok {
		b = &box{
			fifo:    make([]Payload, 0, lb.depth),
			pending: make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		lb.boxes[p] = b
	}
	return b
}

func (lb *Loopback) Send(remote ProcID, payload Payload) error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return ErrClosed
	}

	b := lb.getBox(remote)
	if len(b.fifo) >= lb.depth {
		lb.mu.Unlock()
		return fmt.Errorf("%w: processor %v has %d pending payloads", ErrFull, remote, len(b.fifo))
	}
	b.fifo = append(b.fifo, payload)
	lb.mu.Unlock()

	select {
	case b.pending <- struct{}{}:
	default:
		// Already raised, the handler will see this payload too.
	}

	if lb.l.Level >= logrus.TraceLevel {
		lb.l.WithField("proc", remote).WithField("payload", payload).Trace("Mailbox send")
	}
	return nil
}

func (lb *Loopback) ClearAndGetPayload(self ProcID) (Payload, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	b, ok := lb.boxes[self]
	if !ok || len(b.fifo) == 0 {
		return 0, false
	}

	last := b.fifo[len(b.fifo)-1]
	b.fifo = b.fifo[:0]
	return last, true
}

func (lb *Loopback) Register(self ProcID, h Handler) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.closed {
		return ErrClosed
	}

	b := lb.getBox(self)
	if b.handler != nil {
		return fmt.Errorf("%w: processor %v", ErrRegistered, self)
	}
	b.handler = h

	lb.wg.Add(1)
	go func() {
		defer lb.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case <-b.pending:
				h()
			}
		}
	}()

	return nil
}

// Close stops all interrupt goroutines and waits for running handlers to
// return. Further sends fail with [ErrClosed].
func (lb *Loopback) Close() error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return nil
	}
	lb.closed = true
	for _, b := range lb.boxes {
		close(b.done)
	}
	lb.mu.Unlock()

	lb.wg.Wait()
	return nil
}
