package virtqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/cache"
	"github.com/slackhq/ipcvq/mailbox"
)

// MinRegistrySize is the smallest number of channels on one interrupt line,
// one per direction.
const MinRegistrySize = 2

// Registry maps the channel ids sharing one interrupt line to their
// [Virtqueue]. Slots are filled once and never emptied.
type Registry struct {
	l     *logrus.Logger
	mbox  mailbox.Mailbox
	cache cache.Maintainer

	mu    sync.RWMutex
	slots []*Virtqueue

	// dispatch serializes sweeps. Callbacks drain and complete in ring order,
	// which only holds while one sweep runs at a time.
	dispatch sync.Mutex

	dispatches metrics.Counter
	empty      metrics.Counter
}

// NewRegistry returns a registry with size slots. Channels created in it kick
// their peers through mbox and maintain their rings with c; a nil c means the
// rings are uncached.
func NewRegistry(l *logrus.Logger, size int, mbox mailbox.Mailbox, c cache.Maintainer) (*Registry, error) {
	if size < MinRegistrySize {
		return nil, fmt.Errorf("registry needs at least %d slots, got %d", MinRegistrySize, size)
	}
	if mbox == nil {
		return nil, errors.New("registry needs a mailbox")
	}
	if c == nil {
		c = cache.None{}
	}

	return &Registry{
		l:          l,
		mbox:       mbox,
		cache:      c,
		slots:      make([]*Virtqueue, size),
		dispatches: metrics.GetOrRegisterCounter("interrupt.dispatch", nil),
		empty:      metrics.GetOrRegisterCounter("interrupt.empty", nil),
	}, nil
}

// Len returns the number of slots.
func (r *Registry) Len() int {
	return len(r.slots)
}

// CreateChannel creates the local [Virtqueue] for channel id on top of ring and
// registers it. The ring is not modified. On error nothing is registered.
func (r *Registry) CreateChannel(id ChannelID, remote mailbox.ProcID, ring *Ring, cb Callback) (*Virtqueue, error) {
	if ring == nil {
		return nil, fmt.Errorf("%w: channel %d has no ring", ErrInvalidChannel, id)
	}
	if ring.Base() == 0 {
		return nil, fmt.Errorf("%w: channel %d ring base address is zero", ErrInvalidChannel, id)
	}
	if ring.Base()%descriptorTableAlignment != 0 {
		return nil, fmt.Errorf("%w: channel %d ring base address %v is not %d byte aligned",
			ErrInvalidChannel, id, ring.Base(), descriptorTableAlignment)
	}
	if ring.Cached() && cache.IsNone(r.cache) {
		return nil, fmt.Errorf("%w: channel %d ring at %v is in cached memory without cache maintenance",
			ErrInvalidChannel, id, ring.Base())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) >= len(r.slots) {
		return nil, fmt.Errorf("%w: channel %d is out of range, the interrupt line has %d channels",
			ErrInvalidChannel, id, len(r.slots))
	}
	if r.slots[id] != nil {
		return nil, fmt.Errorf("%w: channel %d already exists", ErrInvalidChannel, id)
	}
	for _, other := range r.slots {
		if other != nil && other.ring == ring {
			return nil, fmt.Errorf("%w: channel %d ring at %v is already used by channel %d",
				ErrInvalidChannel, id, ring.Base(), other.id)
		}
	}

	vq := &Virtqueue{
		l:        r.l,
		id:       id,
		remote:   remote,
		ring:     ring,
		callback: cb,
		mbox:     r.mbox,
		cache:    r.cache,
		free:     uint32(ring.Capacity()),
		metrics:  newVirtqueueMetrics(id),
	}
	vq.metrics.free.Update(int64(vq.free))
	r.slots[id] = vq

	r.l.WithFields(logrus.Fields{
		"channel":    id,
		"remoteProc": remote,
		"ringBase":   ring.Base(),
		"capacity":   ring.Capacity(),
	}).Info("Virtqueue channel created")

	return vq, nil
}

// Channel returns the channel with the given id, or nil.
func (r *Registry) Channel(id ChannelID) *Virtqueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// OnInterrupt services the interrupt line. The payload only ends up in the
// logs: every registered channel's callback runs, because several channels
// share the line and kicks may have been coalesced. Concurrent calls are
// serialized, so a callback never overlaps itself.
func (r *Registry) OnInterrupt(payload mailbox.Payload, ok bool) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	r.dispatches.Inc(1)
	if !ok {
		r.empty.Inc(1)
	}

	if r.l.Level >= logrus.TraceLevel {
		r.l.WithField("payload", payload).WithField("hasPayload", ok).Trace("Interrupt")
	}

	r.mu.RLock()
	slots := append([]*Virtqueue(nil), r.slots...)
	r.mu.RUnlock()

	for _, vq := range slots {
		if vq != nil && vq.callback != nil {
			vq.callback(vq)
		}
	}
}

// Attach registers the interrupt handler of processor self with the mailbox.
// The handler acknowledges the interrupt and then runs [Registry.OnInterrupt].
func (r *Registry) Attach(self mailbox.ProcID) error {
	return r.mbox.Register(self, func() {
		payload, ok := r.mbox.ClearAndGetPayload(self)
		r.OnInterrupt(payload, ok)
	})
}
