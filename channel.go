package ipcvq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/cache"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
	"github.com/slackhq/ipcvq/virtqueue"
)

// Handler processes one buffer received on a consumer channel and returns how
// many bytes of it were used, which is reported back to the producer. It runs
// in interrupt context and must not block. b is only valid until it returns.
type Handler func(channel virtqueue.ChannelID, b []byte) uint32

var errStopped = errors.New("stopped")

type channel struct {
	l      *logrus.Logger
	cfg    channelConfig
	region *shmem.Region
	cache  cache.Maintainer
	gate   *regionGate
	vq     *virtqueue.Virtqueue

	// mu guards free. It is taken before the virtqueue gate.
	mu   sync.Mutex
	free []shmem.PhysAddr

	handler atomic.Pointer[Handler]
}

func newChannel(l *logrus.Logger, cfg channelConfig, region *shmem.Region, c cache.Maintainer, gate *regionGate) *channel {
	ch := &channel{
		l:      l,
		cfg:    cfg,
		region: region,
		cache:  c,
		gate:   gate,
	}

	if cfg.role == roleProducer {
		ch.free = make([]shmem.PhysAddr, 0, cfg.layout.Capacity)
		for i := cfg.layout.Capacity - 1; i >= 0; i-- {
			ch.free = append(ch.free, cfg.buffers+shmem.PhysAddr(i)*shmem.PhysAddr(cfg.bufferSize))
		}
	}

	return ch
}

// callback returns the interrupt callback for the channel's role.
func (ch *channel) callback() virtqueue.Callback {
	var cb virtqueue.Callback
	switch ch.cfg.role {
	case roleProducer:
		cb = func(*virtqueue.Virtqueue) { ch.reclaim() }
	default:
		cb = ch.drain
	}

	return func(vq *virtqueue.Virtqueue) {
		if !ch.gate.enter() {
			return
		}
		defer ch.gate.exit()

		defer func() {
			if r := recover(); r != nil {
				ch.l.WithField("channel", ch.cfg.id).
					WithField("remoteProc", ch.cfg.remote).
					WithField("panic", r).
					Error("Shared ring is corrupt, the channel can not continue")
				panic(r)
			}
		}()
		cb(vq)
	}
}

// reclaim moves every buffer the peer completed back to the free list.
func (ch *channel) reclaim() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reclaimLocked()
}

func (ch *channel) reclaimLocked() int {
	n := 0
	for {
		addr, ok := ch.vq.ReclaimCompleted()
		if !ok {
			break
		}
		ch.free = append(ch.free, addr)
		n++
	}

	if n > 0 && ch.l.Level >= logrus.TraceLevel {
		ch.l.WithField("channel", ch.cfg.id).WithField("reclaimed", n).Trace("Reclaimed buffers")
	}
	return n
}

// send copies b into a free buffer and offers it to the peer.
func (ch *channel) send(b []byte) error {
	if ch.cfg.role != roleProducer {
		return fmt.Errorf("channel %d is a %v channel and can not send", ch.cfg.id, ch.cfg.role)
	}
	if len(b) > int(ch.cfg.bufferSize) {
		return fmt.Errorf("message of %d bytes does not fit the %d byte buffers of channel %d", len(b), ch.cfg.bufferSize, ch.cfg.id)
	}

	if !ch.gate.enter() {
		return errStopped
	}
	defer ch.gate.exit()

	ch.mu.Lock()
	if len(ch.free) == 0 {
		ch.reclaimLocked()
	}
	if len(ch.free) == 0 {
		ch.mu.Unlock()
		return fmt.Errorf("%w: channel %d has no free buffer", virtqueue.ErrCapacityExceeded, ch.cfg.id)
	}

	addr := ch.free[len(ch.free)-1]
	ch.free = ch.free[:len(ch.free)-1]

	err := ch.fill(addr, b)
	if err == nil {
		err = ch.vq.OfferBuffer(addr, uint32(len(b)))
	}
	if err != nil {
		ch.free = append(ch.free, addr)
		ch.mu.Unlock()
		return err
	}
	ch.mu.Unlock()

	return ch.notify()
}

// notify kicks the peer. A full mailbox means the peer already has an
// interrupt pending, which sweeps every channel, so that is not an error.
func (ch *channel) notify() error {
	err := ch.vq.Notify()
	if errors.Is(err, mailbox.ErrFull) {
		if ch.l.Level >= logrus.DebugLevel {
			ch.l.WithField("channel", ch.cfg.id).WithField("remoteProc", ch.cfg.remote).Debug("Peer mailbox is full, interrupt already pending")
		}
		return nil
	}
	return err
}

func (ch *channel) fill(addr shmem.PhysAddr, b []byte) error {
	dst, err := ch.region.Bytes(addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	ch.cache.WriteBack(dst)
	return nil
}

// drain hands every offered buffer to the handler, completes it and kicks the
// peer once if anything was completed.
func (ch *channel) drain(vq *virtqueue.Virtqueue) {
	completed := 0
	for {
		b, ok := vq.TakeOffered()
		if !ok {
			break
		}

		if err := vq.CompleteBuffer(b.Index, ch.deliver(b)); err != nil {
			ch.l.WithError(err).WithField("channel", ch.cfg.id).Error("Failed to complete buffer")
			continue
		}
		completed++
	}

	if completed == 0 {
		return
	}

	if err := ch.notify(); err != nil {
		ch.l.WithError(err).
			WithField("channel", ch.cfg.id).
			WithField("remoteProc", ch.cfg.remote).
			Warn("Failed to notify peer of completed buffers")
	}
}

func (ch *channel) deliver(b virtqueue.Buffer) uint32 {
	data, err := ch.region.Bytes(b.Addr, int(b.Len))
	if err != nil {
		ch.l.WithError(err).
			WithField("channel", ch.cfg.id).
			WithField("addr", b.Addr).
			WithField("len", b.Len).
			Error("Peer offered a buffer outside of the shared region")
		return 0
	}
	ch.cache.Invalidate(data)

	h := ch.handler.Load()
	if h == nil {
		if ch.l.Level >= logrus.DebugLevel {
			ch.l.WithField("channel", ch.cfg.id).WithField("len", b.Len).Debug("Received buffer")
		}
		return b.Len
	}

	return min((*h)(ch.cfg.id, data), b.Len)
}
