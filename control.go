package ipcvq

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
	"github.com/slackhq/ipcvq/virtqueue"
)

// Control is the handle to a running core returned by Main.
type Control struct {
	l          *logrus.Logger
	proc       mailbox.ProcID
	region     *shmem.Region
	registry   *virtqueue.Registry
	channels   map[virtqueue.ChannelID]*channel
	cancel     context.CancelFunc
	statsStart func()
	gate       *regionGate

	// closers are released in reverse order on Stop.
	closers  []io.Closer
	stopOnce sync.Once
}

// ChannelInfo describes a configured channel.
type ChannelInfo struct {
	ID         virtqueue.ChannelID `json:"id"`
	RemoteProc mailbox.ProcID      `json:"remoteProc"`
	Role       string              `json:"role"`
	RingBase   shmem.PhysAddr      `json:"ringBase"`
	Capacity   int                 `json:"capacity"`
	State      virtqueue.State     `json:"state"`
}

// Start attaches this core to its interrupt line, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	if err := c.registry.Attach(c.proc); err != nil {
		return fmt.Errorf("attach processor %v to the mailbox: %w", c.proc, err)
	}

	if c.statsStart != nil {
		go c.statsStart()
	}

	// The peer may have offered or completed buffers before we were listening.
	// This sweep waits for any the mailbox already started.
	c.registry.OnInterrupt(0, false)

	c.l.WithField("proc", c.proc).WithField("channels", len(c.channels)).Info("Started")
	return nil
}

// Stop detaches from the mailbox and unmaps the shared region, returns after the shutdown is complete
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.gate.close()

		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i].Close(); err != nil {
				c.l.WithError(err).Error("Shutdown step failed")
			}
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Send copies b into a free buffer of the producer channel id and offers it to
// the peer. It returns an error wrapping virtqueue.ErrCapacityExceeded when
// every buffer is still with the peer.
func (c *Control) Send(id virtqueue.ChannelID, b []byte) error {
	ch, err := c.channel(id)
	if err != nil {
		return err
	}
	return ch.send(b)
}

// Handle installs h as the handler for buffers received on the consumer
// channel id. A nil h restores the default, which logs and completes every
// buffer with its full length.
func (c *Control) Handle(id virtqueue.ChannelID, h Handler) error {
	ch, err := c.channel(id)
	if err != nil {
		return err
	}
	if ch.cfg.role != roleConsumer {
		return fmt.Errorf("channel %d is a %v channel and can not receive", id, ch.cfg.role)
	}

	if h == nil {
		ch.handler.Store(nil)
	} else {
		ch.handler.Store(&h)
	}
	return nil
}

// ChannelState returns a snapshot of channel id. It fails once Stop has
// unmapped the shared region.
func (c *Control) ChannelState(id virtqueue.ChannelID) (virtqueue.State, error) {
	ch, err := c.channel(id)
	if err != nil {
		return virtqueue.State{}, err
	}
	if !c.gate.enter() {
		return virtqueue.State{}, errStopped
	}
	defer c.gate.exit()
	return ch.vq.DebugState(), nil
}

// ListChannels returns details about every configured channel ordered by id
func (c *Control) ListChannels() []ChannelInfo {
	if !c.gate.enter() {
		return nil
	}
	defer c.gate.exit()

	infos := make([]ChannelInfo, 0, len(c.channels))
	for _, ch := range c.channels {
		infos = append(infos, ChannelInfo{
			ID:         ch.cfg.id,
			RemoteProc: ch.cfg.remote,
			Role:       ch.cfg.role.String(),
			RingBase:   ch.cfg.ring.Base,
			Capacity:   ch.cfg.layout.Capacity,
			State:      ch.vq.DebugState(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (c *Control) channel(id virtqueue.ChannelID) (*channel, error) {
	ch, ok := c.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: channel %d is not configured", virtqueue.ErrInvalidChannel, id)
	}
	return ch, nil
}

// regionGate keeps the shared region mapped while interrupt callbacks and
// senders use it. Entering is reentrant so a handler may send.
type regionGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	closed bool
}

func newRegionGate() *regionGate {
	g := &regionGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *regionGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active++
	return true
}

func (g *regionGate) exit() {
	g.mu.Lock()
	g.active--
	if g.active == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// close waits for everyone inside to leave. Later enters fail.
func (g *regionGate) close() {
	g.mu.Lock()
	g.closed = true
	for g.active > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
