package ipcvq

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/slackhq/ipcvq/config"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
	"github.com/slackhq/ipcvq/virtqueue"
)

const defaultBufferSize = 512

type channelRole int

const (
	roleProducer channelRole = iota
	roleConsumer
)

func (r channelRole) String() string {
	switch r {
	case roleProducer:
		return "producer"
	case roleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

type channelConfig struct {
	id     virtqueue.ChannelID
	remote mailbox.ProcID
	role   channelRole
	ring   virtqueue.RingConfig
	layout virtqueue.Layout
	// zero is set on the core that owns the ring and clears it on start.
	zero bool

	// Producer only, capacity buffers of bufferSize bytes each starting at
	// buffers.
	buffers    shmem.PhysAddr
	bufferSize uint32
}

type span struct {
	what  string
	start uint64
	end   uint64
}

// parseChannels reads and validates the channels list against the region and
// the size of the interrupt line.
func parseChannels(c *config.C, rc regionConfig, self mailbox.ProcID, lineSize int) ([]channelConfig, error) {
	raw, err := c.GetMapSlice("channels")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("no channels configured")
	}

	var (
		channels []channelConfig
		spans    []span
		seen     = map[virtqueue.ChannelID]bool{}
	)

	for i, m := range raw {
		cc, err := parseChannel(m, rc)
		if err != nil {
			return nil, fmt.Errorf("channels entry #%d: %w", i, err)
		}

		if int(cc.id) >= lineSize {
			return nil, fmt.Errorf("channels entry #%d: id %d is out of range, interrupt_line.channels is %d", i, cc.id, lineSize)
		}
		if seen[cc.id] {
			return nil, fmt.Errorf("channels entry #%d: channel %d is configured twice", i, cc.id)
		}
		seen[cc.id] = true

		if cc.remote == self {
			return nil, fmt.Errorf("channels entry #%d: remote %v is this processor", i, cc.remote)
		}

		spans = append(spans, span{
			what:  fmt.Sprintf("channel %d ring", cc.id),
			start: uint64(cc.ring.Base),
			end:   uint64(cc.ring.Base) + uint64(cc.layout.Size),
		})
		if cc.role == roleProducer {
			spans = append(spans, span{
				what:  fmt.Sprintf("channel %d buffers", cc.id),
				start: uint64(cc.buffers),
				end:   uint64(cc.buffers) + uint64(cc.layout.Capacity)*uint64(cc.bufferSize),
			})
		}

		channels = append(channels, cc)
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return nil, fmt.Errorf("%s at %#x overlaps %s ending at %#x", spans[i].what, spans[i].start, spans[i-1].what, spans[i-1].end)
		}
	}

	return channels, nil
}

func parseChannel(m map[string]any, rc regionConfig) (channelConfig, error) {
	var cc channelConfig

	id, err := config.ParseUint(m["id"], 16)
	if err != nil {
		return cc, fmt.Errorf("id: %w", err)
	}
	cc.id = virtqueue.ChannelID(id)

	remote, err := config.ParseUint(m["remote"], 16)
	if err != nil {
		return cc, fmt.Errorf("remote: %w", err)
	}
	cc.remote = mailbox.ProcID(remote)

	switch role := strings.ToLower(fmt.Sprintf("%v", m["role"])); role {
	case "producer":
		cc.role = roleProducer
	case "consumer":
		cc.role = roleConsumer
	default:
		return cc, fmt.Errorf("role must be producer or consumer, got %q", role)
	}

	ring, err := config.ParseUint(m["ring"], 32)
	if err != nil {
		return cc, fmt.Errorf("ring: %w", err)
	}

	capacity, err := config.ParseUint(m["capacity"], 32)
	if err != nil {
		return cc, fmt.Errorf("capacity: %w", err)
	}

	align := uint64(virtqueue.DefaultAlign)
	if m["align"] != nil {
		if align, err = config.ParseUint(m["align"], 32); err != nil {
			return cc, fmt.Errorf("align: %w", err)
		}
	}

	cc.ring = virtqueue.RingConfig{
		Base:     shmem.PhysAddr(ring),
		Capacity: int(capacity),
		Align:    int(align),
		Cached:   rc.opts.Cached,
	}
	cc.layout, err = virtqueue.NewLayout(cc.ring.Capacity, cc.ring.Align)
	if err != nil {
		return cc, err
	}

	if cc.ring.Base%16 != 0 {
		return cc, fmt.Errorf("ring %v is not 16 byte aligned", cc.ring.Base)
	}
	if !rc.contains(cc.ring.Base, uint64(cc.layout.Size)) {
		return cc, fmt.Errorf("ring %v+%#x is outside of the shared region", cc.ring.Base, cc.layout.Size)
	}

	if m["zero"] != nil {
		zero, ok := config.AsBool(m["zero"])
		if !ok {
			return cc, fmt.Errorf("zero must be a boolean, got %v", m["zero"])
		}
		cc.zero = zero
	}

	if cc.role != roleProducer {
		return cc, nil
	}

	buffers, err := config.ParseUint(m["buffers"], 32)
	if err != nil {
		return cc, fmt.Errorf("buffers: %w", err)
	}
	cc.buffers = shmem.PhysAddr(buffers)

	cc.bufferSize = defaultBufferSize
	if m["buffer_size"] != nil {
		size, err := config.ParseUint(m["buffer_size"], 32)
		if err != nil {
			return cc, fmt.Errorf("buffer_size: %w", err)
		}
		if size == 0 {
			return cc, errors.New("buffer_size must not be zero")
		}
		cc.bufferSize = uint32(size)
	}

	if !rc.contains(cc.buffers, uint64(cc.layout.Capacity)*uint64(cc.bufferSize)) {
		return cc, fmt.Errorf("buffers %v+%d*%d are outside of the shared region", cc.buffers, cc.layout.Capacity, cc.bufferSize)
	}

	return cc, nil
}
