package virtqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a buffer is offered while every
	// slot of the ring is already in use. Nothing is written to the ring.
	ErrCapacityExceeded = errors.New("no free buffer slots, ring is full")

	// ErrInvalidChannel is returned when a channel can not be created because
	// its id or ring is unusable. Nothing is registered.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrInvalidDescriptor is returned when a local caller names a descriptor
	// that does not exist.
	ErrInvalidDescriptor = errors.New("invalid descriptor index")

	// ErrUnexpectedPeerState is wrapped by [PeerStateError].
	ErrUnexpectedPeerState = errors.New("unexpected peer state")
)

// PeerStateError describes ring contents that can only be explained by
// corrupted shared memory or a layout mismatch between the cores. It is never
// returned, only used as a panic value: continuing would desynchronize the
// index arithmetic of the channel.
type PeerStateError struct {
	Channel ChannelID
	// Ring is the ring the bad value was read from.
	Ring string
	// Index is the free running ring index that was read.
	Index uint16
	// Value is the offending value.
	Value    uint32
	Capacity int
	Reason   string
}

func (e *PeerStateError) Error() string {
	return fmt.Sprintf("%s: channel %d %s ring index %d: %s (value %d, capacity %d)",
		ErrUnexpectedPeerState, e.Channel, e.Ring, e.Index, e.Reason, e.Value, e.Capacity)
}

func (e *PeerStateError) Unwrap() error {
	return ErrUnexpectedPeerState
}
