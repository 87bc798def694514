package virtqueue

import (
	"fmt"

	"github.com/slackhq/ipcvq/mailbox"
)

// Notify kicks the peer of the channel, carrying the channel id as payload,
// unless the suppress bit in the available ring header is set.
//
// The available ring header is only ever written by the offering side, which
// is also the side calling Notify after an offer. The completing side signals
// that it is polling in the completed ring header instead, see
// [Virtqueue.TakeOffered]. So in practice the bit read here is never set by
// the peer and every offer results in a kick.
func (vq *Virtqueue) Notify() error {
	avail := vq.ring.available
	vq.cache.Invalidate(avail.headerBytes())

	if avail.flags()&availableRingFlagNoInterrupt != 0 {
		vq.metrics.kicksSuppressed.Inc(1)
		return nil
	}

	vq.metrics.kicks.Inc(1)
	if err := vq.mbox.Send(vq.remote, mailbox.Payload(vq.id)); err != nil {
		return fmt.Errorf("kick processor %v for channel %d: %w", vq.remote, vq.id, err)
	}
	return nil
}
