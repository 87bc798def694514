// Package virtqueue implements split-ring virtqueues shared between two
// processor cores that have no cache coherency and no shared atomics.
//
// One [Ring] lives at a physical address both cores agree on. The offering
// side owns the available ring and the descriptor table, the completing side
// owns the completed ring. Neither side ever writes a field the other owns,
// which is the only synchronization across the core boundary. Each core keeps
// its own [Virtqueue] instance on top of the ring, with a local gate that
// serializes task level callers against the interrupt dispatcher.
//
// Buffers move through four operations: [Virtqueue.OfferBuffer],
// [Virtqueue.TakeOffered], [Virtqueue.CompleteBuffer] and
// [Virtqueue.ReclaimCompleted]. Peers are kicked with [Virtqueue.Notify] and
// every channel sharing an interrupt line is serviced by
// [Registry.OnInterrupt].
package virtqueue
