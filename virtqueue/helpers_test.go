package virtqueue

import (
	"sync"
	"testing"

	"github.com/slackhq/ipcvq/cache"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
	"github.com/slackhq/ipcvq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRegionBase = shmem.PhysAddr(0x9cf00000)
	testRegionSize = 1 << 20
)

type kick struct {
	to      mailbox.ProcID
	payload mailbox.Payload
}

// recordingMailbox remembers every kick and never delivers anything.
type recordingMailbox struct {
	mu    sync.Mutex
	kicks []kick
	err   error
}

func (m *recordingMailbox) Send(remote mailbox.ProcID, payload mailbox.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.kicks = append(m.kicks, kick{to: remote, payload: payload})
	return nil
}

func (m *recordingMailbox) ClearAndGetPayload(mailbox.ProcID) (mailbox.Payload, bool) {
	return 0, false
}

func (m *recordingMailbox) Register(mailbox.ProcID, mailbox.Handler) error {
	return nil
}

func (m *recordingMailbox) sent() []kick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kick(nil), m.kicks...)
}

func newTestRegion(t testing.TB) *shmem.Region {
	t.Helper()
	r, err := shmem.Anonymous(shmem.Options{Base: testRegionBase, Size: testRegionSize})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func newTestRing(t testing.TB, region *shmem.Region, capacity int) *Ring {
	t.Helper()
	ring, err := NewRingInRegion(region, RingConfig{Base: testRegionBase, Capacity: capacity})
	require.NoError(t, err)
	return ring
}

// pair is one channel seen from both cores: the producer offers and
// reclaims, the consumer takes and completes.
type pair struct {
	region   *shmem.Region
	producer *Virtqueue
	consumer *Virtqueue
	mbox     *recordingMailbox
}

func newPair(t testing.TB, capacity int, c cache.Maintainer) *pair {
	t.Helper()
	region := newTestRegion(t)
	mb := &recordingMailbox{}
	l := test.NewLogger()

	pr, err := NewRegistry(l, MinRegistrySize, mb, c)
	require.NoError(t, err)
	cr, err := NewRegistry(l, MinRegistrySize, mb, c)
	require.NoError(t, err)

	// Each core maps the ring on its own, like two processors would.
	pring := newTestRing(t, region, capacity)
	pring.Zero()
	cring := newTestRing(t, region, capacity)

	producer, err := pr.CreateChannel(0, 2, pring, nil)
	require.NoError(t, err)
	consumer, err := cr.CreateChannel(0, 1, cring, nil)
	require.NoError(t, err)

	return &pair{region: region, producer: producer, consumer: consumer, mbox: mb}
}
