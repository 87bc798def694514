package virtqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slackhq/ipcvq/cache"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
	"github.com/slackhq/ipcvq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	l := test.NewLogger()

	_, err := NewRegistry(l, 1, &recordingMailbox{}, nil)
	assert.ErrorContains(t, err, "at least 2")

	_, err = NewRegistry(l, 2, nil, nil)
	assert.Error(t, err)

	r, err := NewRegistry(l, 4, &recordingMailbox{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Len())
	assert.Nil(t, r.Channel(0))
	assert.Nil(t, r.Channel(9))
}

func TestRegistry_CreateChannel(t *testing.T) {
	l := test.NewLogger()
	region := newTestRegion(t)

	ringAt := func(t *testing.T, base shmem.PhysAddr, cached bool) *Ring {
		size, err := RingSize(4, 0)
		require.NoError(t, err)
		mem, err := region.Bytes(testRegionBase, size)
		require.NoError(t, err)
		ring, err := NewRing(mem, RingConfig{Base: base, Capacity: 4, Cached: cached})
		require.NoError(t, err)
		return ring
	}

	tests := []struct {
		name        string
		cache       cache.Maintainer
		setup       func(t *testing.T, r *Registry)
		id          ChannelID
		ring        func(t *testing.T) *Ring
		containsErr string
	}{
		{
			name:        "nil ring",
			ring:        func(*testing.T) *Ring { return nil },
			containsErr: "no ring",
		},
		{
			name:        "zero base",
			ring:        func(t *testing.T) *Ring { return ringAt(t, 0, false) },
			containsErr: "zero",
		},
		{
			name:        "unaligned base",
			ring:        func(t *testing.T) *Ring { return ringAt(t, testRegionBase+4, false) },
			containsErr: "aligned",
		},
		{
			name:        "cached without maintenance",
			ring:        func(t *testing.T) *Ring { return ringAt(t, testRegionBase, true) },
			containsErr: "cached memory",
		},
		{
			name:        "id out of range",
			id:          2,
			ring:        func(t *testing.T) *Ring { return ringAt(t, testRegionBase, false) },
			containsErr: "out of range",
		},
		{
			name: "occupied",
			setup: func(t *testing.T, r *Registry) {
				_, err := r.CreateChannel(0, 1, ringAt(t, testRegionBase+0x2000, false), nil)
				require.NoError(t, err)
			},
			ring:        func(t *testing.T) *Ring { return ringAt(t, testRegionBase, false) },
			containsErr: "already exists",
		},
		{
			name:  "cached with maintenance",
			cache: &cache.Recorder{},
			ring:  func(t *testing.T) *Ring { return ringAt(t, testRegionBase, true) },
		},
		{
			name: "valid",
			id:   1,
			ring: func(t *testing.T) *Ring { return ringAt(t, testRegionBase, false) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistry(l, 2, &recordingMailbox{}, tt.cache)
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(t, r)
			}
			before := r.Channel(tt.id)

			vq, err := r.CreateChannel(tt.id, 7, tt.ring(t), nil)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrInvalidChannel)
				assert.ErrorContains(t, err, tt.containsErr)
				assert.Nil(t, vq)
				assert.Equal(t, before, r.Channel(tt.id))
				return
			}

			require.NoError(t, err)
			assert.Same(t, vq, r.Channel(tt.id))
			assert.Equal(t, tt.id, vq.ID())
			assert.Equal(t, mailbox.ProcID(7), vq.RemoteProc())
			assert.Equal(t, 4, vq.Capacity())
			assert.Equal(t, 4, vq.FreeCount())
		})
	}
}

func TestRegistry_CreateChannelSameRing(t *testing.T) {
	region := newTestRegion(t)
	ring := newTestRing(t, region, 4)

	r, err := NewRegistry(test.NewLogger(), 2, &recordingMailbox{}, nil)
	require.NoError(t, err)

	_, err = r.CreateChannel(0, 1, ring, nil)
	require.NoError(t, err)
	_, err = r.CreateChannel(1, 1, ring, nil)
	assert.ErrorIs(t, err, ErrInvalidChannel)
	assert.ErrorContains(t, err, "already used by channel 0")
	assert.Nil(t, r.Channel(1))
}

func TestRegistry_OnInterruptSweepsAllChannels(t *testing.T) {
	region := newTestRegion(t)
	r, err := NewRegistry(test.NewLogger(), 4, &recordingMailbox{}, nil)
	require.NoError(t, err)

	calls := map[ChannelID]int{}
	cb := func(vq *Virtqueue) { calls[vq.ID()]++ }

	for i, id := range []ChannelID{0, 2} {
		ring, err := NewRingInRegion(region, RingConfig{Base: testRegionBase + shmem.PhysAddr(i*0x4000), Capacity: 4})
		require.NoError(t, err)
		_, err = r.CreateChannel(id, 1, ring, cb)
		require.NoError(t, err)
	}
	ring, err := NewRingInRegion(region, RingConfig{Base: testRegionBase + 0x8000, Capacity: 4})
	require.NoError(t, err)
	_, err = r.CreateChannel(3, 1, ring, nil)
	require.NoError(t, err)

	// The payload names channel 2 but every channel is looked at.
	r.OnInterrupt(2, true)
	assert.Equal(t, map[ChannelID]int{0: 1, 2: 1}, calls)

	r.OnInterrupt(0, false)
	assert.Equal(t, map[ChannelID]int{0: 2, 2: 2}, calls)
}

func TestRegistry_OnInterruptNeverOverlaps(t *testing.T) {
	region := newTestRegion(t)
	r, err := NewRegistry(test.NewLogger(), 2, &recordingMailbox{}, nil)
	require.NoError(t, err)

	var inside, most atomic.Int32
	cb := func(*Virtqueue) {
		n := inside.Add(1)
		for {
			m := most.Load()
			if n <= m || most.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inside.Add(-1)
	}

	_, err = r.CreateChannel(0, 1, newTestRing(t, region, 4), cb)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnInterrupt(mailbox.Payload(i), true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), most.Load())
}

// TestRegistry_Loopback runs a producer core and a consumer core in one
// process, kicking each other through a loopback mailbox.
func TestRegistry_Loopback(t *testing.T) {
	const (
		producerProc = mailbox.ProcID(1)
		consumerProc = mailbox.ProcID(2)
		buffers      = 64
	)

	l := test.NewLogger()
	region := newTestRegion(t)
	mb := mailbox.NewLoopback(l, 0)
	t.Cleanup(func() { assert.NoError(t, mb.Close()) })

	pr, err := NewRegistry(l, 2, mb, nil)
	require.NoError(t, err)
	cr, err := NewRegistry(l, 2, mb, nil)
	require.NoError(t, err)

	pring := newTestRing(t, region, 8)
	pring.Zero()
	cring := newTestRing(t, region, 8)

	var (
		mu        sync.Mutex
		reclaimed []uint32
		done      = make(chan struct{})
		taken     atomic.Int32
	)

	producer, err := pr.CreateChannel(0, consumerProc, pring, func(vq *Virtqueue) {
		for {
			_, n, ok := vq.ReclaimCompletedLen()
			if !ok {
				return
			}
			mu.Lock()
			reclaimed = append(reclaimed, n)
			if len(reclaimed) == buffers {
				close(done)
			}
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	_, err = cr.CreateChannel(0, producerProc, cring, func(vq *Virtqueue) {
		completed := false
		for {
			b, ok := vq.TakeOffered()
			if !ok {
				break
			}
			taken.Add(1)
			assert.NoError(t, vq.CompleteBuffer(b.Index, b.Len+1))
			completed = true
		}
		if completed {
			// A full mailbox means an interrupt is already pending.
			if err := vq.Notify(); err != nil {
				assert.ErrorIs(t, err, mailbox.ErrFull)
			}
		}
	})
	require.NoError(t, err)

	require.NoError(t, pr.Attach(producerProc))
	require.NoError(t, cr.Attach(consumerProc))

	for i := 0; i < buffers; {
		err := producer.OfferBuffer(testRegionBase+shmem.PhysAddr(0x10000+i*16), uint32(i))
		if err != nil {
			require.ErrorIs(t, err, ErrCapacityExceeded)
			time.Sleep(time.Millisecond)
			continue
		}
		for {
			err = producer.Notify()
			if err == nil {
				break
			}
			require.ErrorIs(t, err, mailbox.ErrFull)
			time.Sleep(time.Millisecond)
		}
		i++
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("only %d of %d buffers came back", producer.DebugState().LastCompletedSeen, buffers)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range reclaimed {
		assert.Equal(t, uint32(i+1), n)
	}
	assert.EqualValues(t, buffers, taken.Load())
	assert.Equal(t, 8, producer.FreeCount())
}
