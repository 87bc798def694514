package cache

import (
	"os"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ipcvq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIsNone(t *testing.T) {
	assert.True(t, IsNone(nil))
	assert.True(t, IsNone(None{}))
	assert.True(t, IsNone(&None{}))
	assert.True(t, IsNone(NewMetered(None{}, metrics.NewRegistry())))
	assert.False(t, IsNone(&Recorder{}))
	assert.False(t, IsNone(NewMetered(&Recorder{}, metrics.NewRegistry())))
}

func TestRecorder(t *testing.T) {
	mem := make([]byte, 64)
	r := &Recorder{}

	r.WriteBack(mem[4:8])
	r.Invalidate(mem[16:32])

	assert.True(t, r.Saw(OpWriteBack, mem[4:8]))
	assert.False(t, r.Saw(OpWriteBack, mem[4:9]))
	assert.False(t, r.Saw(OpInvalidate, mem[4:8]))
	assert.True(t, r.Saw(OpInvalidate, mem[16:32]))
	assert.Equal(t, 4, r.Bytes(OpWriteBack))
	assert.Equal(t, 16, r.Bytes(OpInvalidate))
	assert.Len(t, r.Ops(), 2)

	r.Reset()
	assert.Empty(t, r.Ops())
}

func TestMetered(t *testing.T) {
	reg := metrics.NewRegistry()
	rec := &Recorder{}
	m := NewMetered(rec, reg)

	mem := make([]byte, 32)
	m.WriteBack(mem[:8])
	m.WriteBack(mem[8:10])
	m.Invalidate(mem[:4])

	assert.EqualValues(t, 2, reg.Get("cache.writeback.ops").(metrics.Counter).Count())
	assert.EqualValues(t, 10, reg.Get("cache.writeback.bytes").(metrics.Counter).Count())
	assert.EqualValues(t, 1, reg.Get("cache.invalidate.ops").(metrics.Counter).Count())
	assert.EqualValues(t, 4, reg.Get("cache.invalidate.bytes").(metrics.Counter).Count())
	assert.True(t, rec.Saw(OpWriteBack, mem[8:10]))
}

func TestMsync_Pages(t *testing.T) {
	page := os.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 4*page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, unix.Munmap(mem)) })

	c := NewMsync(test.NewLogger(), mem)

	pages, ok := c.pages(mem[page+10 : page+20])
	require.True(t, ok)
	assert.Len(t, pages, page)
	assert.Equal(t, &mem[page], &pages[0])

	pages, ok = c.pages(mem[page-2 : page+2])
	require.True(t, ok)
	assert.Len(t, pages, 2*page)

	_, ok = c.pages(nil)
	assert.False(t, ok)
	_, ok = c.pages(make([]byte, 8))
	assert.False(t, ok)

	// Must not fail on a shared mapping.
	c.WriteBack(mem[10:20])
	c.Invalidate(mem[10:20])
	assert.EqualValues(t, 0, c.errors.Count())
}
