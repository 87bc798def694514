package mailbox

import (
	"testing"
	"time"

	"github.com/slackhq/ipcvq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_Deliver(t *testing.T) {
	dir := t.TempDir()
	l := test.NewLogger()

	// Two instances stand in for two processes sharing the directory.
	host, err := NewFIFO(l, dir)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, host.Close()) })

	dsp, err := NewFIFO(l, dir)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, dsp.Close()) })

	got := make(chan Payload, 8)
	require.NoError(t, dsp.Register(2, func() {
		if p, ok := dsp.ClearAndGetPayload(2); ok {
			got <- p
		}
	}))

	require.NoError(t, host.Send(2, 0x1234))

	select {
	case p := <-got:
		assert.EqualValues(t, 0x1234, p)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestFIFO_ClearReturnsLast(t *testing.T) {
	f, err := NewFIFO(test.NewLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, f.Close()) })

	block := make(chan struct{})
	require.NoError(t, f.Register(1, func() { <-block }))

	require.NoError(t, f.Send(1, 10))
	require.NoError(t, f.Send(1, 11))
	require.NoError(t, f.Send(1, 12))

	p, ok := f.ClearAndGetPayload(1)
	assert.True(t, ok)
	assert.EqualValues(t, 12, p)

	_, ok = f.ClearAndGetPayload(1)
	assert.False(t, ok)
	close(block)
}

func TestFIFO_Errors(t *testing.T) {
	f, err := NewFIFO(test.NewLogger(), t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, f.Send(9, 1), ErrUnknownProc)

	_, ok := f.ClearAndGetPayload(9)
	assert.False(t, ok)

	require.NoError(t, f.Register(1, func() { f.ClearAndGetPayload(1) }))
	assert.ErrorIs(t, f.Register(1, func() {}), ErrRegistered)

	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Send(1, 1), ErrClosed)
	assert.ErrorIs(t, f.Register(2, func() {}), ErrClosed)
	assert.NoError(t, f.Close())
}
