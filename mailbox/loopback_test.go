package mailbox

import (
	"testing"
	"time"

	"github.com/slackhq/ipcvq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopback_Deliver(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 0)
	t.Cleanup(func() { assert.NoError(t, lb.Close()) })

	got := make(chan Payload, 8)
	require.NoError(t, lb.Register(1, func() {
		if p, ok := lb.ClearAndGetPayload(1); ok {
			got <- p
		}
	}))

	require.NoError(t, lb.Send(1, 42))

	select {
	case p := <-got:
		assert.EqualValues(t, 42, p)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestLoopback_ClearReturnsLast(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 4)
	t.Cleanup(func() { assert.NoError(t, lb.Close()) })

	_, ok := lb.ClearAndGetPayload(3)
	assert.False(t, ok)

	// No handler yet, payloads queue up like in a hardware FIFO.
	require.NoError(t, lb.Send(3, 1))
	require.NoError(t, lb.Send(3, 2))
	require.NoError(t, lb.Send(3, 3))

	p, ok := lb.ClearAndGetPayload(3)
	assert.True(t, ok)
	assert.EqualValues(t, 3, p)

	_, ok = lb.ClearAndGetPayload(3)
	assert.False(t, ok)
}

func TestLoopback_Full(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 2)
	t.Cleanup(func() { assert.NoError(t, lb.Close()) })

	require.NoError(t, lb.Send(5, 1))
	require.NoError(t, lb.Send(5, 2))
	assert.ErrorIs(t, lb.Send(5, 3), ErrFull)

	_, ok := lb.ClearAndGetPayload(5)
	require.True(t, ok)
	assert.NoError(t, lb.Send(5, 3))
}

func TestLoopback_Register(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 0)

	require.NoError(t, lb.Register(1, func() {}))
	assert.ErrorIs(t, lb.Register(1, func() {}), ErrRegistered)

	require.NoError(t, lb.Close())
	assert.ErrorIs(t, lb.Register(2, func() {}), ErrClosed)
	assert.ErrorIs(t, lb.Send(1, 1), ErrClosed)
	assert.NoError(t, lb.Close())
}

func TestLoopback_PendingBeforeRegister(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 0)
	t.Cleanup(func() { assert.NoError(t, lb.Close()) })

	require.NoError(t, lb.Send(7, 99))

	got := make(chan Payload, 1)
	require.NoError(t, lb.Register(7, func() {
		p, _ := lb.ClearAndGetPayload(7)
		got <- p
	}))

	select {
	case p := <-got:
		assert.EqualValues(t, 99, p)
	case <-time.After(5 * time.Second):
		t.Fatal("pending interrupt was lost")
	}
}
