package ipcvq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionGate(t *testing.T) {
	g := newRegionGate()

	require.True(t, g.enter())
	// Reentrant, a handler may send while its callback is inside.
	require.True(t, g.enter())
	g.exit()

	closed := make(chan struct{})
	go func() {
		g.close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while the gate was in use")
	case <-time.After(50 * time.Millisecond):
	}

	g.exit()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close never returned")
	}

	assert.False(t, g.enter())
}
