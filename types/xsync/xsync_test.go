package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	select {
	case <-l.WaitChan():
		t.Fatal("latch triggered before Trigger")
	default:
	}

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	l.Trigger()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
	assert.True(t, l.Test())

	// Trigger is idempotent.
	l.Trigger()
	assert.True(t, l.Test())
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Store("a", 2)
	v, _ = m.Load("a")
	assert.Equal(t, 2, v)

	m.Store("b", 3)
	m.Clear()
	_, ok = m.Load("a")
	assert.False(t, ok)
	_, ok = m.Load("b")
	assert.False(t, ok)
}
