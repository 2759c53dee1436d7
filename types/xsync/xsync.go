// Package xsync holds the synchronization helpers the session layer builds on.
package xsync

import "sync"

// Latch is a one-shot broadcast signal: goroutines wait on it until it is
// triggered, and once triggered it stays triggered.
//
// The session uses a Latch to mark the completion of a debug round's run.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger releases everyone waiting on the latch. Triggering an already
// triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch triggers, for use
// in select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// SyncMap wraps sync.Map with typed keys and values. Like sync.Map it is
// ready to use from its zero value and must not be copied after first use.
//
// The session keys its variable state by node name in a SyncMap, so device
// workers can read and write it without holding the session lock.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored for key, or the zero value and ok == false if
// the key is absent.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// Clear removes all entries.
func (m *SyncMap[K, V]) Clear() {
	m.Map.Clear()
}
