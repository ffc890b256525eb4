// Package xsync implements the synchronization tools used by the computation client.
package xsync

import "sync"

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
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

// Trigger latch. It returns false if the latch had already been triggered.
func (l *Latch) Trigger() bool {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		return false
	}
	close(l.wait)
	return true
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// LatchWithValue implements a "latch" synchronization mechanism, with a value associated with the
// triggering of the latch.
//
// Only the first Trigger sets the value. Later calls are discarded and return false, which is how handles
// detect a second population attempt.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		latch: NewLatch(),
	}
}

// Trigger latch and saves the associated value. It returns false if the latch had already been triggered,
// in which case value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()

	if l.latch.Test() {
		return false
	}
	l.value = value
	close(l.latch.wait)
	return true
}

// Wait waits for the latch to be triggered.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}
