package central

import "sync/atomic"

// ringChannel is a bounded channel-like buffer with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is discarded. The event path uses it so a slow observer can
// never stall event application.
type ringChannel[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range
// over it until Close.
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered one if needed.
// It never blocks indefinitely.
func (rc *ringChannel[T]) Send(v T) {
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.dropped.Add(1)
		default:
		}
		rc.ch <- v
	}
}

// Len returns the number of buffered elements
func (rc *ringChannel[T]) Len() int {
	return len(rc.ch)
}

// Dropped returns how many elements were discarded to make room
func (rc *ringChannel[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Close closes the underlying channel. Send after Close panics.
func (rc *ringChannel[T]) Close() {
	close(rc.ch)
}
