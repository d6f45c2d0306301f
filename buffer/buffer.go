// Package buffer provides the thread-safe ring buffer that decouples
// advertisement handling from the metrics push loop.
package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe circular buffer. When full, the oldest
// entry is overwritten; the push loop is expected to drain it faster
// than meters advertise.
type RingBuffer[T any] struct {
	mu      sync.RWMutex
	entries []T
	next    int // write position
	size    int
	logger  *zap.Logger
}

// New creates a ring buffer with the given capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	return &RingBuffer[T]{
		entries: make([]T, capacity),
		logger:  logger,
	}
}

// Add inserts an item, overwriting the oldest entry when full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == len(rb.entries) {
		rb.logger.Warn("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", len(rb.entries)))
	} else {
		rb.size++
	}

	rb.entries[rb.next] = item
	rb.next = (rb.next + 1) % len(rb.entries)
}

// GetAllAndClear atomically drains the buffer, returning entries oldest
// first. The returned slice is a copy.
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	var results []T
	if rb.size < len(rb.entries) {
		results = append(results, rb.entries[:rb.size]...)
	} else {
		// Full buffer wraps: the oldest entry sits at the write position
		results = append(results, rb.entries[rb.next:]...)
		results = append(results, rb.entries[:rb.next]...)
	}

	rb.size = 0
	rb.next = 0
	return results
}

// Size returns the current number of entries
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the fixed capacity
func (rb *RingBuffer[T]) Capacity() int {
	return len(rb.entries)
}
