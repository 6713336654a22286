// Package spscring implements a bounded, wait-free single-producer
// single-consumer ring buffer. It is used to stage work between pipeline
// stages (notably the consolidation pipeline's enumerate -> build-MPH
// hop) without taking a lock on either side.
//
// Behaviour with more than one producer or more than one consumer
// goroutine is undefined; this type is not a general MPMC queue.
package spscring

import (
	"sync/atomic"
)

// cacheLinePad is sized so that head and tail (and the batched handle
// cursors) never share a cache line; false sharing between the producer
// and consumer indices would defeat the point of a lock-free ring.
type cacheLinePad [64 - 8]byte

// Ring is a bounded SPSC ring buffer over items of type T. Construct with
// New; zero value is not usable.
type Ring[T any] struct {
	head uint64
	_    cacheLinePad
	tail uint64
	_    cacheLinePad

	mask   uint64
	buffer []T
}

// New allocates a ring with capacity rounded up to the next power of two.
// A zero or negative capacity is treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	cap64 := nextPow2(uint64(capacity))
	return &Ring[T]{
		mask:   cap64 - 1,
		buffer: make([]T, cap64),
	}
}

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buffer) }

// Push writes item into the ring. It returns false iff the ring is full,
// in which case item is not stored. Push must only ever be called from
// the single producer goroutine.
func (r *Ring[T]) Push(item T) bool {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail) // acquire: observe consumer progress
	if head-tail == uint64(len(r.buffer)) {
		return false // full
	}
	r.buffer[head&r.mask] = item
	atomic.StoreUint64(&r.head, head+1) // release: publish the write
	return true
}

// Pop removes and returns the oldest item in the ring. ok is false iff the
// ring is empty. Pop must only ever be called from the single consumer
// goroutine.
func (r *Ring[T]) Pop() (item T, ok bool) {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head) // acquire: observe producer progress
	if tail == head {
		return item, false // empty
	}
	item = r.buffer[tail&r.mask]
	atomic.StoreUint64(&r.tail, tail+1) // release: publish the read
	return item, true
}

// IsEmpty reports whether the ring has no items available to Pop, as
// observed by a single-threaded caller (i.e. consistent with an
// immediately following Push/Pop from the respective side, not a
// synchronization point on its own).
func (r *Ring[T]) IsEmpty() bool {
	return atomic.LoadUint64(&r.tail) == atomic.LoadUint64(&r.head)
}

// IsFull reports whether the ring has no room for a further Push.
func (r *Ring[T]) IsFull() bool {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	return head-tail == uint64(len(r.buffer))
}

// Producer returns a batched write handle over r. Writes accumulate
// locally and are published to the consumer in groups of up to batch
// items, amortising the cross-core cost of the release-store on head.
// The handle must be Flushed (or dropped via Close) before any item
// written through it is guaranteed visible to the consumer.
func (r *Ring[T]) Producer(batch int) *ProducerHandle[T] {
	if batch <= 0 {
		batch = 1
	}
	return &ProducerHandle[T]{ring: r, batch: batch}
}

// Consumer returns a batched read handle over r, mirroring Producer.
func (r *Ring[T]) Consumer(batch int) *ConsumerHandle[T] {
	if batch <= 0 {
		batch = 1
	}
	return &ConsumerHandle[T]{ring: r, batch: batch}
}

// ProducerHandle buffers up to batch writes before issuing a single
// release-store on head, recommended for steady-state producers.
type ProducerHandle[T any] struct {
	ring    *Ring[T]
	batch   int
	pending int
	cursor  uint64 // local shadow of ring.head, valid once pending > 0
}

// Push buffers item locally and flushes automatically once batch writes
// have accumulated. It returns false iff the ring has no room; in that
// case nothing is flushed and item is not stored.
func (h *ProducerHandle[T]) Push(item T) bool {
	r := h.ring
	if h.pending == 0 {
		h.cursor = atomic.LoadUint64(&r.head)
	}
	tail := atomic.LoadUint64(&r.tail)
	if h.cursor-tail == uint64(len(r.buffer)) {
		return false // full even before this write
	}
	r.buffer[h.cursor&r.mask] = item
	h.cursor++
	h.pending++
	if h.pending >= h.batch {
		h.Flush()
	}
	return true
}

// Flush publishes any buffered writes to the consumer. It is a no-op if
// nothing is pending.
func (h *ProducerHandle[T]) Flush() {
	if h.pending == 0 {
		return
	}
	atomic.StoreUint64(&h.ring.head, h.cursor) // release
	h.pending = 0
}

// Close flushes any pending writes. Handles must be closed (or flushed)
// before going out of scope so the consumer can observe the final batch.
func (h *ProducerHandle[T]) Close() { h.Flush() }

// ConsumerHandle buffers up to batch reads before issuing a single
// release-store on tail, mirroring ProducerHandle.
type ConsumerHandle[T any] struct {
	ring    *Ring[T]
	batch   int
	pending int
	cursor  uint64 // local shadow of ring.tail, valid once pending > 0
}

// Pop reads the next item, buffering the tail advance locally and
// flushing automatically once batch reads have accumulated.
func (h *ConsumerHandle[T]) Pop() (item T, ok bool) {
	r := h.ring
	if h.pending == 0 {
		h.cursor = atomic.LoadUint64(&r.tail)
	}
	head := atomic.LoadUint64(&r.head)
	if h.cursor == head {
		return item, false // empty
	}
	item = r.buffer[h.cursor&r.mask]
	h.cursor++
	h.pending++
	if h.pending >= h.batch {
		h.Flush()
	}
	return item, true
}

// Flush publishes any buffered reads to the producer (freeing the slots
// for reuse). It is a no-op if nothing is pending.
func (h *ConsumerHandle[T]) Flush() {
	if h.pending == 0 {
		return
	}
	atomic.StoreUint64(&h.ring.tail, h.cursor) // release
	h.pending = 0
}

// Close flushes any pending reads.
func (h *ConsumerHandle[T]) Close() { h.Flush() }
