package rb

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// mpmcBuffer allows any number of concurrent producers and consumers.
type mpmcBuffer[T any] struct {
	// headTail is a uint64 where the top 32 bits are head and the bottom 32 bits are tail.
	// This allows us to atomically read both head and tail in a single load.
	headTail atomic.Uint64

	// used to avoid false sharing
	_ cpu.CacheLinePad

	capacity uint32
	capMask  uint32

	_ cpu.CacheLinePad

	buffer []slot[T]
}

func newMPMCBuffer[T any](capacity uint32) *mpmcBuffer[T] {
	return &mpmcBuffer[T]{
		capacity: capacity,
		capMask:  capacity - 1,

		buffer: make([]slot[T], capacity),
	}
}

func (b *mpmcBuffer[T]) pack(head, tail uint32) uint64 {
	return uint64(head)<<32 | uint64(tail)
}

func (b *mpmcBuffer[T]) unpack(headTail uint64) (head, tail uint32) {
	return uint32(headTail >> 32), uint32(headTail)
}

func (b *mpmcBuffer[T]) push(item T) bool {
	for {
		headTail := b.headTail.Load()
		head, tail := b.unpack(headTail)

		if head-tail >= b.capacity {
			return false
		}

		slotIndex := head & b.capMask
		slot := &b.buffer[slotIndex]

		// The slot has not been consumed yet
		if slot.dataReady.Load() {
			runtime.Gosched()
			continue
		}

		// Claim this slot by advancing head pointer
		if !b.headTail.CompareAndSwap(headTail, b.pack(head+1, tail)) {
			runtime.Gosched()
			continue
		}

		slot.data = item
		slot.dataReady.Store(true)

		return true
	}
}

func (b *mpmcBuffer[T]) pop() (T, bool) {
	for {
		headTail := b.headTail.Load()
		head, tail := b.unpack(headTail)

		if head == tail {
			return *new(T), false
		}

		slotIndex := tail & b.capMask
		slot := &b.buffer[slotIndex]

		// Claimed by a producer but not written yet
		if !slot.dataReady.Load() {
			runtime.Gosched()
			continue
		}

		// Claim this slot for reading by advancing tail
		if !b.headTail.CompareAndSwap(headTail, b.pack(head, tail+1)) {
			runtime.Gosched()
			continue
		}

		item := slot.data

		var zero T
		slot.data = zero
		slot.dataReady.Store(false)

		return item, true
	}
}

func (b *mpmcBuffer[T]) len() uint64 {
	head, tail := b.unpack(b.headTail.Load())
	return uint64(head - tail)
}
