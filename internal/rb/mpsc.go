package rb

import (
	"runtime"
)

// mpscBuffer allows any number of concurrent producers
// and exactly one consumer.
type mpscBuffer[T any] struct {
	*commonBuffer

	buffer []slot[T]
}

func newMPSCBuffer[T any](capacity uint64) *mpscBuffer[T] {
	return &mpscBuffer[T]{
		commonBuffer: newCommonBuffer(capacity),

		buffer: make([]slot[T], capacity),
	}
}

func (b *mpscBuffer[T]) push(item T) bool {
	for {
		head := b.head.Load()
		tail := b.tail.Load()

		// Check if the buffer is full
		if head-tail >= b.capacity {
			return false
		}

		slotIndex := head & b.capMask
		slot := &b.buffer[slotIndex]

		// The consumer has not released this slot yet
		if slot.dataReady.Load() {
			runtime.Gosched()
			continue
		}

		// Claim the slot
		if !b.head.CompareAndSwap(head, head+1) {
			runtime.Gosched()
			continue
		}

		slot.data = item
		slot.dataReady.Store(true)

		return true
	}
}

func (b *mpscBuffer[T]) pop() (T, bool) {
	tail := b.tail.Load()

	slotIndex := tail & b.capMask
	slot := &b.buffer[slotIndex]

	if slot.dataReady.Load() {
		item := slot.data

		// Release the reference held by the slot
		var zero T
		slot.data = zero
		slot.dataReady.Store(false)

		b.tail.Add(1)
		return item, true
	}

	// Either empty or a producer claimed the slot
	// and is still writing into it
	return *new(T), false
}
