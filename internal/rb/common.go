package rb

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const minCapacity = 2

type slot[T any] struct {
	dataReady atomic.Bool
	data      T
}

// buffer is the lock-free core shared by all the buffer kinds.
type buffer[T any] interface {
	push(item T) bool
	pop() (T, bool)
	len() uint64
}

type commonBuffer struct {
	head atomic.Uint64

	_ cpu.CacheLinePad

	tail atomic.Uint64

	_ cpu.CacheLinePad

	capacity uint64
	capMask  uint64

	_ cpu.CacheLinePad
}

func newCommonBuffer(capacity uint64) *commonBuffer {
	return &commonBuffer{
		capacity: capacity,
		capMask:  capacity - 1,
	}
}

func (cb *commonBuffer) len() uint64 {
	tail := cb.tail.Load()
	head := cb.head.Load()

	if head < tail {
		return head + cb.capacity - tail
	}

	return head - tail
}

// roundToPowerOf2 returns the smallest power of 2 greater than or equal to v.
func roundToPowerOf2(v uint32) uint32 {
	if v <= minCapacity {
		return minCapacity
	}

	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++

	return v
}
