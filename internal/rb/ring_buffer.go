// Package rb provides a bounded lock-free mpsc/mpmc generic ring buffer
// with blocking, context aware read and write operations.
package rb

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var maxSpins = runtime.NumCPU() * 32

var (
	// ErrClosed is returned when the buffer is closed.
	ErrClosed = errors.New("ring buffer: buffer is closed")
	// ErrFull is returned by a non-blocking write when the buffer is full.
	ErrFull = errors.New("ring buffer: buffer is full")
)

// BufferKind is the type of the internal buffer implementation.
type BufferKind uint8

const (
	// BufferKindMPSC is the multiple producer/single consumer ring buffer implementation.
	BufferKindMPSC BufferKind = iota
	// BufferKindMPMC is the multiple producer/multiple consumer ring buffer implementation.
	BufferKindMPMC
)

func (bk BufferKind) String() string {
	switch bk {
	case BufferKindMPSC:
		return "MPSC"
	case BufferKindMPMC:
		return "MPMC"
	default:
		return "unknown"
	}
}

// RingBuffer is a bounded lock-free mpsc/mpmc generic ring buffer.
//
// Writers and readers spin for a while before parking on a
// single-slot token channel. A token posted while nobody is parked
// stays in the channel, so a wake-up is never lost.
type RingBuffer[T any] struct {
	kind BufferKind

	_ cpu.CacheLinePad

	buf      buffer[T]
	capacity uint32

	_ cpu.CacheLinePad

	// isClosed states whether the buffer is closed.
	isClosed atomic.Bool

	_ cpu.CacheLinePad

	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}
}

// NewRingBuffer returns a new ring buffer of the given kind.
// The capacity is rounded up to the next power of 2.
func NewRingBuffer[T any](capacity uint32, kind BufferKind) *RingBuffer[T] {
	parsedCapacity := roundToPowerOf2(capacity)

	rb := &RingBuffer[T]{
		kind:     kind,
		capacity: parsedCapacity,

		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	switch kind {
	case BufferKindMPMC:
		rb.buf = newMPMCBuffer[T](parsedCapacity)
	default:
		rb.kind = BufferKindMPSC
		rb.buf = newMPSCBuffer[T](uint64(parsedCapacity))
	}

	return rb
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Write pushes an item into the buffer.
// If the buffer is full, it blocks until there is room,
// the context is done or the buffer is closed.
func (rb *RingBuffer[T]) Write(ctx context.Context, item T) error {
	if rb.isClosed.Load() {
		return ErrClosed
	}

	for range maxSpins {
		if rb.buf.push(item) {
			signal(rb.notEmpty)
			return nil
		}

		// The buffer is full, yield to other goroutines
		runtime.Gosched()
	}

	for {
		if rb.buf.push(item) {
			signal(rb.notEmpty)

			// Hand the wake-up over to the next parked writer
			if rb.buf.len() < uint64(rb.capacity) {
				signal(rb.notFull)
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rb.closed:
			return ErrClosed
		case <-rb.notFull:
		}
	}
}

// TryWrite pushes an item into the buffer without blocking.
// It returns ErrFull if there is no room.
func (rb *RingBuffer[T]) TryWrite(item T) error {
	if rb.isClosed.Load() {
		return ErrClosed
	}

	if !rb.buf.push(item) {
		return ErrFull
	}

	signal(rb.notEmpty)

	return nil
}

// Read pops an item from the buffer.
// If the buffer is empty, it blocks until an item arrives or the context is done.
// Once the buffer is closed, the remaining items are still returned,
// then ErrClosed is returned.
func (rb *RingBuffer[T]) Read(ctx context.Context) (T, error) {
	for range maxSpins {
		if item, ok := rb.buf.pop(); ok {
			signal(rb.notFull)
			return item, nil
		}

		// The buffer is empty, yield to other goroutines
		runtime.Gosched()
	}

	for {
		if item, ok := rb.buf.pop(); ok {
			signal(rb.notFull)
			return item, nil
		}

		if rb.isClosed.Load() {
			if rb.buf.len() == 0 {
				return *new(T), ErrClosed
			}

			// A producer claimed a slot before the close
			// and has not finished writing into it
			runtime.Gosched()
			continue
		}

		select {
		case <-ctx.Done():
			return *new(T), ctx.Err()
		case <-rb.closed:
		case <-rb.notEmpty:
		}
	}
}

// Len returns the number of items in the buffer.
func (rb *RingBuffer[T]) Len() uint32 {
	return uint32(rb.buf.len())
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() uint32 {
	return rb.capacity
}

// Kind returns the kind of the buffer.
func (rb *RingBuffer[T]) Kind() BufferKind {
	return rb.kind
}

// Close closes the buffer. Further writes fail with ErrClosed,
// reads drain the remaining items.
func (rb *RingBuffer[T]) Close() {
	if !rb.isClosed.CompareAndSwap(false, true) {
		return
	}

	close(rb.closed)
}
