package connector

import (
	"github.com/FerroO2000/robocomm/internal/rb"
)

var (
	// ErrClosed is returned when the ring buffer is closed.
	ErrClosed = rb.ErrClosed
	// ErrFull is returned by a non-blocking write on a full ring buffer.
	ErrFull = rb.ErrFull
)

var _ Connector[int] = (*RingBuffer[int])(nil)

// NewRingBuffer returns a new lock-free mpsc generic ring buffer.
// The capacity is rounded up to the next power of 2.
func NewRingBuffer[T any](capacity uint32) *RingBuffer[T] {
	return rb.NewRingBuffer[T](capacity, rb.BufferKindMPSC)
}
