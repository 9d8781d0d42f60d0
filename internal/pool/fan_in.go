// Package pool contains the building blocks shared by components
// that spawn a goroutine per connection or per file.
package pool

import (
	"context"

	"github.com/FerroO2000/robocomm/internal/rb"
)

// FanIn is an utility struct that collects tasks (envelopes)
// produced by many goroutines and hands them to a single bridge goroutine.
type FanIn[T any] struct {
	buffer *rb.RingBuffer[T]
}

// NewFanIn returns a new fan-in struct.
func NewFanIn[T any](bufferCapacity int) *FanIn[T] {
	return &FanIn[T]{
		buffer: rb.NewRingBuffer[T](uint32(bufferCapacity), rb.BufferKindMPMC),
	}
}

// AddTask enqueues a task in the ring buffer.
// It blocks while the buffer is full.
func (fi *FanIn[T]) AddTask(ctx context.Context, task T) error {
	return fi.buffer.Write(ctx, task)
}

// ReadTask dequeues a task from the ring buffer.
func (fi *FanIn[T]) ReadTask(ctx context.Context) (T, error) {
	return fi.buffer.Read(ctx)
}

// Len returns the number of pending tasks.
func (fi *FanIn[T]) Len() int {
	return int(fi.buffer.Len())
}

// Close closes the ring buffer.
// Pending tasks can still be read.
func (fi *FanIn[T]) Close() {
	fi.buffer.Close()
}
