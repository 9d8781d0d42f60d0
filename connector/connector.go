// Package connector defines the queue that links the transports
// to the dispatch loop of the hub.
package connector

import "context"

// Connector represents a bounded FIFO queue shared between
// many producers and a single consumer.
type Connector[T any] interface {
	// Write enqueues an item, blocking while the queue is full
	// until the context is done.
	Write(ctx context.Context, item T) error
	// TryWrite enqueues an item without blocking.
	// It returns ErrFull when the queue is full.
	TryWrite(item T) error
	// Read dequeues the next item, blocking while the queue is empty.
	// After Close, the remaining items are returned before ErrClosed.
	Read(ctx context.Context) (T, error)
	// Len returns the number of queued items.
	Len() uint32
	// Cap returns the capacity of the queue.
	Cap() uint32
	// Close closes the queue for writing.
	Close()
}
