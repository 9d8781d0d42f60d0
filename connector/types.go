package connector

import (
	"github.com/FerroO2000/robocomm/internal/rb"
)

// RingBuffer is a lock-free mpsc generic ring buffer.
type RingBuffer[T any] = rb.RingBuffer[T]
