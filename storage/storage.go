// Package storage contains the latest value caches read by the
// downstream consumers of the hub (planners, controllers).
package storage

import (
	"context"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable copy of the content of a storage.
type Snapshot[T any] struct {
	// Value is the stored value.
	Value T
	// UpdatedAt is the time the value was set.
	UpdatedAt time.Time
	// Seq is the number of times the storage has been set,
	// including this value.
	Seq uint64
}

type cloner[T any] interface {
	Clone() T
}

func cloneValue[T any](v T) T {
	if c, ok := any(v).(cloner[T]); ok {
		return c.Clone()
	}
	return v
}

// Storage is a single slot cache holding the latest value of type T.
// Get and Set never block: the slot is an immutable snapshot
// that is atomically swapped by every Set.
//
// A storage is a subscriber, so it can be registered on a publisher.
type Storage[T any] struct {
	slot atomic.Pointer[Snapshot[T]]
}

// New returns a new empty storage.
func New[T any]() *Storage[T] {
	return &Storage[T]{}
}

// Get returns the latest value.
// The boolean is false if the storage has never been set.
func (s *Storage[T]) Get() (T, bool) {
	snap := s.slot.Load()
	if snap == nil {
		return *new(T), false
	}
	return cloneValue(snap.Value), true
}

// Snapshot returns the latest value with its metadata.
// The boolean is false if the storage has never been set.
func (s *Storage[T]) Snapshot() (Snapshot[T], bool) {
	snap := s.slot.Load()
	if snap == nil {
		return Snapshot[T]{}, false
	}

	res := *snap
	res.Value = cloneValue(res.Value)
	return res, true
}

// Set replaces the stored value. The last writer wins.
func (s *Storage[T]) Set(value T) {
	value = cloneValue(value)
	now := time.Now()

	for {
		old := s.slot.Load()

		next := &Snapshot[T]{
			Value:     value,
			UpdatedAt: now,
			Seq:       1,
		}
		if old != nil {
			next.Seq = old.Seq + 1
		}

		if s.slot.CompareAndSwap(old, next) {
			return
		}
	}
}

// Seq returns the number of times the storage has been set.
func (s *Storage[T]) Seq() uint64 {
	snap := s.slot.Load()
	if snap == nil {
		return 0
	}
	return snap.Seq
}

// Receive stores the message. It never fails.
func (s *Storage[T]) Receive(_ context.Context, msg T) error {
	s.Set(msg)
	return nil
}
