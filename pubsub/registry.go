// Package pubsub contains the subscriber registry and the publisher,
// i.e. the pairing of an adapter with the subscribers of its messages.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrRegistrySealed is returned when a subscriber is registered
	// (or unregistered) after the registry has been sealed.
	ErrRegistrySealed = errors.New("pubsub: registry is sealed")
	// ErrNilSubscriber is returned when a nil subscriber is registered.
	ErrNilSubscriber = errors.New("pubsub: nil subscriber")
	// ErrSubscriberNotFound is returned when unregistering an unknown subscriber.
	ErrSubscriberNotFound = errors.New("pubsub: subscriber not found")
	// ErrSubscriberPanic is wrapped by the subscriber errors caused by a panic.
	ErrSubscriberPanic = errors.New("pubsub: subscriber panicked")
)

// Subscriber is a consumer of messages of type T.
type Subscriber[T any] interface {
	// Receive is called synchronously by the dispatch loop,
	// so it must not block for long.
	Receive(ctx context.Context, msg T) error
}

// SubscriberFunc is a function subscriber.
type SubscriberFunc[T any] func(ctx context.Context, msg T) error

// Receive calls the function.
func (f SubscriberFunc[T]) Receive(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// SubscriberError is returned when a subscriber fails
// to process a message, either with an error or a panic.
type SubscriberError struct {
	SubscriberID   uuid.UUID
	SubscriberName string
	Err            error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %q (%s): %v", e.SubscriberName, e.SubscriberID, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

type cloner[T any] interface {
	Clone() T
}

type subscription[T any] struct {
	id   uuid.UUID
	name string
	sub  Subscriber[T]
}

// Registry is an ordered collection of the subscribers of messages of type T.
// Subscribers are notified in registration order. The same subscriber
// can be registered more than once.
type Registry[T any] struct {
	mux sync.RWMutex

	subs   []*subscription[T]
	sealed bool
}

// NewRegistry returns a new empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Register appends the subscriber to the registry and returns its handle.
func (r *Registry[T]) Register(name string, sub Subscriber[T]) (uuid.UUID, error) {
	if sub == nil {
		return uuid.Nil, ErrNilSubscriber
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if r.sealed {
		return uuid.Nil, ErrRegistrySealed
	}

	id := uuid.New()
	r.subs = append(r.subs, &subscription[T]{
		id:   id,
		name: name,
		sub:  sub,
	})

	return id, nil
}

// Unregister removes the subscriber with the given handle.
func (r *Registry[T]) Unregister(id uuid.UUID) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}

	for idx, s := range r.subs {
		if s.id == id {
			r.subs = slices.Concat(r.subs[:idx], r.subs[idx+1:])
			return nil
		}
	}

	return ErrSubscriberNotFound
}

// Seal forbids any further change to the registry.
func (r *Registry[T]) Seal() {
	r.mux.Lock()
	r.sealed = true
	r.mux.Unlock()
}

// IsSealed states whether the registry is sealed.
func (r *Registry[T]) IsSealed() bool {
	r.mux.RLock()
	defer r.mux.RUnlock()

	return r.sealed
}

// Len returns the number of registered subscribers.
func (r *Registry[T]) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()

	return len(r.subs)
}

// Notify delivers the message to every subscriber, in registration order,
// and returns once all of them have processed it.
// If the message has a Clone method, every subscriber receives its own copy.
// The failure of a subscriber does not prevent the delivery to the others:
// all the failures are joined in the returned error.
func (r *Registry[T]) Notify(ctx context.Context, msg T) error {
	r.mux.RLock()
	subs := r.subs
	r.mux.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := r.deliver(ctx, s, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Registry[T]) deliver(ctx context.Context, s *subscription[T], msg T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &SubscriberError{
				SubscriberID:   s.id,
				SubscriberName: s.name,
				Err:            fmt.Errorf("%w: %v", ErrSubscriberPanic, rec),
			}
		}
	}()

	if c, ok := any(msg).(cloner[T]); ok {
		msg = c.Clone()
	}

	if recvErr := s.sub.Receive(ctx, msg); recvErr != nil {
		return &SubscriberError{
			SubscriberID:   s.id,
			SubscriberName: s.name,
			Err:            recvErr,
		}
	}

	return nil
}
