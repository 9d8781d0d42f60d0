package robocomm

import (
	"errors"
	"fmt"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/google/uuid"
)

var (
	// ErrHubStopped is returned when sending to a hub that is closing or closed.
	ErrHubStopped = errors.New("hub: stopped")
	// ErrQueueFull is returned by Send when the queue is full
	// and the overflow policy is OverflowPolicyDropNewest.
	ErrQueueFull = errors.New("hub: queue is full")
	// ErrSendTimeout is returned by Send when the queue stays full
	// for longer than the send timeout.
	ErrSendTimeout = errors.New("hub: send timed out")
	// ErrNilEnvelope is returned when sending a nil envelope.
	ErrNilEnvelope = errors.New("hub: nil envelope")

	// ErrNilRoute is returned by NewHub when a route is nil.
	ErrNilRoute = errors.New("hub: nil route")
	// ErrDuplicateRoute is returned by NewHub when two routes
	// answer to the same message type.
	ErrDuplicateRoute = errors.New("hub: duplicate route")
	// ErrInvalidRoute is returned by NewHub when a route
	// answers to an unknown message type.
	ErrInvalidRoute = errors.New("hub: invalid route")

	// ErrNoRoute is matched by every routing error.
	ErrNoRoute = errors.New("hub: no route")
	// ErrRoutePanic is wrapped by the errors caused by a panicking route.
	ErrRoutePanic = errors.New("hub: route panicked")
)

// RoutingError is reported when an envelope has
// a message type without a route.
type RoutingError struct {
	EnvelopeID uuid.UUID
	Protocol   envelope.Protocol
	MsgType    envelope.MsgType
}

func newRoutingError(env *envelope.Envelope) *RoutingError {
	return &RoutingError{
		EnvelopeID: env.ID(),
		Protocol:   env.Protocol(),
		MsgType:    env.Type(),
	}
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route for %s envelope %s from %s", e.MsgType, e.EnvelopeID, e.Protocol)
}

// Unwrap returns ErrNoRoute.
func (e *RoutingError) Unwrap() error {
	return ErrNoRoute
}
