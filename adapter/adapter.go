// Package adapter contains the adapters that convert
// the raw payload of an envelope into a typed domain message.
package adapter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/google/uuid"
)

var (
	// ErrDecode is matched by every error returned by an adapter.
	ErrDecode = errors.New("adapter: decode failed")
	// ErrUnsupportedProtocol is returned when an adapter is asked
	// to decode an envelope of a protocol it does not handle.
	ErrUnsupportedProtocol = errors.New("adapter: unsupported protocol")
)

// DecodeError is returned when the payload of an envelope
// cannot be converted into the target message.
type DecodeError struct {
	EnvelopeID uuid.UUID
	Protocol   envelope.Protocol
	MsgType    envelope.MsgType
	Err        error
}

// NewDecodeError returns the decode error of the given envelope.
// If err already is a decode error, it is returned as is.
func NewDecodeError(env *envelope.Envelope, err error) *DecodeError {
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return decErr
	}

	return &DecodeError{
		EnvelopeID: env.ID(),
		Protocol:   env.Protocol(),
		MsgType:    env.Type(),
		Err:        err,
	}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s envelope %s from %s: %v", e.MsgType, e.EnvelopeID, e.Protocol, e.Err)
}

// Unwrap returns both ErrDecode and the cause of the error.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Adapter converts the payload of an envelope into a message of type T.
// Implementations must be safe for concurrent use.
type Adapter[T any] interface {
	Adapt(env *envelope.Envelope) (T, error)
}

// Func is a function adapter.
type Func[T any] func(env *envelope.Envelope) (T, error)

// Adapt calls the function.
func (f Func[T]) Adapt(env *envelope.Envelope) (T, error) {
	return f(env)
}

// ByProtocol dispatches the envelope to the adapter
// registered for its protocol.
type ByProtocol[T any] map[envelope.Protocol]Adapter[T]

// Adapt decodes the envelope with the adapter of its protocol.
func (bp ByProtocol[T]) Adapt(env *envelope.Envelope) (T, error) {
	adapter, ok := bp[env.Protocol()]
	if !ok {
		return *new(T), NewDecodeError(env, ErrUnsupportedProtocol)
	}
	return adapter.Adapt(env)
}

func stampOrReceiveTime(stamp time.Time, env *envelope.Envelope) time.Time {
	if stamp.IsZero() {
		return env.ReceiveTime()
	}
	return stamp
}

func checkFinite(fields map[string]float64) error {
	for name, val := range fields {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("field %s is not finite", name)
		}
	}
	return nil
}
