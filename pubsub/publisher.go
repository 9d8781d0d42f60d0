package pubsub

import (
	"context"
	"fmt"

	"github.com/FerroO2000/robocomm/adapter"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/google/uuid"
)

// Publisher binds an adapter to the registry of the subscribers
// of the messages it produces. It answers to a single message type.
type Publisher[T any] struct {
	msgType  envelope.MsgType
	adapter  adapter.Adapter[T]
	registry *Registry[T]
}

// NewPublisher returns a new publisher of the given message type.
func NewPublisher[T any](msgType envelope.MsgType, adp adapter.Adapter[T]) *Publisher[T] {
	return &Publisher[T]{
		msgType:  msgType,
		adapter:  adp,
		registry: NewRegistry[T](),
	}
}

// InputMsgType returns the message type the publisher answers to.
func (p *Publisher[T]) InputMsgType() envelope.MsgType {
	return p.msgType
}

// Register registers a subscriber to the messages of the publisher.
func (p *Publisher[T]) Register(name string, sub Subscriber[T]) (uuid.UUID, error) {
	return p.registry.Register(name, sub)
}

// Unregister removes a subscriber from the publisher.
func (p *Publisher[T]) Unregister(id uuid.UUID) error {
	return p.registry.Unregister(id)
}

// Seal forbids any further registration.
func (p *Publisher[T]) Seal() {
	p.registry.Seal()
}

// Subscribers returns the number of registered subscribers.
func (p *Publisher[T]) Subscribers() int {
	return p.registry.Len()
}

// Publish adapts the envelope and notifies the subscribers.
// If the envelope cannot be adapted, the subscribers are not notified
// and an *adapter.DecodeError is returned.
func (p *Publisher[T]) Publish(ctx context.Context, env *envelope.Envelope) error {
	msg, err := p.adapt(env)
	if err != nil {
		return err
	}

	return p.registry.Notify(ctx, msg)
}

func (p *Publisher[T]) adapt(env *envelope.Envelope) (msg T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = adapter.NewDecodeError(env, fmt.Errorf("adapter panicked: %v", rec))
		}
	}()

	msg, err = p.adapter.Adapt(env)
	if err != nil {
		return msg, adapter.NewDecodeError(env, err)
	}

	return msg, nil
}
