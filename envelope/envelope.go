// Package envelope contains the envelope, i.e. the protocol and type tagged
// raw message received from a transport, before it is decoded.
package envelope

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Envelope is the minimal unit of ingestion.
// It is immutable once constructed.
type Envelope struct {
	id          uuid.UUID
	protocol    Protocol
	msgType     MsgType
	payload     []byte
	source      string
	receiveTime time.Time
	span        trace.SpanContext
}

// Option customizes an envelope at construction time.
type Option func(*Envelope)

// WithID overrides the generated ID of the envelope.
// It is used when re-injecting recorded envelopes.
func WithID(id uuid.UUID) Option {
	return func(e *Envelope) {
		e.id = id
	}
}

// WithSource sets the source of the envelope
// (e.g. the remote address or the topic it was received from).
func WithSource(source string) Option {
	return func(e *Envelope) {
		e.source = source
	}
}

// WithReceiveTime overrides the receive time of the envelope.
func WithReceiveTime(receiveTime time.Time) Option {
	return func(e *Envelope) {
		e.receiveTime = receiveTime
	}
}

// WithSpan attaches the context of the given span to the envelope.
func WithSpan(span trace.Span) Option {
	return func(e *Envelope) {
		e.span = span.SpanContext()
	}
}

// New returns a new envelope.
// The payload is copied, so the caller can reuse its buffer.
func New(protocol Protocol, msgType MsgType, payload []byte, opts ...Option) *Envelope {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	e := &Envelope{
		id:          uuid.New(),
		protocol:    protocol,
		msgType:     msgType,
		payload:     buf,
		receiveTime: time.Now(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ID returns the unique ID of the envelope.
func (e *Envelope) ID() uuid.UUID {
	return e.id
}

// Protocol returns the protocol the envelope was received from.
func (e *Envelope) Protocol() Protocol {
	return e.protocol
}

// Type returns the logical message type of the envelope.
func (e *Envelope) Type() MsgType {
	return e.msgType
}

// Payload returns the raw payload. It must not be modified.
func (e *Envelope) Payload() []byte {
	return e.payload
}

// Source returns the source of the envelope.
func (e *Envelope) Source() string {
	return e.source
}

// ReceiveTime returns the time the envelope was received.
func (e *Envelope) ReceiveTime() time.Time {
	return e.receiveTime
}

// LoadSpanContext loads the trace of the envelope
// into the provided context.
func (e *Envelope) LoadSpanContext(ctx context.Context) context.Context {
	if !e.span.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, e.span)
}

// LogArgs returns the metadata of the envelope as slog key/value pairs.
func (e *Envelope) LogArgs() []any {
	return []any{
		"envelope_id", e.id.String(),
		"protocol", e.protocol.String(),
		"msg_type", e.msgType.String(),
		"source", e.source,
		"payload_size", len(e.payload),
	}
}
